package registry

import (
	"regexp"
	"strings"
	"sync"

	"github.com/smallnest/planflow/log"
)

var (
	questionRe = regexp.MustCompile(`^(what|who|when|where|why|how)\b`)
	actionRe   = regexp.MustCompile(`^(create|make|draft|send|schedule|write)\b`)
)

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compiled(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(pattern)
	patternCache.Store(pattern, re)
	return re
}

// Classify maps a request to the integrations it likely needs using the
// catalog's request patterns, with intent-based defaults when nothing
// matches. Pure pattern matching; no LLM call.
func Classify(c *Catalog, request string) []string {
	lower := strings.ToLower(request)
	seen := make(map[string]bool)
	var needed []string

	for _, name := range c.order {
		spec := c.specs[name]
		for _, pattern := range spec.patterns {
			if compiled(pattern).MatchString(lower) {
				if !seen[name] {
					seen[name] = true
					needed = append(needed, name)
				}
				break
			}
		}
	}

	if len(needed) == 0 {
		switch {
		case questionRe.MatchString(lower):
			needed = append(needed, "web_search")
		case actionRe.MatchString(lower):
			switch {
			case strings.Contains(lower, "email") || strings.Contains(lower, "mail"):
				needed = append(needed, "gmail")
			case strings.Contains(lower, "doc"):
				needed = append(needed, "google_docs")
			case strings.Contains(lower, "calendar") || strings.Contains(lower, "meeting"):
				needed = append(needed, "google_calendar")
			default:
				needed = append(needed, "web_search")
			}
		default:
			needed = append(needed, "web_search")
		}
	}

	log.Debug("classified request %.60q -> %v", request, needed)
	return needed
}
