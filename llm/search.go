package llm

import (
	"encoding/json"
	"net/url"
)

// SearchResult is one structured web-search hit surfaced to the client
// alongside a step's result.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Domain  string `json:"domain,omitempty"`
	Favicon string `json:"favicon,omitempty"`
	Date    string `json:"date,omitempty"`
}

// ExtractSearchResults parses the web_search tool's JSON output into
// structured hits. Unparseable output yields nil; the raw text still
// reaches the model either way.
func ExtractSearchResults(raw string) []SearchResult {
	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
			Domain  string `json:"domain"`
			Date    string `json:"date"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	out := make([]SearchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		if r.URL == "" {
			continue
		}
		hit := SearchResult{
			Title:  r.Title,
			URL:    r.URL,
			Domain: r.Domain,
			Date:   r.Date,
		}
		if hit.Domain == "" {
			if u, err := url.Parse(r.URL); err == nil {
				hit.Domain = u.Hostname()
			}
		}
		if hit.Domain != "" {
			hit.Favicon = "https://www.google.com/s2/favicons?domain=" + hit.Domain
		}
		out = append(out, hit)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
