package registry

import (
	"fmt"
	"sort"

	"github.com/tmc/langchaingo/tools"
)

// ApprovalClass is the human-oversight policy of a tool
type ApprovalClass string

const (
	// ApprovalSilent tools run without any approval interaction
	ApprovalSilent ApprovalClass = "silent"
	// ApprovalAdvisory tools run unattended but the executor attaches a caution note
	ApprovalAdvisory ApprovalClass = "advisory"
	// ApprovalMandatory tools force the step into awaiting_approval
	ApprovalMandatory ApprovalClass = "mandatory"
)

var classRank = map[ApprovalClass]int{
	ApprovalSilent:    0,
	ApprovalAdvisory:  1,
	ApprovalMandatory: 2,
}

// Stricter returns the stricter of two approval classes
func (c ApprovalClass) Stricter(o ApprovalClass) ApprovalClass {
	if classRank[o] > classRank[c] {
		return o
	}
	return c
}

// Credentials maps integration name to the caller's bearer token for it.
// Credentials are per-request; they are never persisted or logged.
type Credentials map[string]string

// Tool is one callable capability
type Tool struct {
	Name        string
	Description string
	Integration string
	Class       ApprovalClass
	Impl        tools.Tool
}

// Integration is the shape-only snapshot of a loaded integration. It is
// embedded in checkpointed state so a resumed thread can restore UI
// context without re-reading credentials.
type Integration struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Icon        string        `json:"icon"`
	ToolCount   int           `json:"tool_count"`
	Class       ApprovalClass `json:"approval_class"`
}

// integrationSpec is the static catalog entry for one integration
type integrationSpec struct {
	name         string
	displayName  string
	icon         string
	requiresAuth bool
	patterns     []string
	buildTools   func(token string) []Tool
}

// Catalog holds the static integration specs. One catalog serves all
// requests; per-request narrowing happens in Build.
type Catalog struct {
	specs      map[string]*integrationSpec
	order      []string
	toolOwners map[string]string
}

// NewCatalog creates an empty catalog. Most callers want DefaultCatalog.
func NewCatalog() *Catalog {
	return &Catalog{
		specs:      make(map[string]*integrationSpec),
		toolOwners: make(map[string]string),
	}
}

// DefaultCatalog returns the built-in integration set
func DefaultCatalog() *Catalog {
	c := NewCatalog()

	c.register(&integrationSpec{
		name:        "web_search",
		displayName: "Web Search",
		icon:        "search",
		patterns: []string{
			`\b(search|look up|find out|research|latest|news|current)\b`,
		},
		buildTools: func(string) []Tool {
			return []Tool{
				{
					Name:        "web_search",
					Description: webSearchDescription,
					Class:       ApprovalSilent,
					Impl:        NewWebSearch(),
				},
				{
					Name:        "fetch_page",
					Description: fetchPageDescription,
					Class:       ApprovalSilent,
					Impl:        NewFetchPage(),
				},
			}
		},
	})

	c.register(&integrationSpec{
		name:         "gmail",
		displayName:  "Gmail",
		icon:         "mail",
		requiresAuth: true,
		patterns: []string{
			`\b(email|e-mail|mail|inbox)\b`,
		},
		buildTools: func(token string) []Tool {
			return []Tool{
				{
					Name:        "send_mail",
					Description: sendMailDescription,
					Class:       ApprovalMandatory,
					Impl:        NewSendMail(token),
				},
			}
		},
	})

	c.register(&integrationSpec{
		name:         "google_docs",
		displayName:  "Google Docs",
		icon:         "document",
		requiresAuth: true,
		patterns: []string{
			`\b(doc|document|write[- ]?up)\b`,
		},
		buildTools: func(token string) []Tool {
			return []Tool{
				{
					Name:        "create_document",
					Description: createDocumentDescription,
					Class:       ApprovalMandatory,
					Impl:        NewCreateDocument(token),
				},
			}
		},
	})

	c.register(&integrationSpec{
		name:         "google_calendar",
		displayName:  "Google Calendar",
		icon:         "calendar",
		requiresAuth: true,
		patterns: []string{
			`\b(calendar|meeting|schedule|invite)\b`,
		},
		buildTools: func(token string) []Tool {
			return []Tool{
				{
					Name:        "create_event",
					Description: createEventDescription,
					Class:       ApprovalMandatory,
					Impl:        NewCreateEvent(token),
				},
			}
		},
	})

	c.register(&integrationSpec{
		name:         "slack",
		displayName:  "Slack",
		icon:         "chat",
		requiresAuth: true,
		patterns: []string{
			`\bslack\b`,
			`\bpost\b.*\b(channel|message)\b`,
		},
		buildTools: func(token string) []Tool {
			return []Tool{
				{
					Name:        "post_message",
					Description: postMessageDescription,
					Class:       ApprovalAdvisory,
					Impl:        NewPostMessage(token),
				},
			}
		},
	})

	return c
}

func (c *Catalog) register(spec *integrationSpec) {
	c.specs[spec.name] = spec
	c.order = append(c.order, spec.name)
	// Index tool ownership without credentials; tool names are static
	// per spec even when the integration is not loaded.
	for _, t := range spec.buildTools("") {
		c.toolOwners[t.Name] = spec.name
	}
}

// IntegrationForTool is the reverse lookup used by incremental loading:
// which integration, loaded or not, provides a tool name.
func (c *Catalog) IntegrationForTool(toolName string) (string, bool) {
	name, ok := c.toolOwners[toolName]
	return name, ok
}

// Build narrows the catalog to the integrations the caller holds
// credentials for. Integrations that need no auth are always included.
func (c *Catalog) Build(creds Credentials) *Registry {
	r := &Registry{
		catalog:       c,
		creds:         creds,
		byIntegration: make(map[string][]Tool),
		toolIndex:     make(map[string]Tool),
	}

	for _, name := range c.order {
		spec := c.specs[name]
		token, hasToken := creds[name]
		if spec.requiresAuth && (!hasToken || token == "") {
			continue
		}
		r.add(spec, token)
	}
	return r
}

// BuildFor narrows the catalog to the named integrations, still
// skipping any the caller holds no credential for. The full credential
// bag is retained so WithIntegration can load the rest on demand.
func (c *Catalog) BuildFor(creds Credentials, names []string) *Registry {
	r := &Registry{
		catalog:       c,
		creds:         creds,
		byIntegration: make(map[string][]Tool),
		toolIndex:     make(map[string]Tool),
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	for _, name := range c.order {
		if !wanted[name] {
			continue
		}
		spec := c.specs[name]
		token, hasToken := creds[name]
		if spec.requiresAuth && (!hasToken || token == "") {
			continue
		}
		r.add(spec, token)
	}
	return r
}

// Registry is the per-request authorized tool set. Immutable after Build;
// WithIntegration returns an extended copy.
type Registry struct {
	catalog       *Catalog
	creds         Credentials
	integrations  []Integration
	tools         []Tool
	byIntegration map[string][]Tool
	toolIndex     map[string]Tool
}

func (r *Registry) add(spec *integrationSpec, token string) {
	ts := spec.buildTools(token)

	class := ApprovalSilent
	for _, t := range ts {
		t.Integration = spec.name
		class = class.Stricter(t.Class)
		r.tools = append(r.tools, t)
		r.byIntegration[spec.name] = append(r.byIntegration[spec.name], t)
		r.toolIndex[t.Name] = t
	}

	r.integrations = append(r.integrations, Integration{
		Name:        spec.name,
		DisplayName: spec.displayName,
		Icon:        spec.icon,
		ToolCount:   len(ts),
		Class:       class,
	})
}

// Integrations returns the shape snapshot of all loaded integrations
func (r *Registry) Integrations() []Integration {
	out := make([]Integration, len(r.integrations))
	copy(out, r.integrations)
	return out
}

// Tools returns every authorized tool
func (r *Registry) Tools() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Lookup returns an authorized tool by name
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.toolIndex[name]
	return t, ok
}

// ToolsFor resolves a step's tool hints against the authorized set. Hints
// may name tools or whole integrations. An empty or fully-unresolved hint
// list falls through to every authorized tool; the hint is advisory and
// the executor's LLM makes the final choice.
func (r *Registry) ToolsFor(hints []string) []Tool {
	out := r.ResolveHints(hints)
	if len(out) == 0 {
		return r.Tools()
	}
	return out
}

// ResolveHints returns only the tools the hints actually name, with no
// fallback. Routing uses this so an unresolved hint cannot escalate a
// step's approval class through the full tool set.
func (r *Registry) ResolveHints(hints []string) []Tool {
	var out []Tool
	seen := make(map[string]bool)
	for _, hint := range hints {
		if t, ok := r.toolIndex[hint]; ok {
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t)
			}
			continue
		}
		for _, t := range r.byIntegration[hint] {
			if !seen[t.Name] {
				seen[t.Name] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// WithIntegration returns a copy of the registry extended with one more
// integration, used when the executor discovers mid-run that it needs a
// tool the request classification did not load. Fails when the caller
// holds no credential for it.
func (r *Registry) WithIntegration(name string) (*Registry, Integration, error) {
	if _, ok := r.byIntegration[name]; ok {
		for _, in := range r.integrations {
			if in.Name == name {
				return r, in, nil
			}
		}
	}

	spec, ok := r.catalog.specs[name]
	if !ok {
		return nil, Integration{}, fmt.Errorf("unknown integration %q", name)
	}
	token, hasToken := r.creds[name]
	if spec.requiresAuth && (!hasToken || token == "") {
		return nil, Integration{}, fmt.Errorf("integration %q requires a credential the caller did not supply", name)
	}

	next := &Registry{
		catalog:       r.catalog,
		creds:         r.creds,
		integrations:  append([]Integration(nil), r.integrations...),
		tools:         append([]Tool(nil), r.tools...),
		byIntegration: make(map[string][]Tool, len(r.byIntegration)+1),
		toolIndex:     make(map[string]Tool, len(r.toolIndex)),
	}
	for k, v := range r.byIntegration {
		next.byIntegration[k] = v
	}
	for k, v := range r.toolIndex {
		next.toolIndex[k] = v
	}

	next.add(spec, token)
	return next, next.integrations[len(next.integrations)-1], nil
}

// IntegrationForTool resolves a tool name to its owning integration in
// the catalog, whether or not that integration is currently loaded.
func (r *Registry) IntegrationForTool(toolName string) (string, bool) {
	return r.catalog.IntegrationForTool(toolName)
}

// Names returns the loaded integration names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.integrations))
	for _, in := range r.integrations {
		names = append(names, in.Name)
	}
	sort.Strings(names)
	return names
}
