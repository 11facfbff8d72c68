package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// PlanStep is one planned unit of work as the model emits it
type PlanStep struct {
	Description      string   `json:"description" jsonschema:"description=Single atomic action in imperative form"`
	ExpectedTools    []string `json:"expected_tools,omitempty" jsonschema:"description=Names of tools or integrations this step will likely use"`
	RequiresApproval bool     `json:"requires_approval" jsonschema:"description=True when the action has external side effects"`
	ApprovalReason   string   `json:"approval_reason,omitempty" jsonschema:"description=Short human-readable reason approval is needed"`
}

// planDocument is the full structured output the planner must produce
type planDocument struct {
	Thinking string     `json:"thinking" jsonschema:"description=Reasoning about how the request decomposes into steps"`
	Steps    []PlanStep `json:"steps" jsonschema:"description=Ordered execution steps"`
}

var (
	planSchemaOnce sync.Once
	planSchemaJSON string
)

// planSchema renders the JSON schema of planDocument for the planner prompt
func planSchema() string {
	planSchemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := reflector.Reflect(&planDocument{})
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			// Reflection over a static struct cannot fail at runtime;
			// keep a minimal fallback anyway.
			planSchemaJSON = `{"type":"object","properties":{"thinking":{"type":"string"},"steps":{"type":"array"}}}`
			return
		}
		planSchemaJSON = string(data)
	})
	return planSchemaJSON
}

// parsePlanDocument parses the model output into a planDocument,
// tolerating fenced ```json blocks and leading prose.
func parsePlanDocument(raw string) (*planDocument, error) {
	content := raw
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+len("```"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	content = strings.TrimSpace(content)

	// Tolerate prose around a bare JSON object
	if !strings.HasPrefix(content, "{") {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in planner output")
		}
		content = content[start : end+1]
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *planDocument) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Description) == "" {
			return fmt.Errorf("step %d has an empty description", i+1)
		}
	}
	return nil
}
