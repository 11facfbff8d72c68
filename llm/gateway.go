package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
)

const (
	defaultPlanAttempts = 3
	defaultToolRounds   = 10
	defaultCallTimeout  = 90 * time.Second

	// History longer than this gets summarized into the planner prompt
	summaryThreshold = 2
	summaryWindow    = 10
)

const plannerSystemPrompt = `You are a workflow planner. Analyze the user's request and create a step-by-step execution plan.

RULES:
1. Each step should be a single, atomic action
2. Steps should be in correct execution order (dependencies first)
3. Be specific about what tools/actions each step requires
4. Keep steps concise but clear

For EACH step, you MUST determine if it requires human approval:

REQUIRES HUMAN APPROVAL (requires_approval: true):
- Creating documents, pages, files, or records
- Sending emails, messages, or notifications
- Updating, editing, or modifying existing content
- Deleting or archiving anything
- Publishing or sharing content
- Any action that has external side effects

DOES NOT REQUIRE APPROVAL (requires_approval: false):
- Searching or researching information
- Reading documents, emails, or messages
- Listing or fetching data
- Analyzing or summarizing content
- Any read-only operation

Be thoughtful about your approval decisions - only require approval when the action has real-world consequences.`

const executorSystemPrompt = `You are a workflow executor. Execute the specific step given to you.

CURRENT STEP: %s
STEP %d OF %d

PREVIOUS STEPS COMPLETED:
%s

YOUR TASK:
Execute ONLY this step using the available tools. Be thorough but focused on just this step.

After completing the step:
1. Report what you accomplished
2. Include any relevant outputs (links, IDs, document titles) that might be needed for later steps
3. For web searches, include the source URLs`

// Turn is one prior conversation entry passed to the planner
type Turn struct {
	Role    string
	Content string
}

// PlanRequest asks for a structured plan
type PlanRequest struct {
	Request string
	History []Turn
	Tools   []registry.Tool
	// OnToken receives partial planner output as it streams, optional
	OnToken func(chunk string)
}

// PlanResult is the parsed, validated plan
type PlanResult struct {
	Thinking string
	Steps    []PlanStep
}

// ToolOutput is one recorded tool invocation during a step
type ToolOutput struct {
	Tool   string `json:"tool"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// StepRequest asks for execution of one plan step
type StepRequest struct {
	StepNumber      int
	TotalSteps      int
	Description     string
	PreviousResults []string
	// AdvisoryNote is attached when the step's tools are advisory-class
	AdvisoryNote string
	// ApprovedPayload substitutes the operator's edited payload on resume
	ApprovedPayload string
	Tools           []registry.Tool
	// OnToken receives partial model output as it streams, optional
	OnToken func(chunk string)
}

// StepResult is the outcome of one executed step
type StepResult struct {
	Text          string
	Rationale     string
	ToolOutputs   []ToolOutput
	SearchResults []SearchResult
}

// Gateway is the narrow interface the workflow runtime calls
type Gateway interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
	ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error)
}

// ChatGateway implements Gateway over a langchaingo llms.Model
type ChatGateway struct {
	model           llms.Model
	maxPlanAttempts int
	maxToolRounds   int
	callTimeout     time.Duration
}

var _ Gateway = (*ChatGateway)(nil)

// Option configures a ChatGateway
type Option func(*ChatGateway)

// WithCallTimeout sets the per-call timeout for model and tool calls
func WithCallTimeout(d time.Duration) Option {
	return func(g *ChatGateway) { g.callTimeout = d }
}

// WithPlanAttempts sets the corrective retry budget for planning
func WithPlanAttempts(n int) Option {
	return func(g *ChatGateway) {
		if n > 0 {
			g.maxPlanAttempts = n
		}
	}
}

// WithToolRounds caps the tool-call loop per step
func WithToolRounds(n int) Option {
	return func(g *ChatGateway) {
		if n > 0 {
			g.maxToolRounds = n
		}
	}
}

// NewChatGateway creates a gateway over the given model
func NewChatGateway(model llms.Model, opts ...Option) *ChatGateway {
	g := &ChatGateway{
		model:           model,
		maxPlanAttempts: defaultPlanAttempts,
		maxToolRounds:   defaultToolRounds,
		callTimeout:     defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *ChatGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.callTimeout > 0 {
		return context.WithTimeout(ctx, g.callTimeout)
	}
	return context.WithCancel(ctx)
}

// contextSummary folds recent history into one prompt block so pronouns in
// follow-up requests resolve. Only kicks in past summaryThreshold turns.
func contextSummary(history []Turn) string {
	if len(history) <= summaryThreshold {
		return ""
	}
	window := history
	if len(window) > summaryWindow {
		window = window[len(window)-summaryWindow:]
	}

	var sb strings.Builder
	sb.WriteString("Conversation context from earlier turns (most recent last):\n")
	for _, t := range window {
		content := t.Content
		if len(content) > 300 {
			content = content[:300] + "..."
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.Role, content)
	}
	return sb.String()
}

func toolInventory(ts []registry.Tool) string {
	if len(ts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, t := range ts {
		fmt.Fprintf(&sb, "- %s (%s, approval: %s): %s\n", t.Name, t.Integration, t.Class, t.Description)
	}
	return sb.String()
}

// Plan generates a schema-valid plan, retrying with a corrective prompt
// on malformed output up to the attempt budget.
func (g *ChatGateway) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	system := plannerSystemPrompt +
		"\n\nRespond with a single JSON object conforming to this schema:\n" + planSchema()

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
	}
	if summary := contextSummary(req.History); summary != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, summary))
	}
	if inventory := toolInventory(req.Tools); inventory != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, inventory))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, "Create a plan for: "+req.Request))

	opts := []llms.CallOption{llms.WithJSONMode()}
	if req.OnToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			req.OnToken(string(chunk))
			return nil
		}))
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxPlanAttempts; attempt++ {
		resp, err := withRetry(ctx, func() (*llms.ContentResponse, error) {
			cctx, cancel := g.callContext(ctx)
			defer cancel()
			return g.model.GenerateContent(cctx, msgs, opts...)
		})
		if err != nil {
			return nil, &PlannerError{Attempts: attempt, Err: err}
		}
		if len(resp.Choices) == 0 {
			return nil, &PlannerError{Attempts: attempt, Err: fmt.Errorf("empty response from model")}
		}

		raw := resp.Choices[0].Content
		doc, perr := parsePlanDocument(raw)
		if perr == nil {
			return &PlanResult{Thinking: doc.Thinking, Steps: doc.Steps}, nil
		}

		lastErr = perr
		log.Warn("planner attempt %d produced invalid output: %v", attempt, perr)
		msgs = append(msgs,
			llms.TextParts(llms.ChatMessageTypeAI, raw),
			llms.TextParts(llms.ChatMessageTypeHuman,
				fmt.Sprintf("That output was rejected: %v. Respond again with ONLY a JSON object matching the schema.", perr)),
		)
	}
	return nil, &PlannerError{Attempts: g.maxPlanAttempts, Err: lastErr}
}

// ExecuteStep runs one step with a bounded tool-call loop
func (g *ChatGateway) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	toolIndex := make(map[string]registry.Tool, len(req.Tools))
	toolDefs := make([]llms.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolIndex[t.Name] = t
		toolDefs = append(toolDefs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"input": map[string]any{
							"type":        "string",
							"description": "The input for the tool",
						},
					},
					"required":             []string{"input"},
					"additionalProperties": false,
				},
			},
		})
	}

	previous := "None"
	if len(req.PreviousResults) > 0 {
		previous = strings.Join(req.PreviousResults, "\n")
	}
	system := fmt.Sprintf(executorSystemPrompt, req.Description, req.StepNumber, req.TotalSteps, previous)
	if req.AdvisoryNote != "" {
		system += "\n\nCAUTION: " + req.AdvisoryNote
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman,
			fmt.Sprintf("Execute step %d: %s", req.StepNumber, req.Description)),
	}
	if req.ApprovedPayload != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman,
			"The operator edited this step before approving. Use this payload instead of your own:\n"+req.ApprovedPayload))
	}

	opts := []llms.CallOption{}
	if len(toolDefs) > 0 {
		opts = append(opts, llms.WithTools(toolDefs))
	}
	if req.OnToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			req.OnToken(string(chunk))
			return nil
		}))
	}

	var outputs []ToolOutput
	var searchResults []SearchResult
	var rationale strings.Builder

	for round := 0; round < g.maxToolRounds; round++ {
		resp, err := withRetry(ctx, func() (*llms.ContentResponse, error) {
			cctx, cancel := g.callContext(ctx)
			defer cancel()
			return g.model.GenerateContent(cctx, msgs, opts...)
		})
		if err != nil {
			return nil, &ExecutionError{StepNumber: req.StepNumber, Err: err}
		}
		if len(resp.Choices) == 0 {
			return nil, &ExecutionError{StepNumber: req.StepNumber, Err: fmt.Errorf("empty response from model")}
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			return &StepResult{
				Text:          choice.Content,
				Rationale:     strings.TrimSpace(rationale.String()),
				ToolOutputs:   outputs,
				SearchResults: searchResults,
			}, nil
		}

		aiMsg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			rationale.WriteString(choice.Content)
			rationale.WriteString("\n")
			aiMsg.Parts = append(aiMsg.Parts, llms.TextPart(choice.Content))
		}
		for _, tc := range choice.ToolCalls {
			aiMsg.Parts = append(aiMsg.Parts, tc)
		}
		msgs = append(msgs, aiMsg)

		for _, tc := range choice.ToolCalls {
			name := tc.FunctionCall.Name
			tool, ok := toolIndex[name]
			if !ok {
				return nil, &UnknownToolError{Tool: name}
			}

			input := tc.FunctionCall.Arguments
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err == nil {
				if val, ok := args["input"].(string); ok {
					input = val
				}
			}

			out, err := func() (string, error) {
				cctx, cancel := g.callContext(ctx)
				defer cancel()
				return tool.Impl.Call(cctx, input)
			}()
			if err != nil {
				return nil, &ExecutionError{StepNumber: req.StepNumber,
					Err: fmt.Errorf("tool %s: %w", name, err)}
			}

			outputs = append(outputs, ToolOutput{Tool: name, Input: input, Output: out})
			if name == "web_search" {
				searchResults = append(searchResults, ExtractSearchResults(out)...)
			}

			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       name,
						Content:    out,
					},
				},
			})
		}
	}

	return nil, &ExecutionError{StepNumber: req.StepNumber,
		Err: fmt.Errorf("tool loop exceeded %d rounds", g.maxToolRounds)}
}
