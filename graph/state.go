package graph

import (
	"encoding/json"
	"fmt"

	"github.com/smallnest/planflow/llm"
	"github.com/smallnest/planflow/registry"
)

// StepStatus is the lifecycle state of one plan step
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepInProgress       StepStatus = "in_progress"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
)

// legalTransitions encodes the allowed status moves. Retry is the only
// way out of a terminal status and it goes back to pending.
var legalTransitions = map[StepStatus][]StepStatus{
	StepPending:          {StepInProgress, StepAwaitingApproval},
	StepInProgress:       {StepCompleted, StepFailed, StepAwaitingApproval},
	StepAwaitingApproval: {StepInProgress, StepSkipped, StepFailed},
	StepFailed:           {StepPending},
	StepCompleted:        {StepPending},
	StepSkipped:          {StepPending},
}

// CanTransition reports whether moving from s to next is legal
func (s StepStatus) CanTransition(next StepStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the step absent a retry
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepSkipped
}

// Step is one planned unit of work with its execution record
type Step struct {
	Number             int                `json:"number"`
	Description        string             `json:"description"`
	ExpectedTools      []string           `json:"expected_tools,omitempty"`
	RequiresApproval   bool               `json:"requires_approval"`
	ApprovalReason     string             `json:"approval_reason,omitempty"`
	Status             StepStatus         `json:"status"`
	Result             string             `json:"result,omitempty"`
	Error              string             `json:"error,omitempty"`
	Thinking           string             `json:"thinking,omitempty"`
	ThinkingDurationMS int64              `json:"thinking_duration_ms,omitempty"`
	Preview            json.RawMessage    `json:"preview,omitempty"`
	ToolOutputs        []llm.ToolOutput   `json:"tool_outputs,omitempty"`
	SearchResults      []llm.SearchResult `json:"search_results,omitempty"`
}

// Plan is the structured multi-step plan for one top-level request
type Plan struct {
	OriginalRequest string  `json:"original_request"`
	Thinking        string  `json:"thinking,omitempty"`
	Steps           []*Step `json:"steps"`
	IsComplete      bool    `json:"is_complete"`
	FinalSummary    string  `json:"final_summary,omitempty"`
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one entry in the append-only thread transcript
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// ApprovalInfo describes a persisted suspension point. It lives in state
// so a resume can rehydrate from the checkpoint alone.
type ApprovalInfo struct {
	StepNumber  int             `json:"step_number"`
	Description string          `json:"description"`
	Reason      string          `json:"reason,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`
	Actions     []string        `json:"actions"`
}

// ResolvedApproval records the last approval decision applied, so a
// duplicate resume with the same action is a no-op instead of an error.
type ResolvedApproval struct {
	StepNumber int    `json:"step_number"`
	Action     string `json:"action"`
}

// State is the single value checkpointed per thread per transition
type State struct {
	ThreadID         string                 `json:"thread_id"`
	Messages         []Message              `json:"messages,omitempty"`
	Plan             *Plan                  `json:"plan,omitempty"`
	CurrentStep      int                    `json:"current_step"`
	Integrations     []registry.Integration `json:"integrations,omitempty"`
	AwaitingApproval bool                   `json:"awaiting_approval"`
	Approval         *ApprovalInfo          `json:"approval,omitempty"`
	Resolved         *ResolvedApproval      `json:"resolved_approval,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
	IsComplete       bool                   `json:"is_complete"`
}

// Validate checks the structural invariants the runtime must preserve
// across every checkpoint.
func (s *State) Validate() error {
	if s.ThreadID == "" {
		return fmt.Errorf("state has no thread id")
	}
	if s.Plan == nil {
		if s.CurrentStep != 0 {
			return fmt.Errorf("current step %d without a plan", s.CurrentStep)
		}
		if s.AwaitingApproval {
			return fmt.Errorf("awaiting approval without a plan")
		}
		return nil
	}

	inProgress, awaiting := 0, 0
	for i, step := range s.Plan.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("step at index %d has number %d, want %d", i, step.Number, i+1)
		}
		switch step.Status {
		case StepInProgress:
			inProgress++
		case StepAwaitingApproval:
			awaiting++
			if !step.RequiresApproval {
				return fmt.Errorf("step %d awaits approval but does not require it", step.Number)
			}
		case StepPending, StepCompleted, StepFailed, StepSkipped:
		default:
			return fmt.Errorf("step %d has unknown status %q", step.Number, step.Status)
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("%d steps in progress, at most 1 allowed", inProgress)
	}
	if awaiting > 1 {
		return fmt.Errorf("%d steps awaiting approval, at most 1 allowed", awaiting)
	}
	if awaiting == 1 && !s.AwaitingApproval {
		return fmt.Errorf("a step awaits approval but the state flag is unset")
	}
	if s.AwaitingApproval && awaiting == 0 {
		return fmt.Errorf("state flagged awaiting approval but no step is")
	}
	if s.CurrentStep < 0 || s.CurrentStep > len(s.Plan.Steps) {
		return fmt.Errorf("current step %d out of range 0..%d", s.CurrentStep, len(s.Plan.Steps))
	}
	return nil
}

// CurrentStepRef returns the step at the current index, nil when past
// the end or when no plan is set.
func (s *State) CurrentStepRef() *Step {
	if s.Plan == nil || s.CurrentStep < 0 || s.CurrentStep >= len(s.Plan.Steps) {
		return nil
	}
	return s.Plan.Steps[s.CurrentStep]
}

// Snapshot returns a deep copy safe to hand to an event consumer while
// the runtime keeps mutating the original.
func (s *State) Snapshot() *State {
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	return &out
}

// EncodeState serializes a state for checkpointing
func EncodeState(s *State) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState deserializes a checkpointed state
func DecodeState(raw json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}
