package service

import (
	"encoding/json"

	"github.com/smallnest/planflow/graph"
	"github.com/smallnest/planflow/registry"
)

// Frame type discriminators on the wire
const (
	FrameThinking          = "thinking"
	FrameIntegrationsReady = "integrations_ready"
	FrameIntegrationAdded  = "integration_added_incrementally"
	FrameProgress          = "progress"
	FrameStepThinking      = "step_thinking"
	FrameToken             = "token"
	FrameApprovalRequired  = "approval_required"
	FrameError             = "error"
	FrameDone              = "done"
)

// ThinkingFrame carries planner rationale
type ThinkingFrame struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	DurationHint int64  `json:"duration_hint,omitempty"`
}

// IntegrationsReadyFrame announces the authorized integrations
type IntegrationsReadyFrame struct {
	Type         string                 `json:"type"`
	Integrations []registry.Integration `json:"integrations"`
}

// IntegrationAddedFrame announces a deferred integration loaded mid-stream
type IntegrationAddedFrame struct {
	Type        string               `json:"type"`
	Integration registry.Integration `json:"integration"`
}

// ProgressFrame is the canonical snapshot after every node transition
type ProgressFrame struct {
	Type        string      `json:"type"`
	ThreadID    string      `json:"thread_id"`
	CurrentStep int         `json:"current_step"`
	Plan        *graph.Plan `json:"plan"`
}

// StepThinkingFrame carries per-step rationale
type StepThinkingFrame struct {
	Type         string `json:"type"`
	StepNumber   int    `json:"step_number"`
	Content      string `json:"content"`
	DurationHint int64  `json:"duration_hint,omitempty"`
}

// TokenFrame is partial model or tool output; clients aggregate it into
// the step's result. Non-canonical, may be dropped under backpressure.
type TokenFrame struct {
	Type       string `json:"type"`
	StepNumber int    `json:"step_number"`
	Content    string `json:"content"`
}

// Interrupt describes the pending approval to the operator
type Interrupt struct {
	Description string          `json:"description"`
	Reason      string          `json:"reason,omitempty"`
	Preview     json.RawMessage `json:"preview,omitempty"`
	Actions     []string        `json:"actions"`
}

// ApprovalRequiredFrame signals that the workflow is suspended
type ApprovalRequiredFrame struct {
	Type       string    `json:"type"`
	ThreadID   string    `json:"thread_id"`
	StepNumber int       `json:"step_number"`
	Interrupt  Interrupt `json:"interrupt"`
}

// ErrorFrame is fatal to the current request
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DoneFrame closes the stream; the workflow is complete or suspended
type DoneFrame struct {
	Type string `json:"type"`
}

// FrameSink receives translated frames, typically an SSE writer
type FrameSink interface {
	Send(frame any) error
}

type discardSink struct{}

func (discardSink) Send(any) error { return nil }

// frameFor translates one runtime event into its wire frame
func frameFor(threadID string, ev graph.Event) any {
	switch ev.Type {
	case graph.EventThinking:
		return ThinkingFrame{Type: FrameThinking, Content: ev.Content, DurationHint: ev.DurationMS}
	case graph.EventIntegrationsReady:
		var ins []registry.Integration
		if ev.State != nil {
			ins = ev.State.Integrations
		}
		return IntegrationsReadyFrame{Type: FrameIntegrationsReady, Integrations: ins}
	case graph.EventIntegrationAdded:
		if ev.Integration == nil {
			return nil
		}
		return IntegrationAddedFrame{Type: FrameIntegrationAdded, Integration: *ev.Integration}
	case graph.EventProgress:
		if ev.State == nil {
			return nil
		}
		return ProgressFrame{
			Type:        FrameProgress,
			ThreadID:    threadID,
			CurrentStep: ev.State.CurrentStep,
			Plan:        ev.State.Plan,
		}
	case graph.EventStepThinking:
		return StepThinkingFrame{Type: FrameStepThinking, StepNumber: ev.StepNumber, Content: ev.Content, DurationHint: ev.DurationMS}
	case graph.EventToken:
		return TokenFrame{Type: FrameToken, StepNumber: ev.StepNumber, Content: ev.Content}
	case graph.EventApprovalRequired:
		if ev.Approval == nil {
			return nil
		}
		return ApprovalRequiredFrame{
			Type:       FrameApprovalRequired,
			ThreadID:   threadID,
			StepNumber: ev.Approval.StepNumber,
			Interrupt: Interrupt{
				Description: ev.Approval.Description,
				Reason:      ev.Approval.Reason,
				Preview:     ev.Approval.Preview,
				Actions:     ev.Approval.Actions,
			},
		}
	}
	return nil
}
