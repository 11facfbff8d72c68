package graph

import (
	"context"
	"sync"

	"github.com/smallnest/planflow/log"
	"github.com/smallnest/planflow/registry"
)

// EventType identifies a runtime event
type EventType string

const (
	EventThinking          EventType = "thinking"
	EventIntegrationsReady EventType = "integrations_ready"
	EventIntegrationAdded  EventType = "integration_added"
	EventProgress          EventType = "progress"
	EventStepThinking      EventType = "step_thinking"
	EventToken             EventType = "token"
	EventApprovalRequired  EventType = "approval_required"
)

// Event is one runtime occurrence streamed to the workflow service
type Event struct {
	Type        EventType
	StepNumber  int
	Content     string
	DurationMS  int64
	State       *State
	Integration *registry.Integration
	Approval    *ApprovalInfo
}

const defaultEventBuffer = 256

// Emitter is the bounded event channel between runtime and service.
// Canonical events block until delivered; token events are dropped when
// the consumer falls behind.
type Emitter struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewEmitter creates an emitter with the given buffer size, or the
// default when size is not positive.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &Emitter{
		ch:     make(chan Event, size),
		closed: make(chan struct{}),
	}
}

// Events is the consumer side. It is closed by Close.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers an event. Token events are best-effort under
// backpressure; everything else blocks until the consumer takes it or
// the context ends.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}

	if ev.Type == EventToken {
		select {
		case e.ch <- ev:
		default:
			log.Debug("event buffer full, dropped token event for step %d", ev.StepNumber)
		}
		return
	}

	select {
	case e.ch <- ev:
	case <-ctx.Done():
	case <-e.closed:
	}
}

// Close ends the stream. Called by the producer after the run returns.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		close(e.ch)
	})
}
