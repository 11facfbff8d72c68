package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	t.Parallel()

	e := NewEmitter(8)
	ctx := context.Background()

	e.Emit(ctx, Event{Type: EventThinking, Content: "a"})
	e.Emit(ctx, Event{Type: EventProgress})
	e.Emit(ctx, Event{Type: EventToken, Content: "b"})
	e.Close()

	var got []EventType
	for ev := range e.Events() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventThinking, EventProgress, EventToken}, got)
}

func TestEmitter_DropsOnlyTokensUnderBackpressure(t *testing.T) {
	t.Parallel()

	// buffer of 1, no consumer yet
	e := NewEmitter(1)
	ctx := context.Background()

	e.Emit(ctx, Event{Type: EventProgress, StepNumber: 1})
	// buffer full: token events are dropped without blocking
	e.Emit(ctx, Event{Type: EventToken, StepNumber: 1, Content: "x"})
	e.Emit(ctx, Event{Type: EventToken, StepNumber: 1, Content: "y"})

	// a canonical event blocks until the consumer catches up
	delivered := make(chan struct{})
	go func() {
		e.Emit(ctx, Event{Type: EventProgress, StepNumber: 2})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("canonical event should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	first := <-e.Events()
	assert.Equal(t, 1, first.StepNumber)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("canonical event was not delivered after space opened")
	}

	second := <-e.Events()
	require.Equal(t, EventProgress, second.Type)
	assert.Equal(t, 2, second.StepNumber)
}

func TestEmitter_CanonicalEmitRespectsContext(t *testing.T) {
	t.Parallel()

	e := NewEmitter(1)
	e.Emit(context.Background(), Event{Type: EventProgress})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		e.Emit(ctx, Event{Type: EventProgress})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit did not return on cancelled context")
	}
}

func TestEmitter_EmitAfterClose(t *testing.T) {
	t.Parallel()

	e := NewEmitter(1)
	e.Close()
	e.Close() // idempotent

	// must not panic on a closed channel
	e.Emit(context.Background(), Event{Type: EventProgress})
	e.Emit(context.Background(), Event{Type: EventToken})

	_, open := <-e.Events()
	assert.False(t, open)
}

func TestEmitter_NilSafe(t *testing.T) {
	t.Parallel()

	var e *Emitter
	e.Emit(context.Background(), Event{Type: EventProgress})
}
