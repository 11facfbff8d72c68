package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// ErrConflict is returned by Put when the checkpoint's parent is not the
// current latest checkpoint of the thread. A conflict means another writer
// advanced the thread concurrently; the caller must reload and decide.
var ErrConflict = errors.New("checkpoint parent conflict")

// Metadata carries bookkeeping for a checkpoint
type Metadata struct {
	// Node is the workflow node that produced this checkpoint
	Node string `json:"node"`
	// CreatedAt is set by the store on Put if zero
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is one durable snapshot of a thread's workflow state.
// Checkpoints of a thread form a chain through ParentID; the head of the
// chain is the thread's current state.
type Checkpoint struct {
	ThreadID string `json:"thread_id"`
	ID       string `json:"id"`
	// ParentID is the id of the previous checkpoint in the chain,
	// empty for the first checkpoint of a thread.
	ParentID string          `json:"parent_id,omitempty"`
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// CheckpointStore defines the interface for checkpoint persistence
type CheckpointStore interface {
	// Put appends a checkpoint to its thread's chain. The write is atomic
	// and durable before Put returns. If cp.ParentID does not match the
	// id of the thread's current latest checkpoint, Put returns
	// ErrConflict and writes nothing.
	Put(ctx context.Context, cp *Checkpoint) error

	// Latest returns the newest checkpoint of a thread, or ErrNotFound.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns all checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)
}

// PendingWrite is a partial result (typically a tool output) recorded
// against the checkpoint that was current when it was produced. Pending
// writes survive interruption between two transition checkpoints.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Seq     int             `json:"seq"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// WriteRecorder is an optional extension of CheckpointStore for stores
// that can persist partial writes between checkpoints.
type WriteRecorder interface {
	PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error
	ListWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error)
	ClearWrites(ctx context.Context, threadID, checkpointID string) error
}
