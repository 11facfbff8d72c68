// Package memory provides a process-local CheckpointStore for tests and
// single-node development. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/planflow/store"
)

// MemoryCheckpointStore implements store.CheckpointStore and
// store.WriteRecorder with in-process maps.
type MemoryCheckpointStore struct {
	mu sync.RWMutex
	// chains holds per-thread checkpoint chains, oldest first
	chains map[string][]*store.Checkpoint
	// writes holds pending writes keyed by thread id + checkpoint id
	writes map[string][]store.PendingWrite
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)
var _ store.WriteRecorder = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates a new in-memory checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		chains: make(map[string][]*store.Checkpoint),
		writes: make(map[string][]store.PendingWrite),
	}
}

func writeKey(threadID, checkpointID string) string {
	return threadID + "\x00" + checkpointID
}

// Put appends a checkpoint to its thread's chain
func (s *MemoryCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[cp.ThreadID]
	latestID := ""
	if len(chain) > 0 {
		latestID = chain[len(chain)-1].ID
	}
	if cp.ParentID != latestID {
		return fmt.Errorf("thread %s: parent %q is not latest %q: %w",
			cp.ThreadID, cp.ParentID, latestID, store.ErrConflict)
	}

	saved := *cp
	if saved.Metadata.CreatedAt.IsZero() {
		saved.Metadata.CreatedAt = time.Now().UTC()
	}
	s.chains[cp.ThreadID] = append(chain, &saved)
	return nil
}

// Latest returns the newest checkpoint of a thread
func (s *MemoryCheckpointStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[threadID]
	if len(chain) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// List returns all checkpoints of a thread, newest first
func (s *MemoryCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[threadID]
	out := make([]*store.Checkpoint, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		cp := *chain[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PutWrites records pending writes against a checkpoint
func (s *MemoryCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := writeKey(threadID, checkpointID)
	s.writes[key] = append(s.writes[key], writes...)
	return nil
}

// ListWrites returns the pending writes recorded against a checkpoint
func (s *MemoryCheckpointStore) ListWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.writes[writeKey(threadID, checkpointID)]
	out := make([]store.PendingWrite, len(src))
	copy(out, src)
	return out, nil
}

// ClearWrites removes the pending writes recorded against a checkpoint
func (s *MemoryCheckpointStore) ClearWrites(ctx context.Context, threadID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.writes, writeKey(threadID, checkpointID))
	return nil
}
