package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/planflow/store"
)

func TestMemoryCheckpointStore_New(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	require.NotNil(t, ms)

	var _ store.CheckpointStore = ms
	var _ store.WriteRecorder = ms
}

func TestMemoryCheckpointStore_PutAndLatest(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	ctx := context.Background()

	cp := &store.Checkpoint{
		ThreadID: "thread-1",
		ID:       "cp-1",
		State:    json.RawMessage(`{"current_step":0}`),
		Metadata: store.Metadata{Node: "planner"},
	}
	require.NoError(t, ms.Put(ctx, cp))

	latest, err := ms.Latest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", latest.ID)
	assert.Equal(t, "planner", latest.Metadata.Node)
	assert.JSONEq(t, `{"current_step":0}`, string(latest.State))
	assert.False(t, latest.Metadata.CreatedAt.IsZero(), "Put should stamp CreatedAt")
}

func TestMemoryCheckpointStore_LatestNotFound(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()

	_, err := ms.Latest(context.Background(), "no-such-thread")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryCheckpointStore_ParentConflict(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, ms.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-1",
		State: json.RawMessage(`{}`),
	}))
	require.NoError(t, ms.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-2", ParentID: "cp-1",
		State: json.RawMessage(`{}`),
	}))

	t.Run("stale parent", func(t *testing.T) {
		err := ms.Put(ctx, &store.Checkpoint{
			ThreadID: "thread-1", ID: "cp-3", ParentID: "cp-1",
			State: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("missing parent on non-empty thread", func(t *testing.T) {
		err := ms.Put(ctx, &store.Checkpoint{
			ThreadID: "thread-1", ID: "cp-3",
			State: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("conflict writes nothing", func(t *testing.T) {
		latest, err := ms.Latest(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, "cp-2", latest.ID)
	})
}

func TestMemoryCheckpointStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	ctx := context.Background()

	parent := ""
	for i := 1; i <= 4; i++ {
		cp := &store.Checkpoint{
			ThreadID: "thread-1",
			ID:       fmt.Sprintf("cp-%d", i),
			ParentID: parent,
			State:    json.RawMessage(`{}`),
			Metadata: store.Metadata{Node: "executor", CreatedAt: time.Now().UTC()},
		}
		require.NoError(t, ms.Put(ctx, cp))
		parent = cp.ID
	}

	list, err := ms.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "cp-4", list[0].ID)
	assert.Equal(t, "cp-1", list[3].ID)

	empty, err := ms.List(ctx, "other-thread")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryCheckpointStore_ThreadsIndependent(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			threadID := fmt.Sprintf("thread-%d", n)
			parent := ""
			for j := 1; j <= 5; j++ {
				id := fmt.Sprintf("cp-%d", j)
				err := ms.Put(ctx, &store.Checkpoint{
					ThreadID: threadID, ID: id, ParentID: parent,
					State: json.RawMessage(`{}`),
				})
				assert.NoError(t, err)
				parent = id
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		latest, err := ms.Latest(ctx, fmt.Sprintf("thread-%d", i))
		require.NoError(t, err)
		assert.Equal(t, "cp-5", latest.ID)
	}
}

func TestMemoryCheckpointStore_PendingWrites(t *testing.T) {
	t.Parallel()

	ms := NewMemoryCheckpointStore()
	ctx := context.Background()

	writes := []store.PendingWrite{
		{TaskID: "step-2", Seq: 0, Channel: "tool_output", Value: json.RawMessage(`"sent"`)},
		{TaskID: "step-2", Seq: 1, Channel: "tool_output", Value: json.RawMessage(`"ok"`)},
	}
	require.NoError(t, ms.PutWrites(ctx, "thread-1", "cp-3", writes))

	got, err := ms.ListWrites(ctx, "thread-1", "cp-3")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tool_output", got[0].Channel)
	assert.Equal(t, 1, got[1].Seq)

	other, err := ms.ListWrites(ctx, "thread-1", "cp-4")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, ms.ClearWrites(ctx, "thread-1", "cp-3"))
	got, err = ms.ListWrites(ctx, "thread-1", "cp-3")
	require.NoError(t, err)
	assert.Empty(t, got)
}
