package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/planflow/store"
)

func newTestStore(t *testing.T) *RedisCheckpointStore {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := NewRedisCheckpointStore(RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRedisCheckpointStore_PutAndLatest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cp := &store.Checkpoint{
		ThreadID: "thread-1",
		ID:       "cp-1",
		State:    json.RawMessage(`{"current_step":0}`),
		Metadata: store.Metadata{Node: "planner", CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, st.Put(ctx, cp))

	latest, err := st.Latest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", latest.ID)
	assert.Equal(t, "planner", latest.Metadata.Node)
	assert.JSONEq(t, `{"current_step":0}`, string(latest.State))
}

func TestRedisCheckpointStore_LatestNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Latest(context.Background(), "no-such-thread")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisCheckpointStore_ParentConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-1",
		State: json.RawMessage(`{}`),
	}))
	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-2", ParentID: "cp-1",
		State: json.RawMessage(`{}`),
	}))

	err := st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-3", ParentID: "cp-1",
		State: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	latest, err := st.Latest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", latest.ID)
}

func TestRedisCheckpointStore_ListNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-1", State: json.RawMessage(`{}`),
	}))
	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-2", ParentID: "cp-1", State: json.RawMessage(`{}`),
	}))
	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-3", ParentID: "cp-2", State: json.RawMessage(`{}`),
	}))

	list, err := st.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "cp-3", list[0].ID)
	assert.Equal(t, "cp-2", list[1].ID)
	assert.Equal(t, "cp-1", list[2].ID)

	empty, err := st.List(ctx, "other-thread")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisCheckpointStore_PendingWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	writes := []store.PendingWrite{
		{TaskID: "step-2", Seq: 1, Channel: "tool_output", Value: json.RawMessage(`"b"`)},
		{TaskID: "step-2", Seq: 0, Channel: "tool_output", Value: json.RawMessage(`"a"`)},
	}
	require.NoError(t, st.PutWrites(ctx, "thread-1", "cp-2", writes))

	got, err := st.ListWrites(ctx, "thread-1", "cp-2")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Seq, "writes come back ordered by task and seq")
	assert.Equal(t, `"a"`, string(got[0].Value))

	require.NoError(t, st.ClearWrites(ctx, "thread-1", "cp-2"))
	got, err = st.ListWrites(ctx, "thread-1", "cp-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisCheckpointStore_TTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st := NewRedisCheckpointStore(RedisOptions{
		Addr: mr.Addr(),
		TTL:  time.Minute,
	})
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, &store.Checkpoint{
		ThreadID: "thread-1", ID: "cp-1", State: json.RawMessage(`{}`),
	}))

	mr.FastForward(2 * time.Minute)

	_, err = st.Latest(ctx, "thread-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
