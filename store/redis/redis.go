package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/planflow/store"
)

// RedisCheckpointStore implements store.CheckpointStore and
// store.WriteRecorder using Redis
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "planflow:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)
var _ store.WriteRecorder = (*RedisCheckpointStore)(nil)

// NewRedisCheckpointStore creates a new Redis checkpoint store
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "planflow:"
	}

	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

// Close closes the underlying client
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

func (s *RedisCheckpointStore) checkpointKey(threadID, id string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", s.prefix, threadID, id)
}

func (s *RedisCheckpointStore) latestKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:latest", s.prefix, threadID)
}

func (s *RedisCheckpointStore) chainKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:chain", s.prefix, threadID)
}

func (s *RedisCheckpointStore) writesKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%swrites:%s:%s", s.prefix, threadID, checkpointID)
}

// Put appends a checkpoint to its thread's chain. The parent check runs
// under WATCH on the thread's latest pointer, so a concurrent writer that
// advances the chain first aborts this transaction and the stale write
// surfaces as store.ErrConflict.
func (s *RedisCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and id")
	}

	saved := *cp
	if saved.Metadata.CreatedAt.IsZero() {
		saved.Metadata.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	latestKey := s.latestKey(cp.ThreadID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		latestID, err := tx.Get(ctx, latestKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read latest pointer: %w", err)
		}
		if errors.Is(err, redis.Nil) {
			latestID = ""
		}

		if cp.ParentID != latestID {
			return fmt.Errorf("thread %s: parent %q is not latest %q: %w",
				cp.ThreadID, cp.ParentID, latestID, store.ErrConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.checkpointKey(cp.ThreadID, cp.ID), data, s.ttl)
			pipe.Set(ctx, latestKey, cp.ID, s.ttl)
			pipe.LPush(ctx, s.chainKey(cp.ThreadID), cp.ID)
			if s.ttl > 0 {
				pipe.Expire(ctx, s.chainKey(cp.ThreadID), s.ttl)
			}
			return nil
		})
		return err
	}, latestKey)

	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race: another writer advanced the thread under us.
		return fmt.Errorf("thread %s: concurrent write: %w", cp.ThreadID, store.ErrConflict)
	}
	if err != nil {
		return err
	}
	return nil
}

// Latest returns the newest checkpoint of a thread
func (s *RedisCheckpointStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	latestID, err := s.client.Get(ctx, s.latestKey(threadID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read latest pointer: %w", err)
	}

	data, err := s.client.Get(ctx, s.checkpointKey(threadID, latestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp store.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns all checkpoints of a thread, newest first
func (s *RedisCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	ids, err := s.client.LRange(ctx, s.chainKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint ids: %w", err)
	}
	if len(ids) == 0 {
		return []*store.Checkpoint{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id))
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoints: %w", err)
	}

	checkpoints := make([]*store.Checkpoint, 0, len(results))
	for _, result := range results {
		if result == nil {
			// Expired checkpoint; the chain entry outlived the value.
			continue
		}
		strData, ok := result.(string)
		if !ok {
			continue
		}
		var cp store.Checkpoint
		if err := json.Unmarshal([]byte(strData), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, nil
}

// PutWrites records pending writes against a checkpoint in a hash
func (s *RedisCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	key := s.writesKey(threadID, checkpointID)
	fields := make(map[string]any, len(writes))
	for _, w := range writes {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to marshal pending write: %w", err)
		}
		fields[fmt.Sprintf("%s:%d", w.TaskID, w.Seq)] = data
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save pending writes: %w", err)
	}
	return nil
}

// ListWrites returns the pending writes recorded against a checkpoint
func (s *RedisCheckpointStore) ListWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, s.writesKey(threadID, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}

	writes := make([]store.PendingWrite, 0, len(fields))
	for _, data := range fields {
		var w store.PendingWrite
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending write: %w", err)
		}
		writes = append(writes, w)
	}

	sort.Slice(writes, func(i, j int) bool {
		if writes[i].TaskID != writes[j].TaskID {
			return writes[i].TaskID < writes[j].TaskID
		}
		return writes[i].Seq < writes[j].Seq
	})
	return writes, nil
}

// ClearWrites removes the pending writes recorded against a checkpoint
func (s *RedisCheckpointStore) ClearWrites(ctx context.Context, threadID, checkpointID string) error {
	if err := s.client.Del(ctx, s.writesKey(threadID, checkpointID)).Err(); err != nil {
		return fmt.Errorf("failed to clear pending writes: %w", err)
	}
	return nil
}
