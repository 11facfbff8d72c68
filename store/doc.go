// Package store defines the checkpoint model and the CheckpointStore
// interface used by the workflow runtime for durable state.
//
// A thread's checkpoints form a parent-linked chain; Put enforces that the
// new checkpoint's parent is the current head, so concurrent writers on the
// same thread cannot fork the chain (the loser gets ErrConflict). Writes on
// different threads proceed in parallel.
//
// Backends live in subpackages:
//
//   - store/memory:   process-local, for tests and single-node development
//   - store/postgres: pgx/pgxpool, production default
//   - store/sqlite:   database/sql + mattn/go-sqlite3, single-file durability
//   - store/redis:    go-redis, optimistic parent check via WATCH
//
// SQL backends and the memory backend also implement WriteRecorder, which
// persists partial tool outputs between two transition checkpoints.
package store
