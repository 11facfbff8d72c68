// Package redis provides Redis-backed checkpoint storage.
//
// Each checkpoint is a JSON value; a per-thread list holds the chain
// (newest first) and a per-thread pointer holds the latest checkpoint id.
// Put runs the parent check under WATCH on the latest pointer, so a
// concurrent writer that wins the race aborts the transaction and the
// stale write surfaces as store.ErrConflict.
//
// An optional TTL expires whole threads, which suits deployments that
// treat Redis as a bounded-retention checkpoint cache in front of a
// durable system of record.
package redis
