// Package sqlite provides SQLite-backed checkpoint storage.
//
// Single-file durability without a database server. The logical schema
// matches the postgres backend; the parent check and insert share one
// transaction, and the connection pool is capped at a single connection
// because SQLite permits one writer at a time.
package sqlite
