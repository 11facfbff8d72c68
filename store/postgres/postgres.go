package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/planflow/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore and
// store.WriteRecorder using PostgreSQL
type PostgresCheckpointStore struct {
	pool       DBPool
	connString string
	tableName  string
	writeTable string
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "checkpoints"; writes go to TableName + "_writes"
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)
var _ store.WriteRecorder = (*PostgresCheckpointStore)(nil)

// NewPostgresCheckpointStore creates a new Postgres checkpoint store
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	return &PostgresCheckpointStore{
		pool:       pool,
		connString: opts.ConnString,
		tableName:  tableName,
		writeTable: tableName + "_writes",
	}, nil
}

// NewPostgresCheckpointStoreWithPool creates a new Postgres checkpoint store
// with an existing pool. Useful for testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresCheckpointStore{
		pool:       pool,
		tableName:  tableName,
		writeTable: tableName + "_writes",
	}
}

func (s *PostgresCheckpointStore) schemaDDL() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			payload JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_created ON %s (thread_id, created_at DESC, seq DESC);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			channel TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, seq)
		);
	`, s.tableName, s.tableName, s.tableName, s.writeTable)
}

// InitSchema creates the checkpoint tables if they don't exist. DDL runs on
// a dedicated connection, not through the DML pool, so a wedged pool cannot
// block migration and vice versa. Falls back to the pool when the store was
// built from an existing pool without a connection string.
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	if s.connString == "" {
		if _, err := s.pool.Exec(ctx, s.schemaDDL()); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return fmt.Errorf("unable to open schema connection: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, s.schemaDDL()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. pgxpool.New only parses the
// configuration, it never dials, so callers must ping before trusting
// the store.
func (s *PostgresCheckpointStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresCheckpointStore) Close() {
	s.pool.Close()
}

// Put appends a checkpoint to its thread's chain. The parent check and the
// insert run in one transaction with the thread's latest row locked, so two
// concurrent writers on the same thread serialize and the loser gets
// store.ErrConflict.
func (s *PostgresCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and id")
	}

	createdAt := cp.Metadata.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	latestQuery := fmt.Sprintf(`
		SELECT checkpoint_id FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
		FOR UPDATE
	`, s.tableName)

	var latestID string
	err = tx.QueryRow(ctx, latestQuery, cp.ThreadID).Scan(&latestID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	if cp.ParentID != latestID {
		return fmt.Errorf("thread %s: parent %q is not latest %q: %w",
			cp.ThreadID, cp.ParentID, latestID, store.ErrConflict)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.tableName)

	_, err = tx.Exec(ctx, insertQuery,
		cp.ThreadID,
		cp.ID,
		cp.ParentID,
		[]byte(cp.State),
		metadataJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint of a thread
func (s *PostgresCheckpointStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, s.tableName)

	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints of a thread, newest first
func (s *PostgresCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, seq DESC
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

func scanCheckpoint(row pgx.Row) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parentID *string
	var payload []byte
	var metadata []byte
	var createdAt time.Time

	err := row.Scan(
		&cp.ThreadID,
		&cp.ID,
		&parentID,
		&payload,
		&metadata,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		cp.ParentID = *parentID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if cp.Metadata.CreatedAt.IsZero() {
		cp.Metadata.CreatedAt = createdAt
	}
	cp.State = payload
	return &cp, nil
}

// PutWrites records pending writes against a checkpoint
func (s *PostgresCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, task_id, seq, channel, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_id, task_id, seq) DO UPDATE SET
			channel = EXCLUDED.channel,
			payload = EXCLUDED.payload
	`, s.writeTable)

	for _, w := range writes {
		_, err := s.pool.Exec(ctx, query,
			threadID, checkpointID, w.TaskID, w.Seq, w.Channel, []byte(w.Value))
		if err != nil {
			return fmt.Errorf("failed to save pending write: %w", err)
		}
	}
	return nil
}

// ListWrites returns the pending writes recorded against a checkpoint
func (s *PostgresCheckpointStore) ListWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, seq, channel, payload
		FROM %s
		WHERE thread_id = $1 AND checkpoint_id = $2
		ORDER BY task_id, seq
	`, s.writeTable)

	rows, err := s.pool.Query(ctx, query, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var w store.PendingWrite
		var payload []byte
		if err := rows.Scan(&w.TaskID, &w.Seq, &w.Channel, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan pending write row: %w", err)
		}
		w.Value = payload
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending write rows: %w", err)
	}
	return writes, nil
}

// ClearWrites removes the pending writes recorded against a checkpoint
func (s *PostgresCheckpointStore) ClearWrites(ctx context.Context, threadID, checkpointID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1 AND checkpoint_id = $2", s.writeTable)
	if _, err := s.pool.Exec(ctx, query, threadID, checkpointID); err != nil {
		return fmt.Errorf("failed to clear pending writes: %w", err)
	}
	return nil
}
