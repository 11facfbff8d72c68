package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/planflow/store"
)

// SqliteCheckpointStore implements store.CheckpointStore and
// store.WriteRecorder using SQLite
type SqliteCheckpointStore struct {
	db         *sql.DB
	tableName  string
	writeTable string
}

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path      string
	TableName string // Default "checkpoints"; writes go to TableName + "_writes"
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)
var _ store.WriteRecorder = (*SqliteCheckpointStore)(nil)

// NewSqliteCheckpointStore creates a new SQLite checkpoint store
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// SQLite allows one writer at a time; a second connection would turn
	// concurrent Puts into "database is locked" errors.
	db.SetMaxOpenConns(1)

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	s := &SqliteCheckpointStore{
		db:         db,
		tableName:  tableName,
		writeTable: tableName + "_writes",
	}

	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the checkpoint tables if they don't exist
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			payload TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_created ON %s (thread_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			channel TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, seq)
		);
	`, s.tableName, s.tableName, s.tableName, s.writeTable)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}

// Put appends a checkpoint to its thread's chain. The parent check and the
// insert share one transaction.
func (s *SqliteCheckpointStore) Put(ctx context.Context, cp *store.Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and id")
	}

	createdAt := cp.Metadata.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// rowid breaks created_at ties from fast successive Puts.
	latestQuery := fmt.Sprintf(`
		SELECT checkpoint_id FROM %s
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, s.tableName)

	var latestID string
	err = tx.QueryRowContext(ctx, latestQuery, cp.ThreadID).Scan(&latestID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	if cp.ParentID != latestID {
		return fmt.Errorf("thread %s: parent %q is not latest %q: %w",
			cp.ThreadID, cp.ParentID, latestID, store.ErrConflict)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.tableName)

	_, err = tx.ExecContext(ctx, insertQuery,
		cp.ThreadID,
		cp.ID,
		cp.ParentID,
		string(cp.State),
		cp.Metadata.Node,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint of a thread
func (s *SqliteCheckpointStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		FROM %s
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, s.tableName)

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints of a thread, newest first
func (s *SqliteCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, payload, metadata, created_at
		FROM %s
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, threadID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parentID sql.NullString
	var payload string
	var node sql.NullString

	err := row.Scan(
		&cp.ThreadID,
		&cp.ID,
		&parentID,
		&payload,
		&node,
		&cp.Metadata.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cp.ParentID = parentID.String
	cp.Metadata.Node = node.String
	cp.State = []byte(payload)
	return &cp, nil
}

// PutWrites records pending writes against a checkpoint
func (s *SqliteCheckpointStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []store.PendingWrite) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, task_id, seq, channel, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id, task_id, seq) DO UPDATE SET
			channel = excluded.channel,
			payload = excluded.payload
	`, s.writeTable)

	for _, w := range writes {
		_, err := s.db.ExecContext(ctx, query,
			threadID, checkpointID, w.TaskID, w.Seq, w.Channel, string(w.Value))
		if err != nil {
			return fmt.Errorf("failed to save pending write: %w", err)
		}
	}
	return nil
}

// ListWrites returns the pending writes recorded against a checkpoint
func (s *SqliteCheckpointStore) ListWrites(ctx context.Context, threadID, checkpointID string) ([]store.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, seq, channel, payload
		FROM %s
		WHERE thread_id = ? AND checkpoint_id = ?
		ORDER BY task_id, seq
	`, s.writeTable)

	rows, err := s.db.QueryContext(ctx, query, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var w store.PendingWrite
		var payload string
		if err := rows.Scan(&w.TaskID, &w.Seq, &w.Channel, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan pending write row: %w", err)
		}
		w.Value = []byte(payload)
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending write rows: %w", err)
	}
	return writes, nil
}

// ClearWrites removes the pending writes recorded against a checkpoint
func (s *SqliteCheckpointStore) ClearWrites(ctx context.Context, threadID, checkpointID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ? AND checkpoint_id = ?", s.writeTable)
	if _, err := s.db.ExecContext(ctx, query, threadID, checkpointID); err != nil {
		return fmt.Errorf("failed to clear pending writes: %w", err)
	}
	return nil
}
