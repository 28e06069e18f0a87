// Package local provides the durable local task cache backed by embedded
// SQLite.
//
// The database runs with WAL mode for concurrent reads during writes. The
// store is the single write path the rest of the application observes;
// remote records reach it only through the sync coordinator's mirror path.
package local

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mkarlsson/studysync/internal/task"
)

// Store wraps the SQLite database connection with task CRUD and per-owner
// change streams.
type Store struct {
	conn *sql.DB
	path string

	streamMu sync.Mutex
	streams  map[*stream]struct{}
}

type stream struct {
	ownerID string
	ch      chan []task.Task
}

// Open creates a new store at the specified path.
//
// If the database doesn't exist, it is created along with the schema.
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		conn:    conn,
		path:    path,
		streams: make(map[*stream]struct{}),
	}

	// WAL for concurrent reads, bounded lock waits.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.streamMu.Lock()
	for st := range s.streams {
		close(st.ch)
		delete(s.streams, st)
	}
	s.streamMu.Unlock()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the tasks table and indexes. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL DEFAULT '',
		is_completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		reminder_at TEXT NOT NULL DEFAULT '',
		external_source_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (owner_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_source
	    ON tasks(owner_id, external_source_id) WHERE external_source_id != '';
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(owner_id, is_completed);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Insert stores a new task and returns its locally-assigned id. Ids are
// assigned per owner: unique within this store, not across devices.
func (s *Store) Insert(ctx context.Context, t task.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid task: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var nextID int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM tasks WHERE owner_id = ?`, t.OwnerID)
	if err := row.Scan(&nextID); err != nil {
		return 0, fmt.Errorf("failed to assign task id: %w", err)
	}

	t.ID = nextID
	if err := upsertIn(ctx, tx, t); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}

	s.notify(ctx, t.OwnerID)
	return nextID, nil
}

// Update overwrites an existing task addressed by (owner, id).
func (s *Store) Update(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE tasks SET
		title = ?, subject = ?, due_date = ?, is_completed = ?,
		created_at = ?, reminder_at = ?, external_source_id = ?
	WHERE owner_id = ? AND id = ?`,
		t.Title, t.Subject, t.DueDate, boolToInt(t.IsCompleted),
		t.CreatedAt, t.ReminderAt, t.ExternalSourceID,
		t.OwnerID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %d not found for owner %s", t.ID, t.OwnerID)
	}

	s.notify(ctx, t.OwnerID)
	return nil
}

// Upsert inserts or overwrites a task keeping its id. This is the mirror
// path for resolved remote records; applying the same record twice is a
// harmless rewrite.
func (s *Store) Upsert(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	if err := upsertIn(ctx, s.conn, t); err != nil {
		return err
	}

	s.notify(ctx, t.OwnerID)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertIn(ctx context.Context, db execer, t task.Task) error {
	query := `
	INSERT INTO tasks (
		id, owner_id, title, subject, due_date, is_completed,
		created_at, reminder_at, external_source_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, id) DO UPDATE SET
		title = excluded.title,
		subject = excluded.subject,
		due_date = excluded.due_date,
		is_completed = excluded.is_completed,
		created_at = excluded.created_at,
		reminder_at = excluded.reminder_at,
		external_source_id = excluded.external_source_id
	`

	_, err := db.ExecContext(ctx, query,
		t.ID, t.OwnerID, t.Title, t.Subject, t.DueDate,
		boolToInt(t.IsCompleted), t.CreatedAt, t.ReminderAt, t.ExternalSourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task. Returns nil if it doesn't exist (idempotent).
func (s *Store) Delete(ctx context.Context, t task.Task) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE owner_id = ? AND id = ?`, t.OwnerID, t.ID)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", t.ID, err)
	}

	s.notify(ctx, t.OwnerID)
	return nil
}

const selectColumns = `id, owner_id, title, subject, due_date, is_completed,
	created_at, reminder_at, external_source_id`

// GetByID returns a task or nil if it does not exist.
func (s *Store) GetByID(ctx context.Context, ownerID string, id int64) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM tasks WHERE owner_id = ? AND id = ?`,
		ownerID, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &t, nil
}

// GetByExternalSourceID returns the task imported from the given source, or
// nil. Used for import de-duplication.
func (s *Store) GetByExternalSourceID(ctx context.Context, ownerID, sourceID string) (*task.Task, error) {
	if sourceID == "" {
		return nil, nil
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM tasks
		 WHERE owner_id = ? AND external_source_id = ?`,
		ownerID, sourceID)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by source %s: %w", sourceID, err)
	}
	return &t, nil
}

// ListByOwner returns the current snapshot for one owner, ordered by
// created_at descending.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM tasks
		 WHERE owner_id = ? ORDER BY created_at DESC, id DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamByOwner emits a full snapshot on every change to the owner's tasks.
// The current snapshot is delivered immediately. The returned cancel func
// releases the stream and closes the channel.
func (s *Store) StreamByOwner(ctx context.Context, ownerID string) (<-chan []task.Task, func(), error) {
	snapshot, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}

	st := &stream{ownerID: ownerID, ch: make(chan []task.Task, 8)}
	st.ch <- snapshot

	s.streamMu.Lock()
	s.streams[st] = struct{}{}
	s.streamMu.Unlock()

	cancel := func() {
		s.streamMu.Lock()
		defer s.streamMu.Unlock()
		if _, ok := s.streams[st]; ok {
			delete(s.streams, st)
			close(st.ch)
		}
	}
	return st.ch, cancel, nil
}

// notify pushes a fresh snapshot to every stream watching the owner. Slow
// consumers miss intermediate snapshots rather than blocking writes.
func (s *Store) notify(ctx context.Context, ownerID string) {
	s.streamMu.Lock()
	var targets []*stream
	for st := range s.streams {
		if st.ownerID == ownerID {
			targets = append(targets, st)
		}
	}
	s.streamMu.Unlock()

	if len(targets) == 0 {
		return
	}

	snapshot, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for _, st := range targets {
		if _, ok := s.streams[st]; !ok {
			continue
		}
		select {
		case st.ch <- snapshot:
		default:
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (task.Task, error) {
	var t task.Task
	var completed int64
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Title, &t.Subject, &t.DueDate,
		&completed, &t.CreatedAt, &t.ReminderAt, &t.ExternalSourceID,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.IsCompleted = completed != 0
	return t, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
