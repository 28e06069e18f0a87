// Package remote provides the network-accessible durable task store backed
// by a Turso/libSQL database.
//
// The remote table tolerates writers from other devices, so its rows come
// back as raw text records; conversion to tasks happens at the consumer,
// which can drop individually malformed rows.
//
// libSQL has no push-based change feed at this layer, so the live query is
// a bounded-interval poll: the owner-scoped ordered query is re-run and a
// snapshot is emitted whenever its contents change. Within one subscription
// snapshots are delivered in poll order; a restart replays the full current
// state, which the consumer must treat as a harmless rewrite.
package remote

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	tasksync "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/task"
)

// DefaultPollInterval is how often an open subscription re-runs its query.
const DefaultPollInterval = 2 * time.Second

// Config holds configuration for the remote store.
type Config struct {
	// PollInterval is the live-query polling interval.
	PollInterval time.Duration

	// Logger for store activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: DefaultPollInterval,
		Logger:       log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Store is the libSQL-backed remote task store.
type Store struct {
	conn         *sql.DB
	pollInterval time.Duration
	logger       *log.Logger
}

// Open connects to a remote libSQL database.
//
// The url is a libsql:// URL, typically carrying an authToken query
// parameter. The caller MUST call Close() when done.
func Open(url string, config *Config) (*Store, error) {
	conn, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	return New(conn, config), nil
}

// New wraps an existing connection. Useful for tests, which can back the
// store with any database/sql driver.
func New(conn *sql.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Store{
		conn:         conn,
		pollInterval: config.PollInterval,
		logger:       config.Logger,
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// InitSchema creates the remote tasks table if it doesn't exist. The id
// column is text: foreign writers are tolerated and rows are validated on
// the way in, not trusted on the way out.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL DEFAULT '',
		is_completed TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL DEFAULT '',
		reminder_at TEXT NOT NULL DEFAULT '',
		external_source_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (owner_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner_created
	    ON tasks(owner_id, created_at DESC);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// Put inserts or overwrites a task remotely.
func (s *Store) Put(ctx context.Context, t task.Task) error {
	row := t.ToRow()

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

	_, err := s.conn.ExecContext(ctx, query,
		row.ID, row.OwnerID, row.Title, row.Subject, row.DueDate,
		row.IsCompleted, row.CreatedAt, row.ReminderAt, row.ExternalSourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to put task %d: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task remotely. Returns nil if it doesn't exist.
func (s *Store) Delete(ctx context.Context, t task.Task) error {
	row := t.ToRow()
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE owner_id = ? AND id = ?`, row.OwnerID, row.ID)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", t.ID, err)
	}
	return nil
}

// QueryByOwner is a one-shot fetch of the owner's rows ordered by
// created_at descending.
func (s *Store) QueryByOwner(ctx context.Context, ownerID string) ([]task.Row, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, owner_id, title, subject, due_date, is_completed,
	       created_at, reminder_at, external_source_id
	FROM tasks WHERE owner_id = ?
	ORDER BY created_at DESC, id DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Row
	for rows.Next() {
		var r task.Row
		err := rows.Scan(
			&r.ID, &r.OwnerID, &r.Title, &r.Subject, &r.DueDate,
			&r.IsCompleted, &r.CreatedAt, &r.ReminderAt, &r.ExternalSourceID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SubscribeByOwner opens a polling live query scoped to the owner.
//
// The first poll always emits; afterwards snapshots are emitted only when
// the query result changes. Transport errors are emitted as error updates
// and polling continues, so a recovered link re-delivers the current state.
func (s *Store) SubscribeByOwner(ctx context.Context, ownerID string) (tasksync.RemoteSubscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		updates: make(chan tasksync.RemoteUpdate, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.poll(ctx, ownerID, sub)

	return sub, nil
}

type subscription struct {
	updates chan tasksync.RemoteUpdate
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates returns the event channel. It is closed after Close.
func (s *subscription) Updates() <-chan tasksync.RemoteUpdate {
	return s.updates
}

// Close cancels the subscription and blocks until the polling goroutine has
// exited: once Close returns, no further update is delivered.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// poll runs the live query loop until the subscription context ends.
func (s *Store) poll(ctx context.Context, ownerID string, sub *subscription) {
	defer close(sub.done)
	defer close(sub.updates)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastFingerprint uint64
	seeded := false

	emit := func() {
		rows, err := s.QueryByOwner(ctx, ownerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("Live query failed for owner %s: %v", ownerID, err)
			// Force a re-emit once the link recovers.
			seeded = false
			sub.send(ctx, tasksync.RemoteUpdate{Err: err})
			return
		}

		fp := fingerprint(rows)
		if seeded && fp == lastFingerprint {
			return
		}
		lastFingerprint = fp
		seeded = true
		sub.send(ctx, tasksync.RemoteUpdate{Rows: rows})
	}

	emit()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}

// send delivers an update unless the subscription is being torn down.
func (s *subscription) send(ctx context.Context, u tasksync.RemoteUpdate) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}

// fingerprint hashes a snapshot so unchanged polls emit nothing.
func fingerprint(rows []task.Row) uint64 {
	h := fnv.New64a()
	for _, r := range rows {
		for _, field := range []string{
			r.ID, r.OwnerID, r.Title, r.Subject, r.DueDate,
			r.IsCompleted, r.CreatedAt, r.ReminderAt, r.ExternalSourceID,
		} {
			h.Write([]byte(field))
			h.Write([]byte{0})
		}
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}
