// Package sync provides the synchronization coordinator that reconciles the
// local task cache with the remote store, plus the display merge that
// combines the two snapshots into the single ordered list the rest of the
// application observes.
package sync

import (
	"context"

	"github.com/mkarlsson/studysync/internal/task"
)

// LocalStore is the durable local cache of task records. It is the single
// write path the rest of the application observes; remote changes are
// mirrored into it, never the reverse direction only.
type LocalStore interface {
	// Insert stores a new task and returns its locally-assigned id.
	Insert(ctx context.Context, t task.Task) (int64, error)

	// Update overwrites an existing task addressed by (owner, id).
	Update(ctx context.Context, t task.Task) error

	// Upsert inserts or overwrites a task keeping its id. This is the
	// mirror path used when applying resolved remote records; it must be
	// idempotent so replays are harmless.
	Upsert(ctx context.Context, t task.Task) error

	// Delete removes a task.
	Delete(ctx context.Context, t task.Task) error

	// GetByID returns a task or nil if it does not exist.
	GetByID(ctx context.Context, ownerID string, id int64) (*task.Task, error)

	// GetByExternalSourceID returns the task imported from the given
	// source, or nil. Used for import de-duplication.
	GetByExternalSourceID(ctx context.Context, ownerID, sourceID string) (*task.Task, error)

	// ListByOwner returns the current snapshot for one owner.
	ListByOwner(ctx context.Context, ownerID string) ([]task.Task, error)

	// StreamByOwner emits a full snapshot on every change to the owner's
	// tasks. The returned cancel func releases the stream; the channel is
	// closed afterwards.
	StreamByOwner(ctx context.Context, ownerID string) (<-chan []task.Task, func(), error)
}

// RemoteUpdate is one event from a remote live query: either a snapshot of
// raw rows or a transport error, never both.
type RemoteUpdate struct {
	Rows []task.Row
	Err  error
}

// RemoteSubscription is a cancellable live query against the remote store.
//
// Close releases the subscription synchronously: once it returns, no
// further update is delivered. Updates is closed after Close.
type RemoteSubscription interface {
	Updates() <-chan RemoteUpdate
	Close() error
}

// RemoteStore is the network-accessible durable store of task records.
type RemoteStore interface {
	// Put inserts or overwrites a task remotely.
	Put(ctx context.Context, t task.Task) error

	// Delete removes a task remotely.
	Delete(ctx context.Context, t task.Task) error

	// QueryByOwner is a one-shot fetch of the owner's rows ordered by
	// created_at descending.
	QueryByOwner(ctx context.Context, ownerID string) ([]task.Row, error)

	// SubscribeByOwner opens a live query scoped to the owner, ordered by
	// created_at descending. Within one subscription updates arrive in the
	// order the remote store emits them; no ordering is guaranteed across
	// a stop/start cycle.
	SubscribeByOwner(ctx context.Context, ownerID string) (RemoteSubscription, error)
}

// Connectivity reports network reachability.
type Connectivity interface {
	// Online returns the current reachability.
	Online() bool

	// Changes emits reachability edges (true on regain, false on loss).
	Changes() <-chan bool
}
