package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mkarlsson/studysync/internal/conflict"
	"github.com/mkarlsson/studysync/internal/task"
)

// ErrOffline is returned by one-shot operations when connectivity is down.
// They fail fast instead of blocking until reconnection.
var ErrOffline = errors.New("network is offline")

// Status is the sync condition exposed to callers, independent of the task
// data itself, so a UI can show sync state without subscribing to content.
type Status struct {
	State                task.SyncState `json:"state"`
	LastError            string         `json:"last_error,omitempty"`
	SyncedCount          int            `json:"synced_count"`
	PendingConflictCount int            `json:"pending_conflict_count"`
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Resolved  []task.Task
	Conflicts []task.SyncConflict
	State     task.SyncState
}

// Options holds configuration for the Coordinator.
type Options struct {
	// FetchTimeout bounds one-shot fetches; indefinite blocking on a lost
	// connection is a correctness bug.
	FetchTimeout time.Duration

	// FetchRetries is the number of retries (exponential backoff) for a
	// one-shot fetch before it is reported as failed.
	FetchRetries uint64

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		FetchTimeout: 10 * time.Second,
		FetchRetries: 3,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Coordinator owns the live connection to the remote store and the overall
// sync status exposed to the rest of the system.
//
// It is constructed explicitly and injected where needed; there is no
// process-wide instance. One coordinator serves one (owner, device) pair,
// and its subscription lifecycle is serialized: starting while a previous
// subscription is mid-teardown can never leave two live subscriptions open.
type Coordinator struct {
	local    LocalStore
	remote   RemoteStore
	net      Connectivity
	resolver *conflict.Resolver
	logger   *log.Logger

	fetchTimeout time.Duration
	fetchRetries uint64

	// Subscription lifecycle, guarded by subMu.
	subMu   stdsync.Mutex
	sub     RemoteSubscription
	subDone chan struct{}
	owner   string

	// Resolved records not yet pushed to the remote, guarded by pushMu.
	// Filled when a manual resolution lands while offline, flushed on
	// reconnect.
	pushMu      stdsync.Mutex
	pendingPush []task.Task

	// Sync state, guarded by stateMu.
	stateMu     stdsync.Mutex
	state       task.SyncState
	lastErr     error
	syncedCount int

	// Stream subscribers, guarded by streamMu.
	streamMu   stdsync.Mutex
	statusSubs map[chan Status]struct{}
	taskSubs   map[chan []task.Task]struct{}
}

// NewCoordinator creates a Coordinator. All collaborators are required; a
// nil opts uses DefaultOptions.
func NewCoordinator(local LocalStore, remote RemoteStore, net Connectivity, resolver *conflict.Resolver, opts *Options) *Coordinator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.FetchRetries == 0 {
		opts.FetchRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		local:        local,
		remote:       remote,
		net:          net,
		resolver:     resolver,
		logger:       opts.Logger,
		fetchTimeout: opts.FetchTimeout,
		fetchRetries: opts.FetchRetries,
		state:        task.StateIdle,
		statusSubs:   make(map[chan Status]struct{}),
		taskSubs:     make(map[chan []task.Task]struct{}),
	}
}

// Run consumes the connectivity change stream and applies the override
// transitions: loss of network forces Offline from any state; regaining it
// only moves Offline back to Idle. Restarting the subscription afterwards is
// the caller's responsibility: no automatic reconnects.
//
// Run blocks until ctx is cancelled or the change stream closes.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-c.net.Changes():
			if !ok {
				return
			}
			if online {
				c.onConnectivityUp(ctx)
			} else {
				c.onConnectivityDown()
			}
		}
	}
}

// StartRealtimeSync opens a live query against the remote store scoped to
// ownerID, ordered by created_at descending. If a subscription is already
// active it is stopped first, so repeated starts leave exactly one live
// subscription.
func (c *Coordinator) StartRealtimeSync(ctx context.Context, ownerID string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.stopLocked()
	c.owner = ownerID

	c.transition(task.StateConnecting, nil)

	sub, err := c.remote.SubscribeByOwner(ctx, ownerID)
	if err != nil {
		c.syncTransition(task.StateError, fmt.Errorf("failed to open subscription: %w", err))
		c.publishTasks(nil)
		return fmt.Errorf("failed to open subscription: %w", err)
	}

	done := make(chan struct{})
	c.sub = sub
	c.subDone = done

	go c.consume(ctx, ownerID, sub, done)

	c.logger.Printf("Realtime sync started for owner %s", ownerID)
	return nil
}

// StopRealtimeSync cancels the active subscription and resets the state to
// Idle. It is synchronous (once it returns, no further update is applied)
// and safe to call when no subscription exists.
func (c *Coordinator) StopRealtimeSync() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.stopLocked()
	c.transition(task.StateIdle, nil)
}

// stopLocked tears down the current subscription and waits for its consumer
// goroutine to exit. Caller holds subMu.
func (c *Coordinator) stopLocked() {
	if c.sub == nil {
		return
	}

	if err := c.sub.Close(); err != nil {
		c.logger.Printf("Error closing subscription: %v", err)
	}
	<-c.subDone

	c.sub = nil
	c.subDone = nil
}

// consume processes updates from one subscription until its channel closes.
func (c *Coordinator) consume(ctx context.Context, ownerID string, sub RemoteSubscription, done chan struct{}) {
	defer close(done)

	for update := range sub.Updates() {
		c.applyUpdate(ctx, ownerID, update)
	}
}

// applyUpdate handles a single live-query event: either a transport error or
// a fresh remote snapshot to reconcile and mirror into the local store.
func (c *Coordinator) applyUpdate(ctx context.Context, ownerID string, update RemoteUpdate) {
	if update.Err != nil {
		// Publish an empty snapshot rather than stale data.
		c.syncTransition(task.StateError, fmt.Errorf("remote update failed: %w", update.Err))
		c.publishTasks(nil)
		return
	}

	c.syncTransition(task.StateSyncing, nil)

	remoteTasks := c.mapRows(ownerID, update.Rows)

	localTasks, err := c.local.ListByOwner(ctx, ownerID)
	if err != nil {
		c.syncTransition(task.StateError, fmt.Errorf("failed to read local snapshot: %w", err))
		return
	}

	c.SyncTasksWithConflictResolution(ctx, localTasks, remoteTasks)

	c.stateMu.Lock()
	c.syncedCount = len(remoteTasks)
	c.stateMu.Unlock()

	// Re-read local after mirroring so the display merge sees the
	// reconciled records.
	localAfter, err := c.local.ListByOwner(ctx, ownerID)
	if err != nil {
		localAfter = localTasks
	}
	c.publishTasks(MergeLists(localAfter, remoteTasks))
	c.publishStatus()
}

// mapRows converts raw remote rows to tasks, dropping individually malformed
// rows without aborting the batch. Rows whose owner disagrees with the
// active owner are also dropped: the coordinator never writes a record for a
// different owner.
func (c *Coordinator) mapRows(ownerID string, rows []task.Row) []task.Task {
	tasks := make([]task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := task.FromRow(row)
		if err != nil {
			c.logger.Printf("Dropping malformed row: %v", err)
			continue
		}
		if t.OwnerID != ownerID {
			c.logger.Printf("Dropping row %d: owner %q does not match active owner %q", t.ID, t.OwnerID, ownerID)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// SyncTasksWithConflictResolution reconciles the two snapshots, mirrors the
// resolved records into the local store, and maps the outcome onto the sync
// state: Synced when nothing diverged, Error when conflicts remain pending.
// The Error state draws attention to the degraded condition; the merged task
// list stays usable because every conflicting record still carries its
// automatic-resolution value.
func (c *Coordinator) SyncTasksWithConflictResolution(ctx context.Context, local, remote []task.Task) Result {
	resolved, conflicts := c.resolver.ResolveTaskConflicts(local, remote)

	for _, t := range resolved {
		if err := c.local.Upsert(ctx, t); err != nil {
			c.logger.Printf("Failed to mirror task %d: %v", t.ID, err)
		}
	}

	state := task.StateSynced
	var stateErr error
	if len(conflicts) > 0 {
		state = task.StateError
		stateErr = fmt.Errorf("%d unresolved conflicts", len(conflicts))
	}
	c.syncTransition(state, stateErr)

	return Result{Resolved: resolved, Conflicts: conflicts, State: state}
}

// ForceSyncNow performs a one-shot, non-subscribing fetch and reconciliation.
//
// It fails fast with ErrOffline when connectivity is down, and bounds the
// fetch with the configured timeout and retry budget.
func (c *Coordinator) ForceSyncNow(ctx context.Context, ownerID string) ([]task.Task, error) {
	if !c.net.Online() {
		return nil, ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	var rows []task.Row
	backoff := retry.WithMaxRetries(c.fetchRetries, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := c.remote.QueryByOwner(ctx, ownerID)
		if err != nil {
			return retry.RetryableError(err)
		}
		rows = got
		return nil
	})
	if err != nil {
		c.syncTransition(task.StateError, fmt.Errorf("one-shot fetch failed: %w", err))
		c.publishStatus()
		return nil, fmt.Errorf("one-shot fetch failed: %w", err)
	}

	c.syncTransition(task.StateSyncing, nil)

	remoteTasks := c.mapRows(ownerID, rows)
	localTasks, err := c.local.ListByOwner(ctx, ownerID)
	if err != nil {
		c.syncTransition(task.StateError, fmt.Errorf("failed to read local snapshot: %w", err))
		return nil, fmt.Errorf("failed to read local snapshot: %w", err)
	}

	c.SyncTasksWithConflictResolution(ctx, localTasks, remoteTasks)

	c.stateMu.Lock()
	c.syncedCount = len(remoteTasks)
	c.stateMu.Unlock()

	localAfter, err := c.local.ListByOwner(ctx, ownerID)
	if err != nil {
		localAfter = localTasks
	}

	merged := MergeLists(localAfter, remoteTasks)
	c.publishTasks(merged)
	c.publishStatus()
	return merged, nil
}

// ResolveConflictManually resolves a pending conflict with the given
// strategy and persists the surviving record: always into the local store,
// and to the remote store too when connectivity allows. While offline the
// remote push is queued and delivered on reconnect instead of being dropped.
// Returns false if the conflict id is not pending.
func (c *Coordinator) ResolveConflictManually(ctx context.Context, conflictID string, strategy task.ResolutionStrategy, merged *task.Task) bool {
	survivor, ok := c.resolver.ResolveManually(conflictID, strategy, merged)
	if !ok {
		return false
	}

	if err := c.local.Upsert(ctx, survivor); err != nil {
		c.logger.Printf("Failed to persist resolved task %d: %v", survivor.ID, err)
	}

	if c.net.Online() {
		if err := c.remote.Put(ctx, survivor); err != nil {
			c.logger.Printf("Failed to push resolved task %d: %v", survivor.ID, err)
			c.queuePush(survivor)
		}
	} else {
		c.queuePush(survivor)
	}

	c.publishStatus()
	return true
}

// queuePush records a resolved task for delivery on reconnect. A later
// resolution of the same record replaces the queued value.
func (c *Coordinator) queuePush(t task.Task) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	for i, q := range c.pendingPush {
		if q.Key() == t.Key() {
			c.pendingPush[i] = t
			return
		}
	}
	c.pendingPush = append(c.pendingPush, t)
}

// flushPendingPushes delivers queued resolutions to the remote store. A task
// whose push fails again is re-queued for the next reconnect.
func (c *Coordinator) flushPendingPushes(ctx context.Context) {
	c.pushMu.Lock()
	queued := c.pendingPush
	c.pendingPush = nil
	c.pushMu.Unlock()

	for _, t := range queued {
		if err := c.remote.Put(ctx, t); err != nil {
			c.logger.Printf("Failed to push resolved task %d: %v", t.ID, err)
			c.queuePush(t)
		}
	}
}

// PendingConflicts returns the unresolved conflicts awaiting a decision.
func (c *Coordinator) PendingConflicts() []task.SyncConflict {
	return c.resolver.PendingConflicts()
}

// CleanOldConflicts prunes conflicts past the retention window.
func (c *Coordinator) CleanOldConflicts() int {
	n := c.resolver.CleanOldConflicts()
	if n > 0 {
		c.publishStatus()
	}
	return n
}

// Status returns the current sync status.
func (c *Coordinator) Status() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	s := Status{
		State:                c.state,
		SyncedCount:          c.syncedCount,
		PendingConflictCount: c.resolver.PendingCount(),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// SubscribeStatus returns a channel of status updates plus a cancel func.
// The current status is delivered immediately; slow consumers miss
// intermediate updates rather than blocking the coordinator.
func (c *Coordinator) SubscribeStatus() (<-chan Status, func()) {
	ch := make(chan Status, 16)

	c.streamMu.Lock()
	c.statusSubs[ch] = struct{}{}
	c.streamMu.Unlock()

	ch <- c.Status()

	cancel := func() {
		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if _, ok := c.statusSubs[ch]; ok {
			delete(c.statusSubs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscribeTasks returns a channel of merged task snapshots plus a cancel
// func. Snapshots are emitted after every applied remote update.
func (c *Coordinator) SubscribeTasks() (<-chan []task.Task, func()) {
	ch := make(chan []task.Task, 16)

	c.streamMu.Lock()
	c.taskSubs[ch] = struct{}{}
	c.streamMu.Unlock()

	cancel := func() {
		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if _, ok := c.taskSubs[ch]; ok {
			delete(c.taskSubs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// onConnectivityDown forces Offline from any state.
func (c *Coordinator) onConnectivityDown() {
	c.stateMu.Lock()
	c.state = task.StateOffline
	c.stateMu.Unlock()

	c.logger.Printf("Connectivity lost, sync offline")
	c.publishStatus()
}

// onConnectivityUp moves Offline back to Idle only and delivers any queued
// resolution pushes. Restarting the subscription is deliberately left to the
// caller.
func (c *Coordinator) onConnectivityUp(ctx context.Context) {
	c.stateMu.Lock()
	changed := c.state == task.StateOffline
	if changed {
		c.state = task.StateIdle
	}
	c.stateMu.Unlock()

	c.flushPendingPushes(ctx)

	if changed {
		c.logger.Printf("Connectivity regained, sync idle")
		c.publishStatus()
	}
}

// transition unconditionally sets the state. Used by explicit caller-driven
// operations (start, stop) which may leave Offline.
func (c *Coordinator) transition(state task.SyncState, err error) {
	c.stateMu.Lock()
	c.state = state
	if err != nil {
		c.lastErr = err
	} else if state == task.StateSynced || state == task.StateIdle {
		// A successful sync (or reset) clears the previous transport error.
		c.lastErr = nil
	}
	c.stateMu.Unlock()

	c.publishStatus()
}

// syncTransition sets the state on behalf of sync processing. The Offline
// override wins: an in-flight update observed after connectivity loss must
// not resurface another state.
func (c *Coordinator) syncTransition(state task.SyncState, err error) {
	c.stateMu.Lock()
	if c.state == task.StateOffline {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	if err != nil {
		c.lastErr = err
		c.logger.Printf("Sync state %s: %v", state, err)
	} else if state == task.StateSynced {
		c.lastErr = nil
	}
	c.stateMu.Unlock()

	c.publishStatus()
}

// publishStatus broadcasts the current status to all subscribers, dropping
// the update for subscribers whose buffer is full.
func (c *Coordinator) publishStatus() {
	status := c.Status()

	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for ch := range c.statusSubs {
		select {
		case ch <- status:
		default:
		}
	}
}

// publishTasks broadcasts a merged snapshot to all task subscribers.
func (c *Coordinator) publishTasks(tasks []task.Task) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for ch := range c.taskSubs {
		select {
		case ch <- tasks:
		default:
		}
	}
}
