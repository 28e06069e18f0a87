package sync

import (
	"context"
	"errors"
	"io"
	"log"
	stdsync "sync"
	"testing"
	"time"

	"github.com/mkarlsson/studysync/internal/conflict"
	"github.com/mkarlsson/studysync/internal/task"
)

// fakeLocal is an in-memory LocalStore.
type fakeLocal struct {
	mu     stdsync.Mutex
	tasks  map[task.Key]task.Task
	nextID map[string]int64
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		tasks:  make(map[task.Key]task.Task),
		nextID: make(map[string]int64),
	}
}

func (f *fakeLocal) Insert(_ context.Context, t task.Task) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID[t.OwnerID]++
	t.ID = f.nextID[t.OwnerID]
	f.tasks[t.Key()] = t
	return t.ID, nil
}

func (f *fakeLocal) Update(_ context.Context, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.Key()] = t
	return nil
}

func (f *fakeLocal) Upsert(_ context.Context, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.Key()] = t
	return nil
}

func (f *fakeLocal) Delete(_ context.Context, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, t.Key())
	return nil
}

func (f *fakeLocal) GetByID(_ context.Context, ownerID string, id int64) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[task.Key{OwnerID: ownerID, ID: id}]; ok {
		return &t, nil
	}
	return nil, nil
}

func (f *fakeLocal) GetByExternalSourceID(_ context.Context, ownerID, sourceID string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.OwnerID == ownerID && t.ExternalSourceID == sourceID {
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeLocal) ListByOwner(_ context.Context, ownerID string) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []task.Task
	for _, t := range f.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLocal) StreamByOwner(ctx context.Context, ownerID string) (<-chan []task.Task, func(), error) {
	ch := make(chan []task.Task, 1)
	snapshot, _ := f.ListByOwner(ctx, ownerID)
	ch <- snapshot
	return ch, func() { close(ch) }, nil
}

// fakeSub is a scriptable remote subscription.
type fakeSub struct {
	remote *fakeRemote
	ch     chan RemoteUpdate
	once   stdsync.Once
}

func (s *fakeSub) Updates() <-chan RemoteUpdate { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		close(s.ch)
		s.remote.mu.Lock()
		s.remote.openSubs--
		s.remote.mu.Unlock()
	})
	return nil
}

func (s *fakeSub) push(u RemoteUpdate) { s.ch <- u }

// fakeRemote is a scriptable RemoteStore that counts subscriptions.
type fakeRemote struct {
	mu             stdsync.Mutex
	subscribeCalls int
	openSubs       int
	lastSub        *fakeSub
	queryRows      []task.Row
	queryErr       error
	putCalls       int
	lastPut        task.Task
}

func (r *fakeRemote) Put(_ context.Context, t task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putCalls++
	r.lastPut = t
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, _ task.Task) error { return nil }

func (r *fakeRemote) QueryByOwner(_ context.Context, _ string) ([]task.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	return r.queryRows, nil
}

func (r *fakeRemote) SubscribeByOwner(_ context.Context, _ string) (RemoteSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeCalls++
	r.openSubs++
	sub := &fakeSub{remote: r, ch: make(chan RemoteUpdate, 8)}
	r.lastSub = sub
	return sub, nil
}

// fakeNet is a scriptable connectivity monitor.
type fakeNet struct {
	mu      stdsync.Mutex
	online  bool
	changes chan bool
}

func newFakeNet(online bool) *fakeNet {
	return &fakeNet{online: online, changes: make(chan bool, 8)}
}

func (n *fakeNet) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNet) Changes() <-chan bool { return n.changes }

func (n *fakeNet) set(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
	n.changes <- online
}

func newTestCoordinator(t *testing.T, net *fakeNet) (*Coordinator, *fakeLocal, *fakeRemote) {
	t.Helper()

	local := newFakeLocal()
	remote := &fakeRemote{}
	opts := &Options{
		FetchTimeout: 2 * time.Second,
		FetchRetries: 1,
		Logger:       log.New(io.Discard, "", 0),
	}
	c := NewCoordinator(local, remote, net, conflict.NewResolver(), opts)
	return c, local, remote
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func remoteRow(id, owner, title, createdAt string) task.Row {
	return task.Row{ID: id, OwnerID: owner, Title: title, CreatedAt: createdAt}
}

func TestStartRealtimeSyncRestartSafety(t *testing.T) {
	ctx := context.Background()
	c, _, remote := newTestCoordinator(t, newFakeNet(true))
	defer c.StopRealtimeSync()

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	remote.mu.Lock()
	calls, open := remote.subscribeCalls, remote.openSubs
	remote.mu.Unlock()

	if calls != 2 {
		t.Errorf("expected 2 subscribe calls, got %d", calls)
	}
	if open != 1 {
		t.Errorf("restart must leave exactly one live subscription, got %d", open)
	}
}

func TestStopRealtimeSyncNoSubscription(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newFakeNet(true))

	// Must be a safe no-op.
	c.StopRealtimeSync()
	c.StopRealtimeSync()

	if got := c.Status().State; got != task.StateIdle {
		t.Errorf("expected Idle after stop, got %s", got)
	}
}

func TestUpdateReachesSynced(t *testing.T) {
	ctx := context.Background()
	c, local, remote := newTestCoordinator(t, newFakeNet(true))
	defer c.StopRealtimeSync()

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	remote.lastSub.push(RemoteUpdate{Rows: []task.Row{
		remoteRow("1", "user-1", "From remote", "2024-01-01"),
	}})

	waitFor(t, func() bool { return c.Status().State == task.StateSynced }, "Synced state")

	if got := c.Status().SyncedCount; got != 1 {
		t.Errorf("expected synced count 1, got %d", got)
	}

	// The remote record must be mirrored into the local store.
	mirrored, err := local.GetByID(ctx, "user-1", 1)
	if err != nil || mirrored == nil {
		t.Fatalf("remote record was not mirrored locally: %v", err)
	}
	if mirrored.Title != "From remote" {
		t.Errorf("unexpected mirrored title %q", mirrored.Title)
	}
}

func TestMalformedRowsDropped(t *testing.T) {
	ctx := context.Background()
	c, local, remote := newTestCoordinator(t, newFakeNet(true))
	defer c.StopRealtimeSync()

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	remote.lastSub.push(RemoteUpdate{Rows: []task.Row{
		remoteRow("not-a-number", "user-1", "bad id", "2024-01-01"),
		remoteRow("2", "someone-else", "wrong owner", "2024-01-01"),
		remoteRow("3", "user-1", "good", "2024-01-01"),
	}})

	waitFor(t, func() bool { return c.Status().State == task.StateSynced }, "Synced state")

	if got := c.Status().SyncedCount; got != 1 {
		t.Errorf("malformed and foreign rows must be dropped, synced count = %d", got)
	}

	tasks, _ := local.ListByOwner(ctx, "user-1")
	if len(tasks) != 1 || tasks[0].ID != 3 {
		t.Errorf("expected only the good row mirrored, got %+v", tasks)
	}
}

func TestTransportErrorPublishesEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	c, _, remote := newTestCoordinator(t, newFakeNet(true))
	defer c.StopRealtimeSync()

	tasksCh, cancel := c.SubscribeTasks()
	defer cancel()

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	remote.lastSub.push(RemoteUpdate{Err: errors.New("connection reset")})

	waitFor(t, func() bool { return c.Status().State == task.StateError }, "Error state")

	select {
	case snapshot := <-tasksCh:
		if len(snapshot) != 0 {
			t.Errorf("transport error must publish an empty snapshot, got %d tasks", len(snapshot))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published after transport error")
	}

	if got := c.Status().LastError; got == "" {
		t.Error("expected lastError to be set")
	}
}

func TestErrorClearsOnNextSuccessfulSync(t *testing.T) {
	ctx := context.Background()
	c, _, remote := newTestCoordinator(t, newFakeNet(true))
	defer c.StopRealtimeSync()

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	remote.lastSub.push(RemoteUpdate{Err: errors.New("flaky link")})
	waitFor(t, func() bool { return c.Status().State == task.StateError }, "Error state")

	remote.lastSub.push(RemoteUpdate{Rows: []task.Row{
		remoteRow("1", "user-1", "ok again", "2024-01-01"),
	}})
	waitFor(t, func() bool { return c.Status().State == task.StateSynced }, "Synced state")

	if got := c.Status().LastError; got != "" {
		t.Errorf("transport error must auto-clear after a successful sync, got %q", got)
	}
}

func TestOfflineOverridesSyncing(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	net := newFakeNet(true)
	c, _, remote := newTestCoordinator(t, net)
	defer c.StopRealtimeSync()

	go c.Run(ctx)

	if err := c.StartRealtimeSync(ctx, "user-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	net.set(false)
	waitFor(t, func() bool { return c.Status().State == task.StateOffline }, "Offline state")

	// An in-flight update must not resurface another state.
	remote.lastSub.push(RemoteUpdate{Rows: []task.Row{
		remoteRow("1", "user-1", "late arrival", "2024-01-01"),
	}})
	time.Sleep(50 * time.Millisecond)

	if got := c.Status().State; got != task.StateOffline {
		t.Errorf("offline must override in-flight updates, got %s", got)
	}
}

func TestRegainMovesOfflineToIdle(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	net := newFakeNet(true)
	c, _, remote := newTestCoordinator(t, net)
	go c.Run(ctx)

	net.set(false)
	waitFor(t, func() bool { return c.Status().State == task.StateOffline }, "Offline state")

	net.set(true)
	waitFor(t, func() bool { return c.Status().State == task.StateIdle }, "Idle state")

	// Regain must not auto-restart the subscription.
	remote.mu.Lock()
	calls := remote.subscribeCalls
	remote.mu.Unlock()
	if calls != 0 {
		t.Errorf("regaining connectivity must not open subscriptions, got %d", calls)
	}
}

func TestForceSyncNowFailsFastOffline(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newFakeNet(false))

	start := time.Now()
	_, err := c.ForceSyncNow(context.Background(), "user-1")
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("offline fetch must fail fast, took %v", elapsed)
	}
}

func TestForceSyncNow(t *testing.T) {
	c, local, remote := newTestCoordinator(t, newFakeNet(true))

	remote.queryRows = []task.Row{
		remoteRow("1", "user-1", "fetched", "2024-01-01"),
	}

	merged, err := c.ForceSyncNow(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ForceSyncNow failed: %v", err)
	}
	if len(merged) != 1 || merged[0].Title != "fetched" {
		t.Errorf("unexpected merged result %+v", merged)
	}

	mirrored, _ := local.GetByID(context.Background(), "user-1", 1)
	if mirrored == nil {
		t.Error("one-shot fetch must mirror records into the local store")
	}
	if got := c.Status().State; got != task.StateSynced {
		t.Errorf("expected Synced after one-shot fetch, got %s", got)
	}
}

func TestSyncWithConflictResolutionStateMapping(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t, newFakeNet(true))

	clean := []task.Task{{ID: 1, Title: "same", CreatedAt: "2024-01-01", OwnerID: "user-1"}}
	res := c.SyncTasksWithConflictResolution(ctx, clean, clean)
	if res.State != task.StateSynced {
		t.Errorf("no conflicts must map to Synced, got %s", res.State)
	}

	local := []task.Task{{ID: 2, Title: "mine", CreatedAt: "2024-01-01", OwnerID: "user-1"}}
	remote := []task.Task{{ID: 2, Title: "theirs", CreatedAt: "2024-01-02", OwnerID: "user-1"}}
	res = c.SyncTasksWithConflictResolution(ctx, local, remote)

	if res.State != task.StateError {
		t.Errorf("conflicts must map to Error, got %s", res.State)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}
	if got := c.Status().PendingConflictCount; got != 1 {
		t.Errorf("expected pending conflict count 1, got %d", got)
	}

	// The automatic resolution keeps the merged list usable: exactly one
	// survivor per id.
	seen := make(map[int64]int)
	for _, tk := range res.Resolved {
		seen[tk.ID]++
	}
	if seen[2] != 1 {
		t.Errorf("expected exactly one survivor for id 2, got %d", seen[2])
	}
}

func TestResolveConflictManuallyPersists(t *testing.T) {
	ctx := context.Background()
	c, local, remote := newTestCoordinator(t, newFakeNet(true))

	localTasks := []task.Task{{ID: 1, Title: "mine", CreatedAt: "2024-01-02", OwnerID: "user-1"}}
	remoteTasks := []task.Task{{ID: 1, Title: "theirs", CreatedAt: "2024-01-01", OwnerID: "user-1"}}
	res := c.SyncTasksWithConflictResolution(ctx, localTasks, remoteTasks)
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}

	ok := c.ResolveConflictManually(ctx, res.Conflicts[0].ID, task.PreferRemote, nil)
	if !ok {
		t.Fatal("ResolveConflictManually failed")
	}

	persisted, _ := local.GetByID(ctx, "user-1", 1)
	if persisted == nil || persisted.Title != "theirs" {
		t.Errorf("survivor must be persisted locally, got %+v", persisted)
	}

	remote.mu.Lock()
	puts := remote.putCalls
	remote.mu.Unlock()
	if puts != 1 {
		t.Errorf("survivor must be pushed remotely when online, got %d puts", puts)
	}

	if got := c.Status().PendingConflictCount; got != 0 {
		t.Errorf("expected no pending conflicts after resolution, got %d", got)
	}

	if c.ResolveConflictManually(ctx, "unknown", task.PreferLocal, nil) {
		t.Error("unknown conflict id must return false")
	}
}

func TestOfflineResolutionDoesNotReopenConflict(t *testing.T) {
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	net := newFakeNet(false)
	c, local, remote := newTestCoordinator(t, net)
	go c.Run(ctx)

	localTasks := []task.Task{{ID: 1, Title: "mine", CreatedAt: "2024-01-02", OwnerID: "user-1"}}
	remoteTasks := []task.Task{{ID: 1, Title: "theirs", CreatedAt: "2024-01-01", OwnerID: "user-1"}}
	res := c.SyncTasksWithConflictResolution(ctx, localTasks, remoteTasks)
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}

	if !c.ResolveConflictManually(ctx, res.Conflicts[0].ID, task.PreferLocal, nil) {
		t.Fatal("ResolveConflictManually failed")
	}

	remote.mu.Lock()
	puts := remote.putCalls
	remote.mu.Unlock()
	if puts != 0 {
		t.Fatalf("offline resolution must not push remotely, got %d puts", puts)
	}

	// The unchanged remote snapshot is replayed: the settled conflict must
	// not re-open.
	localAfter, _ := local.ListByOwner(ctx, "user-1")
	res = c.SyncTasksWithConflictResolution(ctx, localAfter, remoteTasks)
	if len(res.Conflicts) != 0 {
		t.Fatalf("settled conflict re-opened after replay: %+v", res.Conflicts)
	}
	if got := c.Status().PendingConflictCount; got != 0 {
		t.Errorf("pending conflict count after replay = %d, want 0", got)
	}

	survivor, _ := local.GetByID(ctx, "user-1", 1)
	if survivor == nil || survivor.Title != "mine" {
		t.Errorf("manual decision must stick in the local store, got %+v", survivor)
	}

	// Reconnecting delivers the queued push.
	net.set(true)
	waitFor(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.putCalls == 1 && remote.lastPut.Title == "mine"
	}, "queued resolution push on reconnect")
}

func TestStatusStreamDeliversUpdates(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newFakeNet(true))

	ch, cancel := c.SubscribeStatus()
	defer cancel()

	// Initial status arrives immediately.
	select {
	case s := <-ch:
		if s.State != task.StateIdle {
			t.Errorf("expected initial Idle status, got %s", s.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial status delivered")
	}

	c.onConnectivityDown()

	waitFor(t, func() bool {
		select {
		case s := <-ch:
			return s.State == task.StateOffline
		default:
			return false
		}
	}, "Offline status update")
}
