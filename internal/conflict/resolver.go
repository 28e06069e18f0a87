// Package conflict implements divergence detection and resolution between
// local and remote task snapshots.
//
// Detection and merging are pure, CPU-only operations. The resolver keeps two
// pieces of state: the set of pending conflicts awaiting a manual decision,
// and a memory of recently resolved divergences so that replaying an unchanged
// snapshot pair cannot re-open a conflict the user already settled.
// Conflicting records always resolve to exactly one surviving task value;
// resolution never deletes a record.
package conflict

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsson/studysync/internal/task"
)

// DefaultRetention is how long an unresolved conflict is kept before
// CleanOldConflicts prunes it.
const DefaultRetention = 24 * time.Hour

// Resolver detects and resolves divergence between two record snapshots.
//
// The pending-conflicts set is the only mutable shared state. All mutation
// replaces an immutable snapshot of the slice under a short-held mutex, so
// readers never observe a partial update.
type Resolver struct {
	mu        sync.Mutex
	pending   []task.SyncConflict
	resolved  []resolution
	retention time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// resolution remembers a settled divergence for the retention window. While
// remembered, re-observing the same divergence yields the recorded survivor
// instead of a fresh pending conflict.
type resolution struct {
	conflict   task.SyncConflict
	survivor   task.Task
	resolvedAt time.Time
}

// NewResolver creates a Resolver with the default 24h retention window.
func NewResolver() *Resolver {
	return &Resolver{
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// ResolveTaskConflicts reconciles a local and a remote snapshot.
//
// For every id present on both sides the content fields (title, subject,
// dueDate, isCompleted, reminderAt) are compared. Equal records take the
// remote copy (both sides agree, remote is authoritative). Differing records
// produce a ContentModified conflict listing the differing fields, and an
// automatic resolution picks the side whose created_at sorts later. This is
// a recency heuristic, not true last-write-wins, because the records carry
// no modification timestamp.
//
// Ids present on only one side pass through unchanged: the other side has
// not caught up yet.
//
// The returned resolved set contains exactly one entry per distinct id;
// callers re-sort. New conflicts are recorded in the pending set, but
// re-running the same pair re-returns the already-pending conflicts instead
// of duplicating them, so resolution is idempotent under replay.
func (r *Resolver) ResolveTaskConflicts(local, remote []task.Task) ([]task.Task, []task.SyncConflict) {
	// Lookups key on (owner, id): cross-owner records are never merged.
	localByKey := make(map[task.Key]task.Task, len(local))
	for _, t := range local {
		localByKey[t.Key()] = t
	}
	remoteByKey := make(map[task.Key]task.Task, len(remote))
	for _, t := range remote {
		remoteByKey[t.Key()] = t
	}

	resolved := make([]task.Task, 0, len(local)+len(remote))
	var conflicts []task.SyncConflict

	for _, rem := range remote {
		loc, ok := localByKey[rem.Key()]
		if !ok {
			// Local has not caught up yet: new record from remote.
			resolved = append(resolved, rem)
			continue
		}

		diffs := task.DiffFields(loc, rem)
		if len(diffs) == 0 {
			resolved = append(resolved, rem)
			continue
		}

		if survivor, ok := r.recallResolution(loc, rem, diffs); ok {
			// This divergence was already settled; replaying the same
			// snapshot pair must not re-open it.
			resolved = append(resolved, survivor)
			continue
		}

		c := r.registerConflict(loc, rem, diffs)
		conflicts = append(conflicts, c)
		resolved = append(resolved, pickNewer(loc, rem))
	}

	for _, loc := range local {
		if _, ok := remoteByKey[loc.Key()]; !ok {
			// Remote has not caught up yet: keep the local record.
			resolved = append(resolved, loc)
		}
	}

	return resolved, conflicts
}

// registerConflict adds a ContentModified conflict to the pending set, or
// returns the already-pending conflict covering the same divergence. The
// de-dup key is (owner, task, field set, both created_at values): a resolved
// conflict therefore cannot re-appear until a new divergence is observed.
func (r *Resolver) registerConflict(local, remote task.Task, diffs []string) task.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.pending {
		if sameDivergence(existing, local, remote, diffs) {
			return existing
		}
	}

	c := task.SyncConflict{
		ID:          uuid.NewString(),
		TaskID:      local.ID,
		OwnerID:     local.OwnerID,
		Local:       local,
		Remote:      remote,
		Kind:        task.ContentModified,
		Differences: diffs,
		DetectedAt:  r.now(),
	}

	next := make([]task.SyncConflict, len(r.pending), len(r.pending)+1)
	copy(next, r.pending)
	r.pending = append(next, c)

	return c
}

// recallResolution reports whether the observed divergence matches one that
// was already settled, and returns the survivor chosen at the time. A match
// needs the remote side unchanged since the resolution, and the local side to
// either match the original divergence or already carry the survivor (the
// latter happens after the decision has been mirrored into the local store but
// not yet pushed to the remote). Anything else is a new divergence and is
// registered normally.
func (r *Resolver) recallResolution(local, remote task.Task, diffs []string) (task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.resolved {
		if res.conflict.OwnerID != remote.OwnerID || res.conflict.TaskID != remote.ID {
			continue
		}
		if res.conflict.Remote.CreatedAt != remote.CreatedAt {
			continue
		}
		if sameDivergence(res.conflict, local, remote, diffs) || local == res.survivor {
			return res.survivor, true
		}
	}
	return task.Task{}, false
}

func sameDivergence(c task.SyncConflict, local, remote task.Task, diffs []string) bool {
	if c.OwnerID != local.OwnerID || c.TaskID != local.ID {
		return false
	}
	if c.Local.CreatedAt != local.CreatedAt || c.Remote.CreatedAt != remote.CreatedAt {
		return false
	}
	if len(c.Differences) != len(diffs) {
		return false
	}
	for i := range diffs {
		if c.Differences[i] != diffs[i] {
			return false
		}
	}
	return true
}

// pickNewer applies the recency heuristic: the side whose created_at sorts
// later wins. If only one side parses, that side wins. If neither parses,
// a side with a timestamp present beats an empty one, and the local copy is
// the final default. An exact tie also keeps the local copy.
func pickNewer(local, remote task.Task) task.Task {
	lt, lok := task.ParseCreatedAt(local.CreatedAt)
	rt, rok := task.ParseCreatedAt(remote.CreatedAt)
	switch {
	case lok && rok:
		if rt.After(lt) {
			return remote
		}
		return local
	case lok:
		return local
	case rok:
		return remote
	default:
		if local.CreatedAt == "" && remote.CreatedAt != "" {
			return remote
		}
		return local
	}
}

// ResolveManually resolves a pending conflict with the given strategy and
// returns the surviving task.
//
// For MergeContent, merged overrides the deterministic field-by-field merge
// when non-nil. AskUser without a caller-provided value falls back to
// PreferLocal, so a value always survives.
//
// On success the conflict is removed from the pending set and the divergence
// is remembered for the retention window, so replaying the same unchanged
// snapshot pair does not re-open it. Returns false if conflictID is not
// pending.
func (r *Resolver) ResolveManually(conflictID string, strategy task.ResolutionStrategy, merged *task.Task) (task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, c := range r.pending {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return task.Task{}, false
	}

	c := r.pending[idx]

	var survivor task.Task
	switch strategy {
	case task.PreferLocal:
		survivor = c.Local
	case task.PreferRemote:
		survivor = c.Remote
	case task.PreferNewest:
		survivor = pickNewer(c.Local, c.Remote)
	case task.MergeContent:
		if merged != nil {
			survivor = *merged
		} else {
			survivor = mergeContent(c.Local, c.Remote)
		}
	case task.AskUser:
		// Deferred to the caller; without a follow-up keep the local copy.
		survivor = c.Local
	default:
		return task.Task{}, false
	}

	next := make([]task.SyncConflict, 0, len(r.pending)-1)
	next = append(next, r.pending[:idx]...)
	next = append(next, r.pending[idx+1:]...)
	r.pending = next

	r.resolved = append(r.resolved, resolution{
		conflict:   c,
		survivor:   survivor,
		resolvedAt: r.now(),
	})

	return survivor, true
}

// mergeContent combines two versions field by field:
//
//   - text fields take the remote value unless it is empty, then local
//   - isCompleted is OR'd: completed on either side stays completed
//   - dueDate picks the earlier non-empty value
//   - reminderAt prefers local if present, else remote
//   - createdAt is the max of the two
//
// The merged record keeps the local addressing fields; both sides address
// the same (owner, id) by construction.
func mergeContent(local, remote task.Task) task.Task {
	out := local

	out.Title = preferNonEmptyRemote(local.Title, remote.Title)
	out.Subject = preferNonEmptyRemote(local.Subject, remote.Subject)
	out.IsCompleted = local.IsCompleted || remote.IsCompleted
	out.DueDate = earlierDueDate(local.DueDate, remote.DueDate)
	if local.ReminderAt != "" {
		out.ReminderAt = local.ReminderAt
	} else {
		out.ReminderAt = remote.ReminderAt
	}
	out.CreatedAt = task.MaxCreatedAt(local.CreatedAt, remote.CreatedAt)

	return out
}

func preferNonEmptyRemote(local, remote string) string {
	if remote == "" {
		return local
	}
	return remote
}

func earlierDueDate(local, remote string) string {
	switch {
	case local == "":
		return remote
	case remote == "":
		return local
	case task.CreatedAfter(local, remote):
		return remote
	default:
		return local
	}
}

// PendingConflicts returns a snapshot of the unresolved conflicts.
func (r *Resolver) PendingConflicts() []task.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]task.SyncConflict, len(r.pending))
	copy(out, r.pending)
	return out
}

// PendingCount returns the number of unresolved conflicts.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CleanOldConflicts prunes pending conflicts older than the retention
// window and returns how many were removed. Remembered resolutions past the
// window are pruned at the same time; after that a recurrence of the same
// divergence counts as new and is registered again.
func (r *Resolver) CleanOldConflicts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)
	kept := make([]task.SyncConflict, 0, len(r.pending))
	for _, c := range r.pending {
		if c.DetectedAt.After(cutoff) {
			kept = append(kept, c)
		}
	}

	removed := len(r.pending) - len(kept)
	r.pending = kept

	keptRes := make([]resolution, 0, len(r.resolved))
	for _, res := range r.resolved {
		if res.resolvedAt.After(cutoff) {
			keptRes = append(keptRes, res)
		}
	}
	r.resolved = keptRes

	return removed
}
