package sync

import (
	"sort"

	"github.com/mkarlsson/studysync/internal/task"
)

// MergeLists combines a local and a remote snapshot into the single list the
// UI observes. This is a display merge, tolerant of transient disagreement;
// it never invokes conflict resolution.
//
// Remote entries are authoritative; any local-only id not yet visible
// remotely is appended. The final order is incomplete-before-complete, then
// created_at descending within each group.
func MergeLists(local, remote []task.Task) []task.Task {
	merged := make([]task.Task, 0, len(local)+len(remote))
	merged = append(merged, remote...)

	remoteKeys := make(map[task.Key]struct{}, len(remote))
	for _, t := range remote {
		remoteKeys[t.Key()] = struct{}{}
	}
	for _, t := range local {
		if _, ok := remoteKeys[t.Key()]; !ok {
			merged = append(merged, t)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.IsCompleted != b.IsCompleted {
			return !a.IsCompleted
		}
		return task.CreatedAfter(a.CreatedAt, b.CreatedAt)
	})

	return merged
}
