package task

import "time"

// ConflictKind classifies a detected divergence between local and remote
// versions of the same logical record.
//
// Only ContentModified is produced by the current detector; the other kinds
// exist because the resolution API switches on all of them. Whether deleted
// records should be tracked with tombstones and surface the Deleted* kinds
// is deliberately left open.
type ConflictKind int

const (
	// ContentModified means both sides hold the record with differing fields.
	ContentModified ConflictKind = iota
	// DeletedLocally means the record was removed locally but still exists remotely.
	DeletedLocally
	// DeletedRemotely means the record was removed remotely but still exists locally.
	DeletedRemotely
	// CreationConflict means the same external source was imported independently on both sides.
	CreationConflict
)

// String returns a human-readable representation of the conflict kind.
func (k ConflictKind) String() string {
	switch k {
	case ContentModified:
		return "content_modified"
	case DeletedLocally:
		return "deleted_locally"
	case DeletedRemotely:
		return "deleted_remotely"
	case CreationConflict:
		return "creation_conflict"
	default:
		return "unknown"
	}
}

// ResolutionStrategy is a named policy for collapsing a conflict into one
// surviving record.
type ResolutionStrategy int

const (
	// PreferLocal keeps the local version.
	PreferLocal ResolutionStrategy = iota
	// PreferRemote keeps the remote version.
	PreferRemote
	// PreferNewest keeps the side whose created_at sorts later.
	PreferNewest
	// MergeContent combines the two versions field by field.
	MergeContent
	// AskUser defers the decision to the caller. Invoked without a caller
	// follow-up it falls back to PreferLocal so a value always survives.
	AskUser
)

// String returns a human-readable representation of the strategy.
func (s ResolutionStrategy) String() string {
	switch s {
	case PreferLocal:
		return "prefer_local"
	case PreferRemote:
		return "prefer_remote"
	case PreferNewest:
		return "prefer_newest"
	case MergeContent:
		return "merge_content"
	case AskUser:
		return "ask_user"
	default:
		return "unknown"
	}
}

// SyncConflict is a detected divergence between the local and remote version
// of one task. It is ephemeral: it exists from detection until resolution
// (automatic or manual) or until it ages out of the retention window.
type SyncConflict struct {
	// ID uniquely identifies this conflict instance.
	ID string `json:"id"`

	// TaskID is the logical record both versions refer to.
	TaskID int64 `json:"task_id"`

	// OwnerID scopes the conflict; cross-owner records are never compared.
	OwnerID string `json:"owner_id"`

	// Local and Remote are the two full versions of the record.
	Local  Task `json:"local"`
	Remote Task `json:"remote"`

	Kind ConflictKind `json:"kind"`

	// Differences lists the names of the fields that differ.
	Differences []string `json:"differences"`

	DetectedAt time.Time `json:"detected_at"`
}

// Field names reported in SyncConflict.Differences.
const (
	FieldTitle       = "title"
	FieldSubject     = "subject"
	FieldDueDate     = "dueDate"
	FieldIsCompleted = "isCompleted"
	FieldReminderAt  = "reminderAt"
)

// DiffFields returns the names of the content fields that differ between two
// versions of a record, in a fixed order. CreatedAt, ExternalSourceID and
// the addressing fields are not content and are never reported.
func DiffFields(local, remote Task) []string {
	var diffs []string
	if local.Title != remote.Title {
		diffs = append(diffs, FieldTitle)
	}
	if local.Subject != remote.Subject {
		diffs = append(diffs, FieldSubject)
	}
	if local.DueDate != remote.DueDate {
		diffs = append(diffs, FieldDueDate)
	}
	if local.IsCompleted != remote.IsCompleted {
		diffs = append(diffs, FieldIsCompleted)
	}
	if local.ReminderAt != remote.ReminderAt {
		diffs = append(diffs, FieldReminderAt)
	}
	return diffs
}
