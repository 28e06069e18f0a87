package task

// SyncState is the coordinator's current phase.
//
// Transitions: Idle → Connecting → Syncing → Synced, Syncing → Error, any
// state → Offline on connectivity loss, Offline → Idle on regain. Idle is
// both the initial state and the state after an explicit stop.
type SyncState int

const (
	// StateIdle means no subscription is active.
	StateIdle SyncState = iota
	// StateConnecting means a remote subscription is being opened.
	StateConnecting
	// StateSyncing means a remote update is being processed.
	StateSyncing
	// StateSynced means the last update was applied successfully.
	StateSynced
	// StateError means the last sync attempt failed or left unresolved conflicts.
	StateError
	// StateOffline means connectivity is down; overrides every other state.
	StateOffline
)

// String returns a human-readable representation of the state.
func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}
