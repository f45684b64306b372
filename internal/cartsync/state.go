package cartsync

import "time"

type State int

const (
	StateIdle State = iota
	StateSyncing
	StateConflictPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSyncing:
		return "SYNCING"
	case StateConflictPending:
		return "CONFLICT_PENDING"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo reports whether the engine may move from s to next.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateIdle:
		return next == StateSyncing
	case StateSyncing:
		return next == StateIdle || next == StateConflictPending
	case StateConflictPending:
		return next == StateIdle
	default:
		return false
	}
}

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventSynced       EventKind = "synced"
	EventConflict     EventKind = "conflict"
	EventError        EventKind = "error"
)

type Event struct {
	Kind     EventKind
	State    State
	Revision int64
	Err      error
	At       time.Time
}

// Resolution picks the winner when a cart is stuck in conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	TakeRemote
)

func (r Resolution) String() string {
	if r == TakeRemote {
		return "take_remote"
	}
	return "keep_local"
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     State     `json:"state"`
	Online    bool      `json:"online"`
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitempty"`
}
