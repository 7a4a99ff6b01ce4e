package campaign

import "fmt"

// Status is the campaign lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeleted
}

// TransitionError is returned for moves the state machine forbids.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal campaign transition %s -> %s", e.From, e.To)
}

// CanTransition is the single source of truth for the status state machine:
//
//	active -> completed (automatic, terminal)
//	active <-> paused   (explicit)
//	active|paused -> deleted (explicit, terminal, soft)
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCompleted || to == StatusDeleted
	case StatusPaused:
		return to == StatusActive || to == StatusDeleted
	default:
		return false
	}
}
