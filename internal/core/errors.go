package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyLocked is the expected contention outcome of a lock
	// attempt that lost the race. Callers retry the matching flow, not
	// the same lock call.
	ErrAlreadyLocked = errors.New("task already locked")

	// ErrNotLockHolder is returned when a caller tries to move a held
	// task it does not own.
	ErrNotLockHolder = errors.New("caller does not hold the task lock")

	// ErrJournalCorrupt marks a recovery journal entry that failed to
	// parse or reconcile. Treated as "no journal", never fatal.
	ErrJournalCorrupt = errors.New("recovery journal entry corrupt")
)

// InvalidTransitionError signals a caller logic bug: the requested status
// change is not an edge of the state machine for the acting role. It is
// never retried automatically.
type InvalidTransitionError struct {
	From      TaskStatus
	Requested TaskStatus
	Actor     Role
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for role %s", e.From, e.Requested, e.Actor)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
