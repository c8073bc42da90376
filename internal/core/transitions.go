package core

// ReworkTarget selects where a task rejected in testing goes back to.
// The original workflow is ambiguous here, so it is policy rather than a
// hard-coded edge.
type ReworkTarget TaskStatus

const (
	ReworkToCreated ReworkTarget = ReworkTarget(TaskCreated)
	ReworkToPending ReworkTarget = ReworkTarget(TaskPending)
)

func (r ReworkTarget) Valid() bool {
	return r == ReworkToCreated || r == ReworkToPending
}

// TransitionPolicy holds the configurable pieces of the state machine.
type TransitionPolicy struct {
	Rework ReworkTarget
}

// DefaultPolicy sends testing rejections back to created, making the task
// immediately pick-able again.
func DefaultPolicy() TransitionPolicy {
	return TransitionPolicy{Rework: ReworkToCreated}
}

// ValidateTransition is the total transition function of the task state
// machine: it decides (current, actor role, requested) for every status
// pair and returns an InvalidTransitionError for non-edges.
//
// Lock-holder identity is deliberately not checked here; it belongs to the
// lock manager, which compares the caller against locked_by before any
// transition out of the held state.
func (p TransitionPolicy) ValidateTransition(current, requested TaskStatus, actor Role) error {
	bad := func() error {
		return &InvalidTransitionError{From: current, Requested: requested, Actor: actor}
	}
	if !current.Valid() || !requested.Valid() {
		return bad()
	}

	switch current {
	case TaskPending:
		// Staged tasks become pick-able only through promotion.
		if requested == TaskCreated && actor.Privileged() {
			return nil
		}
	case TaskCreated:
		// created -> locked happens only through the lock manager's
		// conditional update; a direct status request is a caller bug.
	case TaskLocked:
		// The holder finishes or abandons. Re-entering locked without an
		// explicit release is impossible by construction.
		if requested == TaskDevDone || requested == TaskCreated {
			return nil
		}
	case TaskDevDone:
		if requested == TaskTesting && actor == RoleQA {
			return nil
		}
	case TaskTesting:
		if actor != RoleQA {
			return bad()
		}
		if requested == TaskQADone {
			return nil
		}
		if requested == TaskStatus(p.Rework) {
			return nil
		}
	case TaskQADone:
		if requested == TaskCompleted && (actor == RoleQA || actor.Privileged()) {
			return nil
		}
	case TaskCompleted:
		// Terminal.
	}
	return bad()
}

// RequiresLockHolder reports whether a transition out of current must be
// made by the agent recorded in locked_by.
func RequiresLockHolder(current TaskStatus) bool {
	return current.Held()
}
