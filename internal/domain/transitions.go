package domain

import "fmt"

// allowedTransitions defines every legal status edge. Anything absent
// here is rejected before it reaches the store.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusReady:  {}, // dependencies done, dedup window closed
		StatusFailed: {}, // operator cancel
	},
	StatusReady: {
		StatusAwaitingApproval: {}, // requires approval, none granted yet
		StatusRunning:          {}, // worker claim
		StatusFailed:           {}, // operator cancel
	},
	StatusAwaitingApproval: {
		StatusApproved: {}, // decision = approved
		StatusFailed:   {}, // decision = rejected, or operator cancel
		StatusExpired:  {}, // TTL sweep
	},
	StatusApproved: {
		StatusRunning: {}, // worker claim
		StatusFailed:  {}, // operator cancel
	},
	StatusRunning: {
		StatusDone:    {},
		StatusPending: {}, // transient failure, attempts remain
		StatusFailed:  {}, // permanent failure, attempts exhausted, or cancel
	},
}

// TransitionError reports an attempt to move a task along an edge the
// state machine does not define.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns a TransitionError unless from -> to is a
// legal edge.
func ValidateTransition(from, to Status) error {
	if targets, ok := allowedTransitions[from]; ok {
		if _, ok := targets[to]; ok {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
