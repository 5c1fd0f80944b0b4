// Package executor runs task actions. The command executor shells out
// to the watcher's configured action; the pool claims tasks, bounds
// concurrency, and maps outcomes back onto the task state machine.
package executor

import (
	"context"
	"errors"

	"steward/internal/domain"
)

// Executor runs exactly one attempt of a task. A nil return is
// success; failures come back as TransientError or PermanentError.
// Any other error is treated as transient.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) error
}

// Outcome classifies one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

// TransientError re-queues the task while attempts remain.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError fails the task immediately, attempts notwithstanding.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Classify maps an Execute error onto an outcome and a human-readable
// reason. Unrecognized errors count as transient so flaky
// infrastructure gets retried rather than failing tasks outright.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return OutcomePermanent, perm.Reason
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return OutcomeTransient, trans.Error()
	}
	return OutcomeTransient, err.Error()
}
