// Package approval gates side-effecting tasks behind an explicit human
// decision. A task that requires approval parks in awaiting_approval
// with exactly one open request; the decision (or its expiry) moves the
// task on. The store is authoritative; any external representation of
// requests is a projection.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/store"
)

// AlreadyDecidedError rejects a second decision on a resolved request.
// Nothing is mutated.
type AlreadyDecidedError struct {
	ApprovalID string
	Decision   domain.Decision
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval %s already decided: %s", e.ApprovalID, e.Decision)
}

// Gate is the approval state machine over the store.
type Gate struct {
	store store.Store
	ttl   time.Duration

	// now is the clock; tests override it.
	now func() time.Time
}

// NewGate creates a Gate whose requests expire after ttl.
func NewGate(st store.Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{store: st, ttl: ttl, now: time.Now}
}

// Request parks a ready task behind a new approval request. The task's
// move to awaiting_approval and the request creation are atomic: no
// task can run with an open, undecided request. A task whose approval
// was already granted (retry of the same instance) must not come back
// here; callers check ApprovalID first.
func (g *Gate) Request(ctx context.Context, task *domain.Task) (*domain.ApprovalRequest, error) {
	if !task.RequiresApproval {
		return nil, fmt.Errorf("task %s does not require approval", task.TaskID)
	}
	if task.ApprovalID != "" {
		return nil, fmt.Errorf("task %s already has approval request %s", task.TaskID, task.ApprovalID)
	}

	now := g.now().UTC()
	req := &domain.ApprovalRequest{
		ApprovalID: uuid.NewString(),
		TaskID:     task.TaskID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
		Decision:   domain.DecisionPending,
	}
	if err := g.store.CreateApproval(ctx, req, "gate"); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	return req, nil
}

// Decide resolves a pending request. Approval parks the task for
// dispatch; rejection fails it. Deciding an already-resolved request
// returns AlreadyDecidedError and mutates nothing, so every surface
// (CLI, folder move) can call this without coordination.
func (g *Gate) Decide(ctx context.Context, approvalID string, decision domain.Decision, actor string) error {
	err := g.store.DecideApproval(ctx, approvalID, decision, actor)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		req, getErr := g.store.GetApproval(ctx, approvalID)
		if getErr != nil {
			return fmt.Errorf("failed to load conflicting approval: %w", getErr)
		}
		return &AlreadyDecidedError{ApprovalID: approvalID, Decision: req.Decision}
	}
	return err
}

// Expiry reports one request the sweep expired.
type Expiry struct {
	ApprovalID string
	TaskID     string
}

// SweepExpired expires every open request whose deadline passed,
// moving its task to the terminal expired status. Requests decided
// concurrently are skipped.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) ([]Expiry, error) {
	open, err := g.store.ListOpenApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open approvals: %w", err)
	}

	var expired []Expiry
	for _, req := range open {
		if !now.After(req.ExpiresAt) {
			continue
		}
		if err := g.store.ExpireApproval(ctx, req.ApprovalID, "sweep"); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return expired, fmt.Errorf("failed to expire approval %s: %w", req.ApprovalID, err)
		}
		expired = append(expired, Expiry{ApprovalID: req.ApprovalID, TaskID: req.TaskID})
	}
	return expired, nil
}
