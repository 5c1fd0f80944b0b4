// Package dedup collapses repeated raw events into single logical
// tasks. Within a sliding window, events sharing a (source, logical
// key) merge into the task the first event created; the window extends
// at most once. Terminal tasks are never reopened.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/store"
)

// Outcome classifies what Submit did with an event.
type Outcome string

const (
	OutcomeNewTask Outcome = "new_task"
	OutcomeMerged  Outcome = "merged"
	OutcomeDropped Outcome = "dropped"
)

// Decision is the result of submitting one event.
type Decision struct {
	Outcome Outcome
	TaskID  string
	Reason  string // set when Outcome is OutcomeDropped
}

// Policy sets per-source task parameters applied at creation time.
type Policy struct {
	Window           time.Duration
	Priority         domain.Priority
	RequiresApproval bool
	MaxAttempts      int
}

// Deduper turns raw events into tasks, merging duplicates within each
// source's window. Safe for concurrent use; events for the same key
// serialize on a key-scoped lock.
type Deduper struct {
	store    store.Store
	locks    *keyLockManager
	policies map[string]Policy
	fallback Policy

	// now is the clock; tests override it.
	now func() time.Time
}

// New creates a Deduper. fallback applies to sources without a
// registered policy.
func New(st store.Store, fallback Policy) *Deduper {
	if fallback.Window <= 0 {
		fallback.Window = 30 * time.Second
	}
	if fallback.Priority == "" {
		fallback.Priority = domain.PriorityMedium
	}
	if fallback.MaxAttempts < 1 {
		fallback.MaxAttempts = 3
	}
	return &Deduper{
		store:    st,
		locks:    newKeyLockManager(),
		policies: make(map[string]Policy),
		fallback: fallback,
		now:      time.Now,
	}
}

// SetPolicy registers the task parameters for a source. Zero fields
// fall back to the defaults.
func (d *Deduper) SetPolicy(sourceID string, p Policy) {
	if p.Window <= 0 {
		p.Window = d.fallback.Window
	}
	if p.Priority == "" {
		p.Priority = d.fallback.Priority
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.fallback.MaxAttempts
	}
	d.policies[sourceID] = p
}

func (d *Deduper) policyFor(sourceID string) Policy {
	if p, ok := d.policies[sourceID]; ok {
		return p
	}
	return d.fallback
}

// Submit routes one event: create a task, merge into the pending task
// for the key, or drop it. Every decision is recorded in the audit log.
func (d *Deduper) Submit(ctx context.Context, event domain.Event) (Decision, error) {
	if event.SourceID == "" || event.LogicalKey == "" {
		return Decision{}, fmt.Errorf("event must carry source_id and logical_key")
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = d.now().UTC()
	}

	key := event.SourceID + "/" + event.LogicalKey
	d.locks.Lock(key)
	defer d.locks.Unlock(key)

	active, err := d.store.FindActiveTask(ctx, event.SourceID, event.LogicalKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("failed to look up active task: %w", err)
	}

	policy := d.policyFor(event.SourceID)

	// No live task for the key: open a fresh one. Terminal tasks for
	// the key stay closed; a new event means new work.
	if active == nil {
		task := &domain.Task{
			TaskID:           uuid.NewString(),
			SourceID:         event.SourceID,
			LogicalKey:       event.LogicalKey,
			Priority:         policy.Priority,
			Payload:          event.Payload,
			Status:           domain.StatusPending,
			RequiresApproval: policy.RequiresApproval,
			MaxAttempts:      policy.MaxAttempts,
			CreatedAt:        event.DetectedAt,
			NotBefore:        event.DetectedAt.Add(policy.Window),
		}
		if err := d.store.CreateTask(ctx, task, "dedup"); err != nil {
			return Decision{}, fmt.Errorf("failed to create task: %w", err)
		}
		decision := Decision{Outcome: OutcomeNewTask, TaskID: task.TaskID}
		return decision, d.record(ctx, event, decision)
	}

	// Only a still-pending task inside its window accepts merges; a
	// task the scheduler already picked up must not change under it.
	if active.Status != domain.StatusPending || !d.now().UTC().Before(active.NotBefore) {
		decision := Decision{Outcome: OutcomeDropped, TaskID: active.TaskID, Reason: "active task exists"}
		return decision, d.record(ctx, event, decision)
	}

	// Latest payload wins. The window moves once per task: the first
	// merge pushes NotBefore out, later merges only update the payload.
	extend := !active.WindowExtended
	notBefore := active.NotBefore
	if extend {
		notBefore = event.DetectedAt.Add(policy.Window)
	}
	if err := d.store.MergeTaskPayload(ctx, active.TaskID, event.Payload, notBefore, extend); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The task left pending between our read and the update.
			decision := Decision{Outcome: OutcomeDropped, TaskID: active.TaskID, Reason: "active task exists"}
			return decision, d.record(ctx, event, decision)
		}
		return Decision{}, fmt.Errorf("failed to merge event: %w", err)
	}

	decision := Decision{Outcome: OutcomeMerged, TaskID: active.TaskID}
	return decision, d.record(ctx, event, decision)
}

// record writes the dedup decision for an event to the audit log.
func (d *Deduper) record(ctx context.Context, event domain.Event, decision Decision) error {
	toState := string(decision.Outcome)
	if decision.Reason != "" {
		toState = fmt.Sprintf("%s (%s)", decision.Outcome, decision.Reason)
	}
	err := d.store.AppendAudit(ctx, &domain.AuditEntry{
		Timestamp:  d.now().UTC(),
		EntityType: domain.EntityEvent,
		EntityID:   event.SourceID + "/" + event.LogicalKey,
		ToState:    toState,
		Actor:      "dedup",
	})
	if err != nil {
		return fmt.Errorf("failed to record dedup decision: %w", err)
	}
	return nil
}
