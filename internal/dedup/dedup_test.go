package dedup

import (
	"context"
	"testing"
	"time"

	"steward/internal/domain"
	"steward/internal/store"
)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testDeduper(t *testing.T, st store.Store, window time.Duration) (*Deduper, *time.Time) {
	t.Helper()
	d := New(st, Policy{Window: window, Priority: domain.PriorityMedium, MaxAttempts: 3})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func event(key, payload string, at time.Time) domain.Event {
	return domain.Event{SourceID: "mail", LogicalKey: key, Payload: payload, DetectedAt: at}
}

// TestWindowMerge covers two events for the same key arriving 2s apart
// inside a 5s window: exactly one task, payload from the second event.
func TestWindowMerge(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 5*time.Second)
	ctx := context.Background()

	first, err := d.Submit(ctx, event("INV-1", "first", *now))
	if err != nil {
		t.Fatalf("failed to submit first event: %v", err)
	}
	if first.Outcome != OutcomeNewTask {
		t.Fatalf("expected new_task, got %s", first.Outcome)
	}

	*now = now.Add(2 * time.Second)
	second, err := d.Submit(ctx, event("INV-1", "second", *now))
	if err != nil {
		t.Fatalf("failed to submit second event: %v", err)
	}
	if second.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", second.Outcome)
	}
	if second.TaskID != first.TaskID {
		t.Errorf("merged into wrong task: %s vs %s", second.TaskID, first.TaskID)
	}

	tasks, err := st.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly 1 task, got %d", len(tasks))
	}
	if tasks[0].Payload != "second" {
		t.Errorf("expected latest payload, got %q", tasks[0].Payload)
	}
	if !tasks[0].WindowExtended {
		t.Error("first merge must consume the window extension")
	}
	wantClose := now.Add(5 * time.Second)
	if !tasks[0].NotBefore.Equal(wantClose) {
		t.Errorf("expected window close %v, got %v", wantClose, tasks[0].NotBefore)
	}
}

// TestWindowExtendsOnce verifies the third event merges payload without
// moving the window again.
func TestWindowExtendsOnce(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 5*time.Second)
	ctx := context.Background()

	first, err := d.Submit(ctx, event("INV-2", "a", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	*now = now.Add(time.Second)
	if _, err := d.Submit(ctx, event("INV-2", "b", *now)); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	task, err := st.GetTask(ctx, first.TaskID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	extendedClose := task.NotBefore

	*now = now.Add(time.Second)
	third, err := d.Submit(ctx, event("INV-2", "c", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if third.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", third.Outcome)
	}

	task, err = st.GetTask(ctx, first.TaskID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Payload != "c" {
		t.Errorf("expected payload c, got %q", task.Payload)
	}
	if !task.NotBefore.Equal(extendedClose) {
		t.Errorf("window moved twice: %v vs %v", task.NotBefore, extendedClose)
	}
}

// TestDropAfterWindowClosed verifies events landing after the window
// closed, while the task is still non-terminal, are dropped so at most
// one non-terminal task per key ever exists.
func TestDropAfterWindowClosed(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 5*time.Second)
	ctx := context.Background()

	first, err := d.Submit(ctx, event("INV-3", "a", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	*now = now.Add(10 * time.Second)
	late, err := d.Submit(ctx, event("INV-3", "late", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if late.Outcome != OutcomeDropped {
		t.Fatalf("expected dropped, got %s", late.Outcome)
	}
	if late.Reason != "active task exists" {
		t.Errorf("unexpected reason %q", late.Reason)
	}

	task, err := st.GetTask(ctx, first.TaskID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Payload != "a" {
		t.Errorf("dropped event must not mutate the task, payload %q", task.Payload)
	}
}

// TestDropWhilePastPending verifies no merging into a task the
// scheduler already owns.
func TestDropWhilePastPending(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, time.Hour)
	ctx := context.Background()

	first, err := d.Submit(ctx, event("INV-4", "a", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if err := st.TransitionTask(ctx, first.TaskID, domain.StatusPending, domain.StatusReady, "test"); err != nil {
		t.Fatalf("failed to promote: %v", err)
	}

	dropped, err := d.Submit(ctx, event("INV-4", "b", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if dropped.Outcome != OutcomeDropped {
		t.Errorf("expected dropped, got %s", dropped.Outcome)
	}
}

// TestTerminalTaskOpensNewTask verifies terminal tasks are never
// reopened; a later event creates a fresh task.
func TestTerminalTaskOpensNewTask(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 5*time.Second)
	ctx := context.Background()

	first, err := d.Submit(ctx, event("INV-5", "a", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if err := st.TransitionTask(ctx, first.TaskID, domain.StatusPending, domain.StatusReady, "test"); err != nil {
		t.Fatalf("failed to promote: %v", err)
	}
	if err := st.ClaimTask(ctx, first.TaskID, domain.StatusReady, "test"); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := st.TransitionTask(ctx, first.TaskID, domain.StatusRunning, domain.StatusDone, "test"); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	*now = now.Add(time.Minute)
	fresh, err := d.Submit(ctx, event("INV-5", "again", *now))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if fresh.Outcome != OutcomeNewTask {
		t.Fatalf("expected new_task after terminal, got %s", fresh.Outcome)
	}
	if fresh.TaskID == first.TaskID {
		t.Error("terminal task was reopened")
	}
}

// TestPolicyApplied verifies per-source policies shape created tasks.
func TestPolicyApplied(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 30*time.Second)
	d.SetPolicy("billing", Policy{
		Window:           10 * time.Second,
		Priority:         domain.PriorityHigh,
		RequiresApproval: true,
		MaxAttempts:      5,
	})
	ctx := context.Background()

	decision, err := d.Submit(ctx, domain.Event{
		SourceID: "billing", LogicalKey: "INV-6", Payload: "p", DetectedAt: *now,
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	task, err := st.GetTask(ctx, decision.TaskID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Priority != domain.PriorityHigh {
		t.Errorf("expected high priority, got %s", task.Priority)
	}
	if !task.RequiresApproval {
		t.Error("expected requires_approval")
	}
	if task.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", task.MaxAttempts)
	}
	if want := now.Add(10 * time.Second); !task.NotBefore.Equal(want) {
		t.Errorf("expected policy window close %v, got %v", want, task.NotBefore)
	}
}

// TestDecisionsAudited verifies each submit writes one event entry.
func TestDecisionsAudited(t *testing.T) {
	st := testStore(t)
	d, now := testDeduper(t, st, 5*time.Second)
	ctx := context.Background()

	if _, err := d.Submit(ctx, event("INV-7", "a", *now)); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := d.Submit(ctx, event("INV-7", "b", *now)); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	entries, err := st.ListAudit(ctx, domain.EntityEvent, "mail/INV-7")
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 dedup decisions, got %d", len(entries))
	}
	if entries[0].ToState != string(OutcomeNewTask) || entries[1].ToState != string(OutcomeMerged) {
		t.Errorf("unexpected decisions: %s, %s", entries[0].ToState, entries[1].ToState)
	}
}
