package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		reason  string
	}{
		{"nil is success", nil, OutcomeSuccess, ""},
		{"permanent", &PermanentError{Reason: "bad input"}, OutcomePermanent, "bad input"},
		{"transient", &TransientError{Reason: "flaky"}, OutcomeTransient, "flaky"},
		{"wrapped permanent", fmt.Errorf("attempt: %w", &PermanentError{Reason: "bad"}), OutcomePermanent, "bad"},
		{"unknown is transient", errors.New("weird"), OutcomeTransient, "weird"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, reason := Classify(tt.err)
			if outcome != tt.outcome || reason != tt.reason {
				t.Errorf("Classify() = (%v, %q), want (%v, %q)", outcome, reason, tt.outcome, tt.reason)
			}
		})
	}
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		reported bool
		outcome  string
	}{
		{"no output", "", false, ""},
		{"plain output", "did the thing\n", false, ""},
		{"report", `{"outcome":"transient","reason":"rate limited"}` + "\n", true, "transient"},
		{"report after output", "working...\n" + `{"outcome":"permanent"}`, true, "permanent"},
		{"json without outcome", `{"ok":true}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, reported := parseReport([]byte(tt.stdout))
			if reported != tt.reported || report.Outcome != tt.outcome {
				t.Errorf("parseReport() = (%+v, %v), want outcome %q reported %v",
					report, reported, tt.outcome, tt.reported)
			}
		})
	}
}

func commandTask() *domain.Task {
	return &domain.Task{
		TaskID:      "t1",
		SourceID:    "src",
		LogicalKey:  "key-1",
		Payload:     "payload",
		Priority:    domain.PriorityMedium,
		Status:      domain.StatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
	}
}

func TestCommandExecutor(t *testing.T) {
	tests := []struct {
		name    string
		action  []string
		outcome Outcome
	}{
		{"exit zero", []string{"true"}, OutcomeSuccess},
		{"nonzero exit is transient", []string{"sh", "-c", "exit 7"}, OutcomeTransient},
		{"env carries task identity", []string{"sh", "-c", `test "$STEWARD_TASK_ID" = t1 -a "$STEWARD_LOGICAL_KEY" = key-1`}, OutcomeSuccess},
		{"reported permanent", []string{"sh", "-c", `echo '{"outcome":"permanent","reason":"no such repo"}'`}, OutcomePermanent},
		{"reported transient despite exit zero", []string{"sh", "-c", `echo '{"outcome":"transient","reason":"retry later"}'`}, OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewCommandExecutor(map[string][]string{"src": tt.action}, NewProcessManager(), testLogger())
			err := exec.Execute(context.Background(), commandTask())
			outcome, _ := Classify(err)
			if outcome != tt.outcome {
				t.Errorf("outcome = %v (err %v), want %v", outcome, err, tt.outcome)
			}
		})
	}
}

func TestCommandExecutorNoAction(t *testing.T) {
	exec := NewCommandExecutor(map[string][]string{}, NewProcessManager(), testLogger())
	err := exec.Execute(context.Background(), commandTask())
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("missing action gave %v, want PermanentError", err)
	}
}

// countingExecutor fails n times, then succeeds, counting calls.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
	fail  int
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, task *domain.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.fail {
		return e.err
	}
	return nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &countingExecutor{fail: 100, err: &TransientError{Reason: "down"}}
	exec := NewBreakerExecutor(inner, NewBreakerRegistry(testLogger()))
	task := commandTask()

	for i := 0; i < 5; i++ {
		if err := exec.Execute(context.Background(), task); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
	// Circuit is open: the inner executor must not be called again.
	before := inner.count()
	err := exec.Execute(context.Background(), task)
	var trans *TransientError
	if !errors.As(err, &trans) {
		t.Fatalf("open circuit gave %v, want TransientError", err)
	}
	if inner.count() != before {
		t.Error("inner executor called while circuit open")
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &countingExecutor{fail: 100, err: context.Canceled}
	exec := NewBreakerExecutor(inner, NewBreakerRegistry(testLogger()))
	task := commandTask()

	for i := 0; i < 10; i++ {
		exec.Execute(context.Background(), task)
	}
	// Cancellations never trip the breaker.
	if err := exec.Execute(context.Background(), task); errors.Is(err, context.Canceled) == false {
		t.Errorf("call after cancellations gave %v, want the inner error to pass through", err)
	}
	if inner.count() != 11 {
		t.Errorf("inner executor called %d times, want 11", inner.count())
	}
}

func readyTask(t *testing.T, st store.Store, id string, maxAttempts int) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{
		TaskID:      id,
		SourceID:    "src",
		LogicalKey:  "key-" + id,
		Priority:    domain.PriorityMedium,
		Status:      domain.StatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := st.CreateTask(ctx, task, "test"); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := st.TransitionTask(ctx, id, domain.StatusPending, domain.StatusReady, "test"); err != nil {
		t.Fatalf("TransitionTask() error = %v", err)
	}
	task.Status = domain.StatusReady
	return task
}

func TestPoolSuccessMarksDone(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	exec := &countingExecutor{}
	pool := NewPool(st, exec, bus, 2, testLogger())
	task := readyTask(t, st, "t-ok", 3)

	if err := pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pool.Wait()

	got, err := st.GetTask(context.Background(), "t-ok")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDone || got.Attempts != 1 {
		t.Errorf("task = %s/%d attempts, want done/1", got.Status, got.Attempts)
	}
}

func TestPoolTransientRequeuesThenFails(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	exec := &countingExecutor{fail: 100, err: &TransientError{Reason: "flaky"}}
	pool := NewPool(st, exec, bus, 2, testLogger())
	ctx := context.Background()

	task := readyTask(t, st, "t-flaky", 2)
	if err := pool.Submit(ctx, task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pool.Wait()

	got, err := st.GetTask(ctx, "t-flaky")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.Attempts != 1 {
		t.Fatalf("after first attempt: %s/%d, want pending/1", got.Status, got.Attempts)
	}

	// Second (final) attempt exhausts the budget.
	if err := st.TransitionTask(ctx, "t-flaky", domain.StatusPending, domain.StatusReady, "test"); err != nil {
		t.Fatal(err)
	}
	got.Status = domain.StatusReady
	if err := pool.Submit(ctx, got); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pool.Wait()

	got, err = st.GetTask(ctx, "t-flaky")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.Attempts != 2 {
		t.Errorf("after final attempt: %s/%d, want failed/2", got.Status, got.Attempts)
	}
	if got.LastError == "" {
		t.Error("failed task carries no reason")
	}
}

func TestPoolClaimIsExactlyOnce(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	exec := &countingExecutor{}
	pool := NewPool(st, exec, bus, 4, testLogger())
	task := readyTask(t, st, "t-race", 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Submit(context.Background(), task.Clone()); errors.Is(err, store.ErrConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	pool.Wait()

	if conflicts != 3 {
		t.Errorf("%d conflicts among 4 racing claims, want 3", conflicts)
	}
	if exec.count() != 1 {
		t.Errorf("executor ran %d times, want exactly once", exec.count())
	}
}

func TestPoolCancelBeatsOutcome(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	exec := &blockingExecutor{started: started, release: release}
	pool := NewPool(st, exec, bus, 1, testLogger())
	ctx := context.Background()

	task := readyTask(t, st, "t-cancel", 3)
	if err := pool.Submit(ctx, task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	// Operator cancel: store first, then interrupt the attempt.
	if _, err := st.CancelTask(ctx, "t-cancel", "cancelled", "operator"); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if !pool.Cancel("t-cancel") {
		t.Fatal("Cancel() found no running attempt")
	}
	close(release)
	pool.Wait()

	got, err := st.GetTask(ctx, "t-cancel")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.LastError != "cancelled" {
		t.Errorf("task = %s/%q, want failed/cancelled", got.Status, got.LastError)
	}
}

// blockingExecutor signals when it first starts and waits for release
// or cancellation.
type blockingExecutor struct {
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, task *domain.Task) error {
	e.startOnce.Do(func() { close(e.started) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.release:
		return nil
	}
}

// TestPoolBusyLeavesTaskReady: with every worker occupied, Submit must
// not claim — a claimed-but-unexecuted task would sit in running
// instead of staying queued.
func TestPoolBusyLeavesTaskReady(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	exec := &blockingExecutor{started: started, release: release}
	pool := NewPool(st, exec, bus, 1, testLogger())
	ctx := context.Background()

	first := readyTask(t, st, "t-busy-1", 3)
	if err := pool.Submit(ctx, first); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	second := readyTask(t, st, "t-busy-2", 3)
	if err := pool.Submit(ctx, second); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit() with a full pool = %v, want ErrBusy", err)
	}

	queued, err := st.GetTask(ctx, "t-busy-2")
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != domain.StatusReady || queued.Attempts != 0 {
		t.Errorf("task = %s/%d attempts, want ready/0", queued.Status, queued.Attempts)
	}

	// A freed worker picks it up on the next pass.
	close(release)
	pool.Wait()
	if err := pool.Submit(ctx, second); err != nil {
		t.Fatalf("Submit() after drain error = %v", err)
	}
	pool.Wait()

	got, err := st.GetTask(ctx, "t-busy-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDone {
		t.Errorf("task = %s, want done", got.Status)
	}
}
