package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"steward/internal/approval"
	"steward/internal/config"
	"steward/internal/domain"
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

// testConfig returns a configuration fast enough for tests: tight poll
// and sweep intervals, tiny dedup window.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.Default()
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.Poll = 20 * time.Millisecond
	cfg.Approval.Sweep = 30 * time.Millisecond
	cfg.Approval.Dir = filepath.Join(t.TempDir(), "approvals")
	cfg.Dedup.Window = 10 * time.Millisecond
	cfg.Watchers.Dir = t.TempDir()
	return cfg
}

func writeSpec(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// waitForTask polls the store until pred holds for some task or the
// deadline passes.
func waitForTask(t *testing.T, st store.Store, pred func(*domain.Task) bool) *domain.Task {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		tasks, err := st.ListTasks(context.Background())
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		for _, task := range tasks {
			if pred(task) {
				return task
			}
		}
		select {
		case <-deadline:
			t.Fatalf("condition never held; tasks = %+v", tasks)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEngineRunsTaskEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg.Watchers.Dir, "poller.yaml", `
id: poller
type: poll
interval: 40ms
command: ["sh", "-c", "printf 'alpha\tpayload-1\n'"]
window: 10ms
priority: high
action: ["true"]
`)
	st := testStore(t)
	eng, err := New(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	task := waitForTask(t, st, func(task *domain.Task) bool {
		return task.SourceID == "poller" && task.Status == domain.StatusDone
	})
	if task.LogicalKey != "alpha" || task.Priority != domain.PriorityHigh {
		t.Errorf("task = %+v, want key alpha at high priority", task)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestEngineApprovalFlow(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg.Watchers.Dir, "gated.yaml", `
id: gated
type: poll
interval: 40ms
command: ["sh", "-c", "printf 'deploy-1\n'"]
window: 10ms
requires_approval: true
action: ["true"]
`)
	st := testStore(t)
	eng, err := New(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	parked := waitForTask(t, st, func(task *domain.Task) bool {
		return task.SourceID == "gated" && task.Status == domain.StatusAwaitingApproval
	})
	if parked.ApprovalID == "" {
		t.Fatal("parked task has no approval request")
	}

	// Decide the way the CLI does: a separate gate over the same store.
	gate := approval.NewGate(st, cfg.Approval.TTL)
	if err := gate.Decide(ctx, parked.ApprovalID, domain.DecisionApproved, "operator"); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	waitForTask(t, st, func(task *domain.Task) bool {
		return task.TaskID == parked.TaskID && task.Status == domain.StatusDone
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestEngineFailsExhaustedTask(t *testing.T) {
	cfg := testConfig(t)
	writeSpec(t, cfg.Watchers.Dir, "broken.yaml", `
id: broken
type: poll
interval: 40ms
command: ["sh", "-c", "printf 'bad-1\n'"]
window: 10ms
max_attempts: 2
action: ["false"]
`)
	st := testStore(t)
	eng, err := New(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	task := waitForTask(t, st, func(task *domain.Task) bool {
		return task.SourceID == "broken" && task.Status == domain.StatusFailed
	})
	if task.Attempts != 2 {
		t.Errorf("attempts = %d, want max_attempts 2", task.Attempts)
	}
	if task.LastError == "" {
		t.Error("failed task carries no reason")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRecoverRequeuesOrphanedTasks(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t)
	ctx := context.Background()

	task := &domain.Task{
		TaskID:      "orphan",
		SourceID:    "src",
		LogicalKey:  "key",
		Priority:    domain.PriorityMedium,
		Status:      domain.StatusPending,
		MaxAttempts: 3,
	}
	if err := st.CreateTask(ctx, task, "test"); err != nil {
		t.Fatal(err)
	}
	if err := st.TransitionTask(ctx, "orphan", domain.StatusPending, domain.StatusReady, "test"); err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimTask(ctx, "orphan", domain.StatusReady, "test"); err != nil {
		t.Fatal(err)
	}

	eng, err := New(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := eng.recover(ctx); err != nil {
		t.Fatalf("recover() error = %v", err)
	}

	got, err := st.GetTask(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want the interrupted attempt still counted", got.Attempts)
	}
}
