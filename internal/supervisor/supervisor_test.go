package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/source"
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

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MaxRestarts:      3,
		HeartbeatTimeout: time.Minute,
		HealthInterval:   time.Hour,
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func discardEmit(context.Context, domain.Event) error { return nil }

// crashAdapter fails every run and signals each attempt.
type crashAdapter struct {
	id   string
	runs chan struct{}
}

func (a *crashAdapter) ID() string { return a.id }

func (a *crashAdapter) Run(ctx context.Context, hooks source.Hooks) error {
	a.runs <- struct{}{}
	return errors.New("boom")
}

// blockAdapter emits one event then blocks until cancelled.
type blockAdapter struct {
	id   string
	runs chan struct{}
}

func (a *blockAdapter) ID() string { return a.id }

func (a *blockAdapter) Run(ctx context.Context, hooks source.Hooks) error {
	a.runs <- struct{}{}
	event := source.NewEvent(a.id, "key", "payload", time.Now().UTC())
	if err := hooks.Emit(ctx, event); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRestartBudgetExhaustion(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()
	alerts := bus.Subscribe(events.TopicAlert, 8)

	sup := New(st, bus, testConfig(), discardEmit, testLogger())
	adapter := &crashAdapter{id: "flaky", runs: make(chan struct{}, 16)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx, []source.Adapter{adapter}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Initial run plus exactly max_restarts relaunches.
	for i := 0; i < 4; i++ {
		select {
		case <-adapter.runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d never happened", i+1)
		}
	}

	var escalation events.WatcherEscalationEvent
	select {
	case ev := <-alerts:
		var ok bool
		escalation, ok = ev.(events.WatcherEscalationEvent)
		if !ok {
			t.Fatalf("alert topic carried %T, want WatcherEscalationEvent", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation after budget exhaustion")
	}
	if escalation.WatcherID != "flaky" || escalation.Restarts != 3 {
		t.Errorf("escalation = %+v, want flaky with 3 restarts", escalation)
	}

	select {
	case <-adapter.runs:
		t.Fatal("watcher ran again after exhausting its budget")
	case <-time.After(50 * time.Millisecond):
	}

	handle, err := st.GetWatcher(ctx, "flaky")
	if err != nil {
		t.Fatalf("GetWatcher() error = %v", err)
	}
	if handle.State != domain.WatcherStopped {
		t.Errorf("state = %s, want stopped", handle.State)
	}

	cancel()
	sup.Wait()
}

func TestEmitFlowsThroughAndBeats(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	got := make(chan domain.Event, 1)
	emit := func(ctx context.Context, event domain.Event) error {
		got <- event
		return nil
	}
	sup := New(st, bus, testConfig(), emit, testLogger())
	adapter := &blockAdapter{id: "steady", runs: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx, []source.Adapter{adapter}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-adapter.runs

	select {
	case event := <-got:
		if event.SourceID != "steady" || event.LogicalKey != "key" {
			t.Errorf("event = %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("emitted event never reached the sink")
	}

	// The emit doubles as a heartbeat; wait for the handler to record it.
	deadline := time.After(5 * time.Second)
	for {
		handle, err := st.GetWatcher(ctx, "steady")
		if err != nil {
			t.Fatalf("GetWatcher() error = %v", err)
		}
		if !handle.LastHeartbeat.IsZero() && handle.State == domain.WatcherHealthy {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("heartbeat never recorded, handle = %+v", handle)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	sup.Wait()
}

func TestOperatorRestartResetsBudget(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	sup := New(st, bus, testConfig(), discardEmit, testLogger())
	adapter := &blockAdapter{id: "steady", runs: make(chan struct{}, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx, []source.Adapter{adapter}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-adapter.runs

	if err := sup.Restart("steady"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	select {
	case <-adapter.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never relaunched after restart request")
	}

	for _, handle := range sup.States() {
		if handle.WatcherID == "steady" && handle.RestartCount != 0 {
			t.Errorf("restart count = %d after operator restart, want 0", handle.RestartCount)
		}
	}

	if err := sup.Restart("nope"); err == nil {
		t.Error("Restart() accepted an unknown watcher")
	}

	cancel()
	sup.Wait()
}

func TestStaleHeartbeatKill(t *testing.T) {
	st := testStore(t)
	bus := events.NewBus()
	defer bus.Close()

	cfg := testConfig()
	cfg.HeartbeatTimeout = time.Millisecond
	sup := New(st, bus, cfg, discardEmit, testLogger())
	adapter := &blockAdapter{id: "silent", runs: make(chan struct{}, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx, []source.Adapter{adapter}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-adapter.runs

	time.Sleep(20 * time.Millisecond)
	sup.checkHealth(ctx)

	// The kill surfaces as a crash and the watcher relaunches.
	select {
	case <-adapter.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never relaunched after stale-heartbeat kill")
	}

	cancel()
	sup.Wait()
}
