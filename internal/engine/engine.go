// Package engine assembles the daemon: watchers feed the deduplicator,
// the scheduler orders tasks, the gate parks side-effecting ones, and
// the pool runs their actions. Everything durable lives in the store;
// the engine owns only goroutines and wiring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"steward/internal/approval"
	"steward/internal/config"
	"steward/internal/dedup"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/executor"
	"steward/internal/scheduler"
	"steward/internal/source"
	"steward/internal/store"
	"steward/internal/supervisor"
)

// Engine is the running daemon.
type Engine struct {
	cfg    config.Config
	store  store.Store
	logger *slog.Logger

	bus       *events.Bus
	deduper   *dedup.Deduper
	sched     *scheduler.Scheduler
	gate      *approval.Gate
	projector *approval.FolderProjector
	sup       *supervisor.Supervisor
	pool      *executor.Pool
	procs     *executor.ProcessManager

	specs []source.Spec

	now func() time.Time
}

// New wires an engine from configuration. Watcher specs are loaded
// eagerly so a bad spec fails startup instead of a running daemon.
func New(cfg config.Config, st store.Store, logger *slog.Logger) (*Engine, error) {
	specs, err := source.LoadSpecs(cfg.Watchers.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load watcher specs: %w", err)
	}

	bus := events.NewBus()

	deduper := dedup.New(st, dedup.Policy{
		Window:      cfg.Dedup.Window,
		Priority:    domain.PriorityMedium,
		MaxAttempts: cfg.Tasks.MaxAttempts,
	})
	actions := make(map[string][]string, len(specs))
	for _, spec := range specs {
		deduper.SetPolicy(spec.ID, dedup.Policy{
			Window:           spec.Window,
			Priority:         domain.Priority(spec.Priority),
			RequiresApproval: spec.RequiresApproval,
			MaxAttempts:      spec.MaxAttempts,
		})
		actions[spec.ID] = spec.Action
	}

	sched := scheduler.New(st, scheduler.Config{
		Aging: cfg.Scheduler.Aging,
		SLA: map[domain.Priority]time.Duration{
			domain.PriorityHigh:   cfg.Scheduler.SLA.High,
			domain.PriorityMedium: cfg.Scheduler.SLA.Medium,
			domain.PriorityLow:    cfg.Scheduler.SLA.Low,
		},
	})

	gate := approval.NewGate(st, cfg.Approval.TTL)
	var projector *approval.FolderProjector
	if cfg.Approval.Dir != "" {
		projector, err = approval.NewFolderProjector(cfg.Approval.Dir, gate, st, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up approval folder: %w", err)
		}
	}

	procs := executor.NewProcessManager()
	exec := executor.NewBreakerExecutor(
		executor.NewCommandExecutor(actions, procs, logger),
		executor.NewBreakerRegistry(logger),
	)
	pool := executor.NewPool(st, exec, bus, cfg.Scheduler.Concurrency, logger)
	pool.OnTransition = sched.SetStatus

	e := &Engine{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		bus:       bus,
		deduper:   deduper,
		sched:     sched,
		gate:      gate,
		projector: projector,
		pool:      pool,
		procs:     procs,
		specs:     specs,
		now:       time.Now,
	}
	e.sup = supervisor.New(st, bus, cfg.Supervisor, e.ingest, logger)
	return e, nil
}

// Bus exposes the alert bus to observers (TUI-less today; tests and
// the daemon's own logging subscribe).
func (e *Engine) Bus() *events.Bus { return e.bus }

// Run starts everything and blocks until ctx is cancelled and the
// loops have drained. Crash leftovers are re-queued before any
// dispatch happens.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	if err := e.sched.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate scheduler: %w", err)
	}
	if err := e.syncFolder(ctx); err != nil {
		e.logger.Warn("failed to sync approval folder", "error", err)
	}

	adapters := make([]source.Adapter, 0, len(e.specs))
	for _, spec := range e.specs {
		adapter, err := source.New(spec)
		if err != nil {
			return fmt.Errorf("failed to build watcher %s: %w", spec.ID, err)
		}
		adapters = append(adapters, adapter)
	}
	if err := e.sup.Start(ctx, adapters); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	e.logger.Info("engine started",
		"watchers", len(adapters),
		"concurrency", e.cfg.Scheduler.Concurrency,
		"store", e.cfg.Store.Path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatchLoop(gctx) })
	g.Go(func() error { return e.sweepLoop(gctx) })
	g.Go(func() error { return e.slaLoop(gctx) })
	g.Go(func() error { return e.logAlerts(gctx) })
	if e.projector != nil {
		g.Go(func() error { return e.projector.Run(gctx) })
	}

	err := g.Wait()
	e.sup.Wait()
	e.pool.Wait()
	e.procs.KillAll()
	e.bus.Close()
	e.logger.Info("engine stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recover re-queues tasks left running by a previous process. Their
// attempt was already counted by the claim that started it.
func (e *Engine) recover(ctx context.Context) error {
	orphans, err := e.store.ListTasksByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to scan for orphaned tasks: %w", err)
	}
	for _, task := range orphans {
		if err := e.store.RequeueTask(ctx, task.TaskID, "interrupted by restart", "recovery"); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to re-queue orphaned task %s: %w", task.TaskID, err)
		}
		e.logger.Info("re-queued orphaned task", "task", task.TaskID, "attempts", task.Attempts)
	}
	return nil
}

// ingest is the supervisor's emit hook: one raw event in, one dedup
// decision out, and the scheduler mirror kept current.
func (e *Engine) ingest(ctx context.Context, event domain.Event) error {
	decision, err := e.deduper.Submit(ctx, event)
	if err != nil {
		return err
	}
	switch decision.Outcome {
	case dedup.OutcomeNewTask, dedup.OutcomeMerged:
		task, err := e.store.GetTask(ctx, decision.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		e.sched.Track(task)
	case dedup.OutcomeDropped:
		e.logger.Debug("event dropped",
			"source", event.SourceID, "key", event.LogicalKey, "reason", decision.Reason)
	}
	return nil
}

// dispatchLoop is the engine's pulse: rebuild the mirror (so store
// changes made by the CLI are seen), promote eligible tasks, park
// approval-gated ones, and hand the rest to the pool in order.
func (e *Engine) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Scheduler.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.dispatchOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("dispatch pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) dispatchOnce(ctx context.Context) error {
	now := e.now().UTC()

	if err := e.sched.Rehydrate(ctx); err != nil {
		return err
	}
	if _, err := e.sched.PromoteReady(ctx, now); err != nil {
		return err
	}

	for _, taskID := range e.sched.NextReady(now) {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}

		if task.Status == domain.StatusReady && task.RequiresApproval && task.ApprovalID == "" {
			if err := e.requestApproval(ctx, task); err != nil {
				e.logger.Error("failed to request approval", "task", taskID, "error", err)
			}
			continue
		}

		if err := e.pool.Submit(ctx, task); err != nil {
			if errors.Is(err, executor.ErrBusy) {
				// No free worker; the task stays ready until the
				// next tick.
				return nil
			}
			// Lost the claim race; the winner has it.
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		e.logger.Info("task dispatched", "task", taskID,
			"source", task.SourceID, "priority", task.Priority)
	}
	return nil
}

func (e *Engine) requestApproval(ctx context.Context, task *domain.Task) error {
	req, err := e.gate.Request(ctx, task)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	e.sched.SetStatus(task.TaskID, domain.StatusAwaitingApproval)
	e.logger.Info("approval requested", "task", task.TaskID,
		"approval", req.ApprovalID, "expires_at", req.ExpiresAt)
	return e.syncFolder(ctx)
}

// syncFolder refreshes the approval folder projection, if enabled.
func (e *Engine) syncFolder(ctx context.Context) error {
	if e.projector == nil {
		return nil
	}
	return e.projector.Sync(ctx)
}

// sweepLoop expires approval requests nobody decided in time.
func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Approval.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := e.gate.SweepExpired(ctx, e.now().UTC())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("approval sweep failed", "error", err)
				continue
			}
			for _, exp := range expired {
				e.sched.SetStatus(exp.TaskID, domain.StatusExpired)
				e.bus.Publish(events.TopicAlert, events.ApprovalExpiredEvent{
					ApprovalID: exp.ApprovalID,
					TaskID:     exp.TaskID,
					Timestamp:  e.now().UTC(),
				})
			}
			if len(expired) > 0 {
				if err := e.syncFolder(ctx); err != nil {
					e.logger.Warn("failed to sync approval folder", "error", err)
				}
			}
		}
	}
}

// slaLoop raises a one-shot alert for tasks past their deadline.
func (e *Engine) slaLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Scheduler.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			breaches, err := e.sched.ScanSLA(ctx, e.now().UTC())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("SLA scan failed", "error", err)
				continue
			}
			for _, b := range breaches {
				e.bus.Publish(events.TopicAlert, events.SLABreachEvent{
					ID:        b.TaskID,
					Priority:  b.Priority,
					Deadline:  b.Deadline,
					Timestamp: e.now().UTC(),
				})
			}
		}
	}
}

// logAlerts drains the alert topic into the structured log, so alerts
// are visible even with no other subscriber attached.
func (e *Engine) logAlerts(ctx context.Context) error {
	alerts := e.bus.Subscribe(events.TopicAlert, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-alerts:
			if !ok {
				return nil
			}
			switch a := event.(type) {
			case events.SLABreachEvent:
				e.logger.Warn("SLA breached", "task", a.ID,
					"priority", a.Priority, "deadline", a.Deadline)
			case events.ApprovalExpiredEvent:
				e.logger.Warn("approval expired", "approval", a.ApprovalID, "task", a.TaskID)
			case events.WatcherEscalationEvent:
				e.logger.Error("watcher needs attention", "watcher", a.WatcherID,
					"restarts", a.Restarts, "last_error", a.LastError)
			default:
				e.logger.Warn("alert", "type", event.EventType(), "entity", event.EntityID())
			}
		}
	}
}
