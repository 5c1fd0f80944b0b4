package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/store"
)

// Pool claims ready tasks and runs their actions on a bounded set of
// workers. Claims are compare-and-set in the store, so racing pools
// (or a dispatch loop retry) never double-run an attempt.
type Pool struct {
	store  store.Store
	exec   Executor
	bus    *events.Bus
	logger *slog.Logger

	// OnTransition mirrors task status changes into the scheduler's
	// in-memory view. Set before Start; called serially per task.
	OnTransition func(taskID string, to domain.Status)

	group *errgroup.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time
}

// NewPool creates a pool running at most concurrency attempts at once.
func NewPool(st store.Store, exec Executor, bus *events.Bus, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	group := new(errgroup.Group)
	group.SetLimit(concurrency)
	return &Pool{
		store:   st,
		exec:    exec,
		bus:     bus,
		logger:  logger,
		group:   group,
		cancels: make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// ErrBusy means every worker is occupied. The task was not claimed and
// stays queued; the caller retries on its next pass.
var ErrBusy = errors.New("all workers busy")

// Submit claims the task and schedules one attempt. The claim is the
// exactly-once gate: store.ErrConflict means another worker (or an
// operator) got there first and the caller should just move on. The
// claim happens only after a worker slot is held, so a full pool never
// parks tasks in running.
func (p *Pool) Submit(ctx context.Context, task *domain.Task) error {
	claimed := make(chan error, 1)
	started := p.group.TryGo(func() error {
		from := task.Status
		err := p.store.ClaimTask(ctx, task.TaskID, from, "pool")
		claimed <- err
		if err != nil {
			return nil
		}
		p.transitioned(task.TaskID, from, domain.StatusRunning, "pool")

		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancels[task.TaskID] = cancel
		p.mu.Unlock()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.cancels, task.TaskID)
			p.mu.Unlock()
		}()
		p.run(ctx, runCtx, task.TaskID)
		return nil
	})
	if !started {
		return ErrBusy
	}
	return <-claimed
}

// run executes one claimed attempt and maps the outcome back onto the
// task state machine.
func (p *Pool) run(parent, runCtx context.Context, taskID string) {
	// Re-read: the claim bumped Attempts.
	task, err := p.store.GetTask(parent, taskID)
	if err != nil {
		p.logger.Error("failed to load claimed task", "task", taskID, "error", err)
		return
	}

	execErr := p.exec.Execute(runCtx, task)
	outcome, reason := Classify(execErr)

	if runCtx.Err() != nil {
		if parent.Err() != nil {
			// Shutdown, not cancellation: leave the task running so
			// startup recovery re-queues it.
			return
		}
		outcome, reason = OutcomePermanent, "cancelled"
	}

	switch outcome {
	case OutcomeSuccess:
		p.finish(parent, task, domain.StatusDone, "")
	case OutcomeTransient:
		if task.Attempts >= task.MaxAttempts {
			p.finish(parent, task, domain.StatusFailed,
				fmt.Sprintf("attempts exhausted: %s", reason))
			return
		}
		p.requeue(parent, task, reason)
	case OutcomePermanent:
		p.finish(parent, task, domain.StatusFailed, reason)
	}
}

func (p *Pool) finish(ctx context.Context, task *domain.Task, to domain.Status, reason string) {
	var err error
	if to == domain.StatusFailed {
		err = p.store.FailTask(ctx, task.TaskID, domain.StatusRunning, reason, "pool")
	} else {
		err = p.store.TransitionTask(ctx, task.TaskID, domain.StatusRunning, to, "pool")
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Operator cancel won the race; their state stands.
			return
		}
		p.logger.Error("failed to record attempt outcome",
			"task", task.TaskID, "to", to, "error", err)
		return
	}
	if to == domain.StatusFailed {
		p.logger.Warn("task failed", "task", task.TaskID, "source", task.SourceID,
			"attempts", task.Attempts, "reason", reason)
	} else {
		p.logger.Info("task done", "task", task.TaskID, "source", task.SourceID,
			"attempts", task.Attempts)
	}
	p.transitioned(task.TaskID, domain.StatusRunning, to, "pool")
}

func (p *Pool) requeue(ctx context.Context, task *domain.Task, reason string) {
	if err := p.store.RequeueTask(ctx, task.TaskID, reason, "pool"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return
		}
		p.logger.Error("failed to re-queue task", "task", task.TaskID, "error", err)
		return
	}
	p.logger.Info("task re-queued", "task", task.TaskID,
		"attempt", task.Attempts, "max_attempts", task.MaxAttempts, "reason", reason)
	p.transitioned(task.TaskID, domain.StatusRunning, domain.StatusPending, "pool")
}

func (p *Pool) transitioned(taskID string, from, to domain.Status, actor string) {
	if p.OnTransition != nil {
		p.OnTransition(taskID, to)
	}
	p.bus.Publish(events.TopicTask, events.TaskTransitionedEvent{
		ID:        taskID,
		From:      from,
		To:        to,
		Actor:     actor,
		Timestamp: p.now().UTC(),
	})
}

// Cancel aborts the running attempt for a task, if any. The store-side
// status change is the caller's job; this only stops the process.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every in-flight attempt has finished.
func (p *Pool) Wait() {
	p.group.Wait()
}
