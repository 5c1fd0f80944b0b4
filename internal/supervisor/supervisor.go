// Package supervisor keeps watcher adapters running: it launches them,
// tracks their heartbeats, restarts crashed ones with exponential
// backoff, and escalates when a watcher burns through its restart
// budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/source"
	"steward/internal/store"
)

// EmitFunc receives raw events from running adapters. The engine wires
// this to the deduplicator.
type EmitFunc func(ctx context.Context, event domain.Event) error

// WatcherCrash wraps whatever took a watcher down, adapter error or
// recovered panic, with the watcher id.
type WatcherCrash struct {
	WatcherID string
	Err       error
}

func (e *WatcherCrash) Error() string {
	return fmt.Sprintf("watcher %s crashed: %v", e.WatcherID, e.Err)
}

func (e *WatcherCrash) Unwrap() error { return e.Err }

// watcher is the in-memory side of a supervised adapter. The durable
// side (state, restart count, last heartbeat) lives in the store.
type watcher struct {
	adapter  source.Adapter
	state    domain.WatcherState
	restarts int
	lastBeat time.Time
	cancel   context.CancelFunc

	// reset marks the next Run exit as operator-requested: the restart
	// budget starts over instead of being consumed.
	reset bool
}

// Supervisor owns the watcher lifecycle. All adapters run as child
// goroutines of the context passed to Start; cancelling it stops
// everything.
type Supervisor struct {
	store  store.Store
	bus    *events.Bus
	cfg    config.SupervisorConfig
	emit   EmitFunc
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup

	// beats is the heartbeat funnel: adapters send their id, a single
	// handler goroutine applies the touch. Sends never block; a full
	// buffer drops the beat and the next one lands.
	beats chan string

	now func() time.Time
}

// New creates a supervisor. emit is where adapter events go.
func New(st store.Store, bus *events.Bus, cfg config.SupervisorConfig, emit EmitFunc, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:    st,
		bus:      bus,
		cfg:      cfg,
		emit:     emit,
		logger:   logger,
		watchers: make(map[string]*watcher),
		beats:    make(chan string, 256),
		now:      time.Now,
	}
}

// Start launches every adapter plus the heartbeat handler and the
// health loop. It returns once everything is running; the goroutines
// exit when ctx is cancelled. Wait blocks until they have.
func (s *Supervisor) Start(ctx context.Context, adapters []source.Adapter) error {
	for _, adapter := range adapters {
		if err := s.launch(ctx, adapter); err != nil {
			return err
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.handleBeats(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.healthLoop(ctx)
	}()
	return nil
}

// Wait blocks until every supervised goroutine has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) launch(ctx context.Context, adapter source.Adapter) error {
	id := adapter.ID()

	s.mu.Lock()
	if _, dup := s.watchers[id]; dup {
		s.mu.Unlock()
		return fmt.Errorf("watcher %s already launched", id)
	}
	w := &watcher{adapter: adapter, state: domain.WatcherStarting, lastBeat: s.now().UTC()}
	s.watchers[id] = w
	s.mu.Unlock()

	handle := &domain.WatcherHandle{
		WatcherID:     id,
		State:         domain.WatcherStarting,
		LastHeartbeat: w.lastBeat,
	}
	if err := s.store.SaveWatcher(ctx, handle); err != nil {
		return fmt.Errorf("failed to register watcher %s: %w", id, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, w)
	}()
	return nil
}

// supervise is the per-watcher restart loop. Crashes and stale-
// heartbeat kills both consume the restart budget; only an operator
// restart or a clean shutdown resets it.
func (s *Supervisor) supervise(ctx context.Context, w *watcher) {
	id := w.adapter.ID()
	hooks := source.Hooks{
		Emit: func(ctx context.Context, event domain.Event) error {
			// An emitting watcher is a live watcher.
			s.beat(id)
			return s.emit(ctx, event)
		},
		Heartbeat: func() { s.beat(id) },
	}

	for {
		runCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		w.cancel = cancel
		w.reset = false
		w.lastBeat = s.now().UTC()
		s.mu.Unlock()

		s.transition(ctx, w, domain.WatcherHealthy)
		err := runAdapter(runCtx, w.adapter, hooks)
		cancel()

		if ctx.Err() != nil {
			s.transition(context.WithoutCancel(ctx), w, domain.WatcherStopped)
			return
		}

		s.mu.Lock()
		reset := w.reset
		if reset {
			w.restarts = 0
		} else {
			w.restarts++
		}
		restarts := w.restarts
		s.mu.Unlock()

		if err == nil {
			err = errors.New("watcher exited without error")
		} else if errors.Is(err, context.Canceled) {
			err = errors.New("watcher run cancelled (stale heartbeat or restart request)")
		}
		err = &WatcherCrash{WatcherID: id, Err: err}

		if restarts > s.cfg.MaxRestarts {
			s.logger.Error("watcher exhausted restart budget",
				"watcher", id, "restarts", restarts-1, "error", err)
			s.transition(ctx, w, domain.WatcherStopped)
			s.bus.Publish(events.TopicAlert, events.WatcherEscalationEvent{
				WatcherID: id,
				Restarts:  restarts - 1,
				LastError: err.Error(),
				Timestamp: s.now().UTC(),
			})
			return
		}

		delay := s.backoffDelay(restarts)
		if reset {
			s.logger.Info("restarting watcher on request", "watcher", id)
			delay = 0
		} else {
			s.logger.Warn("watcher crashed, restarting",
				"watcher", id, "attempt", restarts, "backoff", delay, "error", err)
		}
		s.transition(ctx, w, domain.WatcherRestarting)

		select {
		case <-ctx.Done():
			s.transition(context.WithoutCancel(ctx), w, domain.WatcherStopped)
			return
		case <-time.After(delay):
		}
	}
}

// runAdapter runs one adapter attempt, converting a panic into a
// crash error so one bad watcher cannot take the engine down.
func runAdapter(ctx context.Context, adapter source.Adapter, hooks source.Hooks) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return adapter.Run(ctx, hooks)
}

// backoffDelay is base*2^(attempt-1), capped. No jitter: restart
// pacing should be predictable for operators reading the audit log.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// transition records a watcher state change in memory, in the store,
// and on the bus.
func (s *Supervisor) transition(ctx context.Context, w *watcher, to domain.WatcherState) {
	id := w.adapter.ID()

	s.mu.Lock()
	from := w.state
	w.state = to
	restarts := w.restarts
	s.mu.Unlock()

	if from == to {
		return
	}
	if err := s.store.TransitionWatcher(ctx, id, to, restarts, "supervisor"); err != nil {
		s.logger.Error("failed to persist watcher state",
			"watcher", id, "from", from, "to", to, "error", err)
	}
	s.bus.Publish(events.TopicWatcher, events.WatcherStateEvent{
		WatcherID: id,
		From:      from,
		To:        to,
		Timestamp: s.now().UTC(),
	})
}

func (s *Supervisor) beat(id string) {
	select {
	case s.beats <- id:
	default:
		// Funnel full; the watcher is clearly alive, drop the beat.
	}
}

// handleBeats applies heartbeats serially so store touches never race.
func (s *Supervisor) handleBeats(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.beats:
			at := s.now().UTC()
			s.mu.Lock()
			w, ok := s.watchers[id]
			if ok {
				w.lastBeat = at
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			if err := s.store.TouchWatcher(ctx, id, at); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to record heartbeat", "watcher", id, "error", err)
			}
		}
	}
}

// healthLoop kills watchers whose heartbeat has gone stale. The kill
// surfaces as a Run exit in supervise, which charges the restart
// budget like any other crash.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
			s.checkRestartRequests(ctx)
		}
	}
}

func (s *Supervisor) checkHealth(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.HeartbeatTimeout)

	s.mu.Lock()
	var stale []*watcher
	for _, w := range s.watchers {
		if w.state == domain.WatcherHealthy && w.lastBeat.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	s.mu.Unlock()

	for _, w := range stale {
		s.logger.Warn("watcher heartbeat stale, killing",
			"watcher", w.adapter.ID(), "last_heartbeat", w.lastBeat)
		s.transition(ctx, w, domain.WatcherUnhealthy)
		s.mu.Lock()
		cancel := w.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// checkRestartRequests relaunches stopped watchers whose persisted
// handle an operator moved to restarting (the CLI writes the store;
// the daemon picks it up here).
func (s *Supervisor) checkRestartRequests(ctx context.Context) {
	s.mu.Lock()
	var stopped []*watcher
	for _, w := range s.watchers {
		if w.state == domain.WatcherStopped {
			stopped = append(stopped, w)
		}
	}
	s.mu.Unlock()

	for _, w := range stopped {
		id := w.adapter.ID()
		handle, err := s.store.GetWatcher(ctx, id)
		if err != nil || handle.State != domain.WatcherRestarting {
			continue
		}

		s.mu.Lock()
		if w.state != domain.WatcherStopped {
			s.mu.Unlock()
			continue
		}
		w.restarts = 0
		w.state = domain.WatcherStarting
		w.lastBeat = s.now().UTC()
		s.mu.Unlock()

		s.logger.Info("relaunching watcher on operator request", "watcher", id)
		s.wg.Add(1)
		go func(w *watcher) {
			defer s.wg.Done()
			s.supervise(ctx, w)
		}(w)
	}
}

// Restart asks a running watcher to restart with a fresh budget. It
// only signals; the supervise loop does the relaunch.
func (s *Supervisor) Restart(watcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watchers[watcherID]
	if !ok {
		return fmt.Errorf("unknown watcher: %s", watcherID)
	}
	if w.state == domain.WatcherStopped {
		return fmt.Errorf("watcher %s is stopped; restart the engine to relaunch it", watcherID)
	}
	w.reset = true
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// States returns a snapshot of every supervised watcher.
func (s *Supervisor) States() []domain.WatcherHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]domain.WatcherHandle, 0, len(s.watchers))
	for id, w := range s.watchers {
		handles = append(handles, domain.WatcherHandle{
			WatcherID:     id,
			State:         w.state,
			RestartCount:  w.restarts,
			LastHeartbeat: w.lastBeat,
		})
	}
	return handles
}
