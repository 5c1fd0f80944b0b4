package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"steward/internal/domain"
)

// BreakerRegistry keeps one circuit breaker per source, so a source
// whose action keeps failing stops consuming worker slots without
// affecting other sources.
type BreakerRegistry struct {
	mu       sync.Mutex
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a source, creating it on first use.
func (r *BreakerRegistry) Get(sourceID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[sourceID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sourceID,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"source", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the operator's doing, not the action's.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[sourceID] = cb
	return cb
}

// BreakerExecutor wraps an Executor with per-source circuit breaking.
// An open circuit surfaces as a transient failure, so the task goes
// back to pending and retries once the source recovers.
type BreakerExecutor struct {
	inner    Executor
	registry *BreakerRegistry
}

// NewBreakerExecutor wraps inner with the registry's breakers.
func NewBreakerExecutor(inner Executor, registry *BreakerRegistry) *BreakerExecutor {
	return &BreakerExecutor{inner: inner, registry: registry}
}

// Execute implements Executor.
func (e *BreakerExecutor) Execute(ctx context.Context, task *domain.Task) error {
	cb := e.registry.Get(task.SourceID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, e.inner.Execute(ctx, task)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{
			Reason: fmt.Sprintf("circuit open for source %s", task.SourceID),
			Err:    err,
		}
	}
	return err
}
