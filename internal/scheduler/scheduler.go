// Package scheduler decides execution order. It keeps an in-memory
// mirror of the task graph (task IDs plus ordering metadata; the store
// owns the tasks), promotes pending tasks whose window closed and whose
// dependencies are done, orders dispatchable tasks by effective
// priority with aging, and tracks SLA deadlines.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"steward/internal/domain"
	"steward/internal/store"
)

// Config tunes ordering and deadlines.
type Config struct {
	// Aging is the queued wait that lifts a task's effective priority
	// by one tier.
	Aging time.Duration
	// SLA maps each priority to its deadline from creation.
	SLA map[domain.Priority]time.Duration
}

// node is the scheduler's weak reference to a task: enough metadata to
// order and promote it without owning it.
type node struct {
	id          string
	status      domain.Status
	priority    domain.Priority
	createdAt   time.Time
	notBefore   time.Time
	deps        []string
	slaBreached bool
}

// Scheduler maintains the dependency graph mirror and the dispatch
// order. Safe for concurrent use.
type Scheduler struct {
	mu         sync.RWMutex
	store      store.Store
	cfg        Config
	nodes      map[string]*node
	dependents map[string][]string // taskID -> tasks that depend on it
}

// New creates a Scheduler with an empty mirror.
func New(st store.Store, cfg Config) *Scheduler {
	if cfg.Aging <= 0 {
		cfg.Aging = 5 * time.Minute
	}
	if cfg.SLA == nil {
		cfg.SLA = map[domain.Priority]time.Duration{
			domain.PriorityHigh:   5 * time.Minute,
			domain.PriorityMedium: time.Hour,
			domain.PriorityLow:    24 * time.Hour,
		}
	}
	return &Scheduler{
		store:      st,
		cfg:        cfg,
		nodes:      make(map[string]*node),
		dependents: make(map[string][]string),
	}
}

// Rehydrate rebuilds the mirror from the store. Terminal tasks stay in
// the mirror: dependents need their status to resolve.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*node, len(tasks))
	s.dependents = make(map[string][]string)
	for _, t := range tasks {
		s.addLocked(t)
	}
	return nil
}

// Track adds a freshly created task to the mirror, or refreshes the
// node if it is already known.
func (s *Scheduler) Track(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.nodes[t.TaskID]; ok {
		existing.status = t.Status
		existing.notBefore = t.NotBefore
		return
	}
	s.addLocked(t)
}

func (s *Scheduler) addLocked(t *domain.Task) {
	s.nodes[t.TaskID] = &node{
		id:          t.TaskID,
		status:      t.Status,
		priority:    t.Priority,
		createdAt:   t.CreatedAt,
		notBefore:   t.NotBefore,
		deps:        append([]string(nil), t.Dependencies...),
		slaBreached: t.SLABreached,
	}
	for _, depID := range t.Dependencies {
		s.dependents[depID] = append(s.dependents[depID], t.TaskID)
	}
}

// SetStatus updates the mirror after the store accepted a transition.
// Unknown tasks are ignored; the next Rehydrate picks them up.
func (s *Scheduler) SetStatus(taskID string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[taskID]; ok {
		n.status = status
	}
}

// ExtendWindow moves a mirrored task's eligibility time after a dedup
// merge extended its window.
func (s *Scheduler) ExtendWindow(taskID string, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[taskID]; ok && notBefore.After(n.notBefore) {
		n.notBefore = notBefore
	}
}

// Status returns the mirrored status of a task.
func (s *Scheduler) Status(taskID string) (domain.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[taskID]
	if !ok {
		return "", false
	}
	return n.status, true
}

// QueueDepth reports how many mirrored tasks sit in each status.
func (s *Scheduler) QueueDepth() map[domain.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	depth := make(map[domain.Status]int)
	for _, n := range s.nodes {
		depth[n.status]++
	}
	return depth
}
