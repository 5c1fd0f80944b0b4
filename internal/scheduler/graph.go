package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"steward/internal/store"
)

// CycleError rejects a dependency registration that would make the
// graph cyclic. The graph and store are left unchanged.
type CycleError struct {
	TaskID    string
	DependsOn string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependsOn)
}

// RegisterDependency records that taskID must wait for dependsOn. The
// incremental cycle check runs before anything is persisted; a rejected
// edge leaves both the mirror and the store untouched.
func (s *Scheduler) RegisterDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return &CycleError{TaskID: taskID, DependsOn: dependsOn}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[taskID]
	if !ok {
		return fmt.Errorf("task %s not in graph: %w", taskID, store.ErrNotFound)
	}
	if _, ok := s.nodes[dependsOn]; !ok {
		return fmt.Errorf("task %s not in graph: %w", dependsOn, store.ErrNotFound)
	}
	for _, existing := range n.deps {
		if existing == dependsOn {
			return nil // already registered
		}
	}

	// The new edge closes a cycle exactly when dependsOn already
	// reaches taskID through dependency edges.
	if s.reachesLocked(dependsOn, taskID) {
		return &CycleError{TaskID: taskID, DependsOn: dependsOn}
	}

	if err := s.store.AddDependency(ctx, taskID, dependsOn); err != nil {
		return fmt.Errorf("failed to persist dependency: %w", err)
	}

	n.deps = append(n.deps, dependsOn)
	s.dependents[dependsOn] = append(s.dependents[dependsOn], taskID)
	return nil
}

// reachesLocked reports whether target is reachable from start by
// walking dependency edges. Caller holds the lock.
func (s *Scheduler) reachesLocked(start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := s.nodes[cur]; ok {
			stack = append(stack, n.deps...)
		}
	}
	return false
}

// Validate runs a full topological sort over the mirror and returns
// the order, or an error naming what broke. Backs the `validate` CLI
// command as a whole-graph check independent of the incremental one.
func (s *Scheduler) Validate() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for taskID, n := range s.nodes {
		for _, depID := range n.deps {
			if _, exists := s.nodes[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on unknown task %s", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, n := range s.nodes {
		if len(n.deps) == 0 {
			// Edge from nil keeps isolated tasks in the sort.
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range n.deps {
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(s.nodes) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range s.nodes {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
