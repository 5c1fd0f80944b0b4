package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"steward/internal/domain"
	"steward/internal/store"
)

// PromoteReady moves every eligible pending task to ready: the dedup
// window has closed and all dependencies are done. A dependency in
// failed or expired blocks its dependents indefinitely; only operator
// action (cancel) resolves them. Returns the promoted task IDs.
func (s *Scheduler) PromoteReady(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	var candidates []string
	for id, n := range s.nodes {
		if n.status != domain.StatusPending || now.Before(n.notBefore) {
			continue
		}
		if s.depsDoneLocked(n) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(candidates)

	var promoted []string
	for _, id := range candidates {
		err := s.store.TransitionTask(ctx, id, domain.StatusPending, domain.StatusReady, "scheduler")
		if err != nil {
			// Someone else moved it (merge reopened the window, an
			// operator cancelled); skip and carry on.
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return promoted, fmt.Errorf("failed to promote task %s: %w", id, err)
		}
		s.SetStatus(id, domain.StatusReady)
		promoted = append(promoted, id)
	}
	return promoted, nil
}

// depsDoneLocked reports whether every dependency finished successfully.
func (s *Scheduler) depsDoneLocked(n *node) bool {
	for _, depID := range n.deps {
		dep, ok := s.nodes[depID]
		if !ok || dep.status != domain.StatusDone {
			return false
		}
	}
	return true
}

// NextReady returns the dispatchable tasks (ready, or approved and
// waiting for a worker) in dispatch order: effective priority rank
// first, then oldest first. Aging lifts the effective rank one tier for
// every full aging interval the task has waited, so sustained
// high-priority load cannot starve low-priority tasks.
func (s *Scheduler) NextReady(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id      string
		rank    int
		created time.Time
	}

	var queue []entry
	for id, n := range s.nodes {
		if n.status != domain.StatusReady && n.status != domain.StatusApproved {
			continue
		}
		queue = append(queue, entry{
			id:      id,
			rank:    s.effectiveRank(n, now),
			created: n.createdAt,
		})
	}

	sort.Slice(queue, func(i, j int) bool {
		if queue[i].rank != queue[j].rank {
			return queue[i].rank < queue[j].rank
		}
		if !queue[i].created.Equal(queue[j].created) {
			return queue[i].created.Before(queue[j].created)
		}
		return queue[i].id < queue[j].id
	})

	ids := make([]string, len(queue))
	for i, e := range queue {
		ids[i] = e.id
	}
	return ids
}

// effectiveRank computes the aged priority rank. Derived from wait time
// at selection, so it only ever moves toward high.
func (s *Scheduler) effectiveRank(n *node, now time.Time) int {
	rank := n.priority.Rank()
	waited := now.Sub(n.createdAt)
	if waited > 0 {
		rank -= int(waited / s.cfg.Aging)
	}
	if rank < domain.PriorityHigh.Rank() {
		rank = domain.PriorityHigh.Rank()
	}
	return rank
}

// Breach describes one SLA deadline miss.
type Breach struct {
	TaskID   string
	Priority domain.Priority
	Deadline time.Time
}

// ScanSLA flags every non-terminal task past its priority deadline.
// The flag is one-shot per task: the store records it so restarts do
// not re-alert. The task's status is never changed.
func (s *Scheduler) ScanSLA(ctx context.Context, now time.Time) ([]Breach, error) {
	s.mu.RLock()
	var due []Breach
	for id, n := range s.nodes {
		if n.slaBreached || n.status.Terminal() {
			continue
		}
		deadline := n.createdAt.Add(s.cfg.SLA[n.priority])
		if now.After(deadline) {
			due = append(due, Breach{TaskID: id, Priority: n.priority, Deadline: deadline})
		}
	}
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].TaskID < due[j].TaskID })

	var breaches []Breach
	for _, b := range due {
		err := s.store.MarkSLABreached(ctx, b.TaskID)
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			return breaches, fmt.Errorf("failed to flag SLA breach for %s: %w", b.TaskID, err)
		}
		s.mu.Lock()
		if n, ok := s.nodes[b.TaskID]; ok {
			n.slaBreached = true
		}
		s.mu.Unlock()
		if err == nil {
			breaches = append(breaches, b)
		}
	}
	return breaches, nil
}
