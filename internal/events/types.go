package events

import (
	"time"

	"steward/internal/domain"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	EntityID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicWatcher = "watcher"
	TopicAlert   = "alert"
)

// Event type constants
const (
	EventTypeTaskTransitioned  = "task.transitioned"
	EventTypeSLABreach         = "alert.sla_breach"
	EventTypeApprovalExpired   = "alert.approval_expired"
	EventTypeWatcherState      = "watcher.state"
	EventTypeWatcherEscalation = "alert.watcher_escalation"
)

// TaskTransitionedEvent is published after a task moves along a state
// machine edge. The audit log is the durable record; the bus is for
// live observers only.
type TaskTransitionedEvent struct {
	ID        string
	From      domain.Status
	To        domain.Status
	Actor     string
	Timestamp time.Time
}

func (e TaskTransitionedEvent) EventType() string { return EventTypeTaskTransitioned }
func (e TaskTransitionedEvent) EntityID() string  { return e.ID }

// SLABreachEvent is published the first time a task is found past its
// priority deadline.
type SLABreachEvent struct {
	ID        string
	Priority  domain.Priority
	Deadline  time.Time
	Timestamp time.Time
}

func (e SLABreachEvent) EventType() string { return EventTypeSLABreach }
func (e SLABreachEvent) EntityID() string  { return e.ID }

// ApprovalExpiredEvent is published when the sweep expires a request
// nobody decided in time.
type ApprovalExpiredEvent struct {
	ApprovalID string
	TaskID     string
	Timestamp  time.Time
}

func (e ApprovalExpiredEvent) EventType() string { return EventTypeApprovalExpired }
func (e ApprovalExpiredEvent) EntityID() string  { return e.ApprovalID }

// WatcherStateEvent is published when the supervisor moves a watcher
// between lifecycle states.
type WatcherStateEvent struct {
	WatcherID string
	From      domain.WatcherState
	To        domain.WatcherState
	Timestamp time.Time
}

func (e WatcherStateEvent) EventType() string { return EventTypeWatcherState }
func (e WatcherStateEvent) EntityID() string  { return e.WatcherID }

// WatcherEscalationEvent is published when a watcher exhausts its
// restart budget and the supervisor gives up on it.
type WatcherEscalationEvent struct {
	WatcherID string
	Restarts  int
	LastError string
	Timestamp time.Time
}

func (e WatcherEscalationEvent) EventType() string { return EventTypeWatcherEscalation }
func (e WatcherEscalationEvent) EntityID() string  { return e.WatcherID }
