package domain

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusReady            Status = "ready"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRunning          Status = "running"
	StatusDone             Status = "done"
	StatusFailed           Status = "failed"
	StatusExpired          Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusExpired
}

// Priority orders tasks for dispatch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its queue rank. Lower rank dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Decision represents the resolution state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// WatcherState represents the supervisor's view of a watcher.
type WatcherState string

const (
	WatcherStarting   WatcherState = "starting"
	WatcherHealthy    WatcherState = "healthy"
	WatcherUnhealthy  WatcherState = "unhealthy"
	WatcherRestarting WatcherState = "restarting"
	WatcherStopped    WatcherState = "stopped"
)

// Entity types recorded in the audit log.
const (
	EntityTask     = "task"
	EntityEvent    = "event"
	EntityApproval = "approval"
	EntityWatcher  = "watcher"
)

// Event is a raw observation emitted by a watcher. Immutable once created.
type Event struct {
	SourceID   string    `json:"source_id"`
	LogicalKey string    `json:"logical_key"`
	Payload    string    `json:"payload,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Task is the durable unit of work derived from events. The store owns
// tasks; other components hold task IDs and read through the store.
type Task struct {
	TaskID           string    `json:"task_id"`
	SourceID         string    `json:"source_id"`
	LogicalKey       string    `json:"logical_key"`
	Priority         Priority  `json:"priority"`
	Payload          string    `json:"payload,omitempty"`
	Status           Status    `json:"status"`
	Dependencies     []string  `json:"dependencies,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalID       string    `json:"approval_id,omitempty"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	// NotBefore is the dedup window close time; the task is not promoted
	// to ready before it.
	NotBefore      time.Time `json:"not_before"`
	WindowExtended bool      `json:"window_extended"`
	SLABreached    bool      `json:"sla_breached"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return &c
}

// ApprovalRequest gates a side-effecting task behind a human decision.
// One-to-one with its task instance.
type ApprovalRequest struct {
	ApprovalID string     `json:"approval_id"`
	TaskID     string     `json:"task_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Decision   Decision   `json:"decision"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
}

// Open reports whether the request still awaits a decision.
func (r *ApprovalRequest) Open() bool {
	return r.Decision == DecisionPending
}

// WatcherHandle is the supervisor's durable record of a watcher. The
// goroutine and its cancel func live only in the supervisor's memory.
type WatcherHandle struct {
	WatcherID     string       `json:"watcher_id"`
	State         WatcherState `json:"state"`
	RestartCount  int          `json:"restart_count"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// AuditEntry is one append-only record of a state transition.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor"`
}
