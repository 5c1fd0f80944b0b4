package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"steward/internal/domain"
)

const taskColumns = `task_id, source_id, logical_key, priority, payload, status,
	requires_approval, approval_id, attempts, max_attempts, last_error,
	created_at, updated_at, not_before, window_extended, sla_breached`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	task := &domain.Task{}
	err := row.Scan(
		&task.TaskID, &task.SourceID, &task.LogicalKey, &task.Priority,
		&task.Payload, &task.Status, &task.RequiresApproval, &task.ApprovalID,
		&task.Attempts, &task.MaxAttempts, &task.LastError,
		&task.CreatedAt, &task.UpdatedAt, &task.NotBefore,
		&task.WindowExtended, &task.SLABreached,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTask inserts a new task with its dependencies and records the
// creation in the audit log, all in one transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task, actor string) error {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, source_id, logical_key, priority, payload, status,
			requires_approval, approval_id, attempts, max_attempts, last_error,
			created_at, updated_at, not_before, window_extended, sla_breached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.TaskID, task.SourceID, task.LogicalKey, task.Priority, task.Payload, task.Status,
		task.RequiresApproval, task.ApprovalID, task.Attempts, task.MaxAttempts, task.LastError,
		task.CreatedAt, task.UpdatedAt, task.NotBefore, task.WindowExtended, task.SLABreached)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, depID := range task.Dependencies {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist: %w", depID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.TaskID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.TaskID, depID, err)
		}
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   task.TaskID,
		ToState:    string(task.Status),
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if task.Dependencies, err = s.loadDependencies(ctx, taskID); err != nil {
		return nil, err
	}

	return task, nil
}

// FindActiveTask returns the non-terminal task for a (source, logical
// key) pair. At most one can exist at a time.
func (s *SQLiteStore) FindActiveTask(ctx context.Context, sourceID, logicalKey string) (*domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE source_id = ? AND logical_key = ?
			AND status NOT IN ('done', 'failed', 'expired')
		LIMIT 1
	`, sourceID, logicalKey)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active task for %s/%s: %w", sourceID, logicalKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active task: %w", err)
	}

	if task.Dependencies, err = s.loadDependencies(ctx, task.TaskID); err != nil {
		return nil, err
	}

	return task, nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*domain.Task, error) {
	return s.listTasksWhere(ctx, "", nil)
}

// ListTasksByStatus returns tasks in any of the given statuses, oldest
// first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Task, error) {
	if len(statuses) == 0 {
		return s.listTasksWhere(ctx, "", nil)
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}

	where := fmt.Sprintf("WHERE status IN (%s)", strings.Join(placeholders, ", "))
	return s.listTasksWhere(ctx, where, args)
}

func (s *SQLiteStore) listTasksWhere(ctx context.Context, where string, args []any) ([]*domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		`+where+`
		ORDER BY created_at, task_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if task.Dependencies, err = s.loadDependencies(ctx, task.TaskID); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status domain.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// MergeTaskPayload applies a latest-wins payload update to a still
// pending task. When extendWindow is set the dedup window close time
// moves to notBefore and the task's one extension is consumed.
func (s *SQLiteStore) MergeTaskPayload(ctx context.Context, taskID, payload string, notBefore time.Time, extendWindow bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if extendWindow {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET payload = ?, not_before = ?, window_extended = 1, updated_at = ?
			WHERE task_id = ? AND status = 'pending'
		`, payload, notBefore, s.now().UTC(), taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET payload = ?, updated_at = ?
			WHERE task_id = ? AND status = 'pending'
		`, payload, s.now().UTC(), taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to merge payload: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.taskConflict(ctx, s.db, taskID)
	}

	return nil
}

// TransitionTask moves a task along a legal state machine edge using
// compare-and-set on the current status. The audit entry commits in the
// same transaction. Returns ErrConflict if another actor moved the task
// first.
func (s *SQLiteStore) TransitionTask(ctx context.Context, taskID string, from, to domain.Status, actor string) error {
	return s.casTransition(ctx, taskID, from, to, actor,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`)
}

// ClaimTask is the worker-side compare-and-set that wins or loses the
// race to execute a task. The winning claim moves the task to running
// and counts the attempt.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID string, from domain.Status, actor string) error {
	return s.casTransition(ctx, taskID, from, domain.StatusRunning, actor,
		`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ? WHERE task_id = ? AND status = ?`)
}

// RequeueTask returns a running task to pending after a transient
// failure, recording the reason.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID, reason, actor string) error {
	return s.casTransition(ctx, taskID, domain.StatusRunning, domain.StatusPending, actor,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		reason)
}

// FailTask moves a task to failed from the given status, recording the
// reason.
func (s *SQLiteStore) FailTask(ctx context.Context, taskID string, from domain.Status, reason, actor string) error {
	return s.casTransition(ctx, taskID, from, domain.StatusFailed, actor,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		reason)
}

// CancelTask force-fails a non-terminal task on operator request and
// returns the status it held before, so callers can interrupt an
// in-flight attempt when it was running. An open approval request on
// the task is closed as rejected in the same transaction.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID, reason, actor string) (domain.Status, error) {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	defer tx.Rollback()

	var prior domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&prior)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query task status: %w", err)
	}

	if prior.Terminal() {
		return prior, fmt.Errorf("task %s is already %s: %w", taskID, prior, ErrConflict)
	}
	if err := domain.ValidateTransition(prior, domain.StatusFailed); err != nil {
		return prior, err
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE task_id = ? AND status = ?
	`, reason, now, taskID, prior)
	if err != nil {
		return prior, fmt.Errorf("failed to cancel task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return prior, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return prior, fmt.Errorf("task %s moved during cancel: %w", taskID, ErrConflict)
	}

	// Cancelling the task resolves any open approval request too, so
	// the sweep and the decision surfaces never see a request whose
	// task already left awaiting_approval.
	var approvalID string
	err = tx.QueryRowContext(ctx, `
		SELECT approval_id FROM approvals WHERE task_id = ? AND decision = 'pending'
	`, taskID).Scan(&approvalID)
	if err != nil && err != sql.ErrNoRows {
		return prior, fmt.Errorf("failed to query open approval: %w", err)
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE approvals
			SET decision = 'rejected', decided_at = ?, decided_by = ?
			WHERE approval_id = ? AND decision = 'pending'
		`, now, actor, approvalID)
		if err != nil {
			return prior, fmt.Errorf("failed to close approval %s: %w", approvalID, err)
		}
		if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
			Timestamp:  now,
			EntityType: domain.EntityApproval,
			EntityID:   approvalID,
			FromState:  string(domain.DecisionPending),
			ToState:    string(domain.DecisionRejected),
			Actor:      actor,
		}); err != nil {
			return prior, err
		}
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(prior),
		ToState:    string(domain.StatusFailed),
		Actor:      actor,
	}); err != nil {
		return prior, err
	}

	if err := tx.Commit(); err != nil {
		return prior, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return prior, nil
}

// MarkSLABreached flags a task as past its deadline and records the
// breach in the audit log without changing the task's status. Returns
// ErrConflict if the task was already flagged.
func (s *SQLiteStore) MarkSLABreached(ctx context.Context, taskID string) error {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	var status domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query task status: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET sla_breached = 1, updated_at = ?
		WHERE task_id = ? AND sla_breached = 0
	`, s.now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark SLA breach: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s already flagged: %w", taskID, ErrConflict)
	}

	// The status stays as it was; the entry records the breach itself.
	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  s.now().UTC(),
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(status),
		ToState:    string(status),
		Actor:      "sla",
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// AddDependency records a dependency edge. Cycle checks belong to the
// scheduler; the store only enforces that both tasks exist.
func (s *SQLiteStore) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id)
		VALUES (?, ?)
		ON CONFLICT(task_id, depends_on_id) DO NOTHING
	`, taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, dependsOn, err)
	}

	return nil
}

// casTransition runs a compare-and-set status update plus its audit
// entry in one transaction. Queries bind (to, extra..., updated_at,
// task_id, from) in that order.
func (s *SQLiteStore) casTransition(ctx context.Context, taskID string, from, to domain.Status, actor, query string, extra ...any) error {
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}

	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	now := s.now().UTC()
	args := make([]any, 0, len(extra)+4)
	args = append(args, to)
	args = append(args, extra...)
	args = append(args, now, taskID, from)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.taskConflict(ctx, tx, taskID)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// taskConflict distinguishes a missing task from a lost race after a
// zero-row compare-and-set.
func (s *SQLiteStore) taskConflict(ctx context.Context, q querier, taskID string) error {
	var cur domain.Status
	err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&cur)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query task status: %w", err)
	}
	return fmt.Errorf("task %s is %s: %w", taskID, cur, ErrConflict)
}
