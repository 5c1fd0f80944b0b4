package store

import (
	"context"
	"database/sql"
	"fmt"

	"steward/internal/domain"
)

// CreateApproval parks a ready task behind a new approval request. The
// task's move to awaiting_approval, the request row, and both audit
// entries commit atomically, so no task can run with an open request.
func (s *SQLiteStore) CreateApproval(ctx context.Context, req *domain.ApprovalRequest, actor string) error {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	now := s.now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.Decision = domain.DecisionPending

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'awaiting_approval', approval_id = ?, updated_at = ?
		WHERE task_id = ? AND status = 'ready'
	`, req.ApprovalID, now, req.TaskID)
	if err != nil {
		return fmt.Errorf("failed to park task for approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.taskConflict(ctx, tx, req.TaskID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, task_id, decision, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, req.ApprovalID, req.TaskID, req.Decision, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   req.TaskID,
		FromState:  string(domain.StatusReady),
		ToState:    string(domain.StatusAwaitingApproval),
		Actor:      actor,
	}); err != nil {
		return err
	}
	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityApproval,
		EntityID:   req.ApprovalID,
		ToState:    string(domain.DecisionPending),
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetApproval retrieves an approval request by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanApproval(s.db.QueryRowContext(ctx, `
		SELECT approval_id, task_id, decision, created_at, expires_at, decided_at, decided_by
		FROM approvals
		WHERE approval_id = ?
	`, approvalID), approvalID)
}

// GetApprovalByTask retrieves the approval request attached to a task.
func (s *SQLiteStore) GetApprovalByTask(ctx context.Context, taskID string) (*domain.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanApproval(s.db.QueryRowContext(ctx, `
		SELECT approval_id, task_id, decision, created_at, expires_at, decided_at, decided_by
		FROM approvals
		WHERE task_id = ?
	`, taskID), taskID)
}

func scanApproval(row *sql.Row, id string) (*domain.ApprovalRequest, error) {
	req := &domain.ApprovalRequest{}
	var decidedAt sql.NullTime
	err := row.Scan(&req.ApprovalID, &req.TaskID, &req.Decision,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt, &req.DecidedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return req, nil
}

// ListOpenApprovals returns all requests still awaiting a decision,
// oldest first.
func (s *SQLiteStore) ListOpenApprovals(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, task_id, decision, created_at, expires_at, decided_at, decided_by
		FROM approvals
		WHERE decision = 'pending'
		ORDER BY created_at, approval_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open approvals: %w", err)
	}
	defer rows.Close()

	var reqs []*domain.ApprovalRequest
	for rows.Next() {
		req := &domain.ApprovalRequest{}
		var decidedAt sql.NullTime
		if err := rows.Scan(&req.ApprovalID, &req.TaskID, &req.Decision,
			&req.CreatedAt, &req.ExpiresAt, &decidedAt, &req.DecidedBy); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if decidedAt.Valid {
			t := decidedAt.Time
			req.DecidedAt = &t
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return reqs, nil
}

// DecideApproval resolves a pending request and moves its task in the
// same transaction: approved parks the task for dispatch, rejected
// fails it. A request that is no longer pending returns ErrConflict and
// nothing changes.
func (s *SQLiteStore) DecideApproval(ctx context.Context, approvalID string, decision domain.Decision, actor string) error {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return fmt.Errorf("decision must be approved or rejected, got %s", decision)
	}

	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	var taskID string
	var current domain.Decision
	err = tx.QueryRowContext(ctx, `
		SELECT task_id, decision FROM approvals WHERE approval_id = ?
	`, approvalID).Scan(&taskID, &current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query approval: %w", err)
	}
	if current != domain.DecisionPending {
		return fmt.Errorf("approval %s already %s: %w", approvalID, current, ErrConflict)
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET decision = ?, decided_at = ?, decided_by = ?
		WHERE approval_id = ? AND decision = 'pending'
	`, decision, now, actor, approvalID)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("approval %s decided concurrently: %w", approvalID, ErrConflict)
	}

	taskTo := domain.StatusApproved
	taskQuery := `UPDATE tasks SET status = 'approved', updated_at = ? WHERE task_id = ? AND status = 'awaiting_approval'`
	if decision == domain.DecisionRejected {
		taskTo = domain.StatusFailed
		taskQuery = `UPDATE tasks SET status = 'failed', last_error = 'rejected', updated_at = ? WHERE task_id = ? AND status = 'awaiting_approval'`
	}

	res, err = tx.ExecContext(ctx, taskQuery, now, taskID)
	if err != nil {
		return fmt.Errorf("failed to move task %s: %w", taskID, err)
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.taskConflict(ctx, tx, taskID)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityApproval,
		EntityID:   approvalID,
		FromState:  string(domain.DecisionPending),
		ToState:    string(decision),
		Actor:      actor,
	}); err != nil {
		return err
	}
	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(domain.StatusAwaitingApproval),
		ToState:    string(taskTo),
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExpireApproval marks a still-pending request expired and its task
// terminal, atomically. Used by the sweep; a concurrently decided
// request returns ErrConflict.
func (s *SQLiteStore) ExpireApproval(ctx context.Context, approvalID, actor string) error {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	var taskID string
	var current domain.Decision
	err = tx.QueryRowContext(ctx, `
		SELECT task_id, decision FROM approvals WHERE approval_id = ?
	`, approvalID).Scan(&taskID, &current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query approval: %w", err)
	}
	if current != domain.DecisionPending {
		return fmt.Errorf("approval %s already %s: %w", approvalID, current, ErrConflict)
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET decision = 'expired', decided_at = ?
		WHERE approval_id = ? AND decision = 'pending'
	`, now, approvalID)
	if err != nil {
		return fmt.Errorf("failed to expire approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("approval %s decided concurrently: %w", approvalID, ErrConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'expired', last_error = 'approval expired', updated_at = ?
		WHERE task_id = ? AND status = 'awaiting_approval'
	`, now, taskID)
	if err != nil {
		return fmt.Errorf("failed to expire task %s: %w", taskID, err)
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.taskConflict(ctx, tx, taskID)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityApproval,
		EntityID:   approvalID,
		FromState:  string(domain.DecisionPending),
		ToState:    string(domain.DecisionExpired),
		Actor:      actor,
	}); err != nil {
		return err
	}
	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(domain.StatusAwaitingApproval),
		ToState:    string(domain.StatusExpired),
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
