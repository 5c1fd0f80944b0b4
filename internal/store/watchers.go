package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"steward/internal/domain"
)

// SaveWatcher stores a watcher handle.
// Uses ON CONFLICT to upsert - handles both first-launch and relaunch.
func (s *SQLiteStore) SaveWatcher(ctx context.Context, h *domain.WatcherHandle) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var hb any
	if !h.LastHeartbeat.IsZero() {
		hb = h.LastHeartbeat
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchers (watcher_id, state, restart_count, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(watcher_id) DO UPDATE SET
			state = excluded.state,
			restart_count = excluded.restart_count,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, h.WatcherID, h.State, h.RestartCount, hb, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save watcher: %w", err)
	}

	return nil
}

// GetWatcher retrieves a watcher handle by ID.
func (s *SQLiteStore) GetWatcher(ctx context.Context, watcherID string) (*domain.WatcherHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	h := &domain.WatcherHandle{}
	var hb sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT watcher_id, state, restart_count, last_heartbeat
		FROM watchers
		WHERE watcher_id = ?
	`, watcherID).Scan(&h.WatcherID, &h.State, &h.RestartCount, &hb)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("watcher %s: %w", watcherID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query watcher: %w", err)
	}
	if hb.Valid {
		h.LastHeartbeat = hb.Time
	}

	return h, nil
}

// ListWatchers returns all watcher handles.
func (s *SQLiteStore) ListWatchers(ctx context.Context) ([]*domain.WatcherHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT watcher_id, state, restart_count, last_heartbeat
		FROM watchers
		ORDER BY watcher_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchers: %w", err)
	}
	defer rows.Close()

	var handles []*domain.WatcherHandle
	for rows.Next() {
		h := &domain.WatcherHandle{}
		var hb sql.NullTime
		if err := rows.Scan(&h.WatcherID, &h.State, &h.RestartCount, &hb); err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		if hb.Valid {
			h.LastHeartbeat = hb.Time
		}
		handles = append(handles, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchers: %w", err)
	}

	return handles, nil
}

// TransitionWatcher moves a watcher to a new state and records the
// change in the audit log in the same transaction.
func (s *SQLiteStore) TransitionWatcher(ctx context.Context, watcherID string, to domain.WatcherState, restartCount int, actor string) error {
	tx, ctx, cancel, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	var prior domain.WatcherState
	err = tx.QueryRowContext(ctx, `SELECT state FROM watchers WHERE watcher_id = ?`, watcherID).Scan(&prior)
	if err == sql.ErrNoRows {
		return fmt.Errorf("watcher %s: %w", watcherID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query watcher state: %w", err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE watchers
		SET state = ?, restart_count = ?, updated_at = ?
		WHERE watcher_id = ?
	`, to, restartCount, now, watcherID)
	if err != nil {
		return fmt.Errorf("failed to update watcher state: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		EntityType: domain.EntityWatcher,
		EntityID:   watcherID,
		FromState:  string(prior),
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

// TouchWatcher records a heartbeat. Not audited: heartbeats are liveness
// signals, not state transitions.
func (s *SQLiteStore) TouchWatcher(ctx context.Context, watcherID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE watchers
		SET last_heartbeat = ?, updated_at = ?
		WHERE watcher_id = ?
	`, at, s.now().UTC(), watcherID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("watcher %s: %w", watcherID, ErrNotFound)
	}

	return nil
}
