package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"steward/internal/domain"
)

// AppendAudit records a single entry. The log is append-only; nothing
// in the store ever updates or deletes audit rows.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, entity_type, entity_id, from_state, to_state, actor)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.EntityType, e.EntityID, e.FromState, e.ToState, e.Actor)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// appendAuditTx writes an entry inside a caller-owned transaction so a
// transition and its record commit or roll back together.
func (s *SQLiteStore) appendAuditTx(ctx context.Context, tx *sql.Tx, e *domain.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (ts, entity_type, entity_id, from_state, to_state, actor)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.EntityType, e.EntityID, e.FromState, e.ToState, e.Actor)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// ListAudit returns entries in insertion order. Empty entityType lists
// everything; empty entityID lists all entities of the type.
// Double sort on (ts, id) keeps order stable for same-second entries.
func (s *SQLiteStore) ListAudit(ctx context.Context, entityType, entityID string) ([]*domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, ts, entity_type, entity_id, from_state, to_state, actor
		FROM audit_log
	`
	var args []any
	switch {
	case entityType != "" && entityID != "":
		query += ` WHERE entity_type = ? AND entity_id = ?`
		args = append(args, entityType, entityID)
	case entityType != "":
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		e := &domain.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EntityType, &e.EntityID,
			&e.FromState, &e.ToState, &e.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}

	return entries, nil
}

// ExportAudit streams the full log to w as JSON Lines and returns the
// number of entries written.
func (s *SQLiteStore) ExportAudit(ctx context.Context, w io.Writer) (int, error) {
	entries, err := s.ListAudit(ctx, "", "")
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("failed to encode audit entry %d: %w", e.ID, err)
		}
	}

	return len(entries), nil
}
