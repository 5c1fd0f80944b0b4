package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		logical_key TEXT NOT NULL,
		priority TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		approval_id TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		not_before DATETIME NOT NULL,
		window_extended INTEGER NOT NULL DEFAULT 0,
		sla_breached INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_key ON tasks(source_id, logical_key);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		decision TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		decided_at DATETIME,
		decided_by TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision);

	CREATE TABLE IF NOT EXISTS watchers (
		watcher_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		restart_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		actor TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
