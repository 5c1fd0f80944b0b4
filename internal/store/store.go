package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"steward/internal/domain"

	_ "modernc.org/sqlite"
)

// opTimeout bounds every store operation so a wedged database cannot
// stall the engine loops.
const opTimeout = 5 * time.Second

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set update finds the
	// record in a different state than expected (lost race, already
	// decided, already terminal).
	ErrConflict = errors.New("state conflict")
)

// Store is the durable record of tasks, approvals, watcher handles, and
// the append-only audit log. Status mutations are compare-and-set and
// write their audit entry in the same transaction.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *domain.Task, actor string) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	FindActiveTask(ctx context.Context, sourceID, logicalKey string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]*domain.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Task, error)
	CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error)
	MergeTaskPayload(ctx context.Context, taskID, payload string, notBefore time.Time, extendWindow bool) error
	TransitionTask(ctx context.Context, taskID string, from, to domain.Status, actor string) error
	ClaimTask(ctx context.Context, taskID string, from domain.Status, actor string) error
	RequeueTask(ctx context.Context, taskID, reason, actor string) error
	FailTask(ctx context.Context, taskID string, from domain.Status, reason, actor string) error
	CancelTask(ctx context.Context, taskID, reason, actor string) (domain.Status, error)
	MarkSLABreached(ctx context.Context, taskID string) error
	AddDependency(ctx context.Context, taskID, dependsOn string) error

	// Approvals
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest, actor string) error
	GetApproval(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error)
	GetApprovalByTask(ctx context.Context, taskID string) (*domain.ApprovalRequest, error)
	ListOpenApprovals(ctx context.Context) ([]*domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, approvalID string, decision domain.Decision, actor string) error
	ExpireApproval(ctx context.Context, approvalID, actor string) error

	// Watchers
	SaveWatcher(ctx context.Context, h *domain.WatcherHandle) error
	GetWatcher(ctx context.Context, watcherID string) (*domain.WatcherHandle, error)
	ListWatchers(ctx context.Context) ([]*domain.WatcherHandle, error)
	TransitionWatcher(ctx context.Context, watcherID string, to domain.WatcherState, restartCount int, actor string) error
	TouchWatcher(ctx context.Context, watcherID string, at time.Time) error

	// Audit
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAudit(ctx context.Context, entityType, entityID string) ([]*domain.AuditEntry, error)
	ExportAudit(ctx context.Context, w io.Writer) (int, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// now is the clock; tests override it to pin timestamps.
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and a busy timeout so concurrent workers wait instead of erroring.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string, so that's a PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries
	// (prevents deadlock when loading dependencies during list scans).
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, now: time.Now}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// beginTx starts a serializable transaction with the standard operation
// timeout applied. The returned cancel must be deferred by the caller.
func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, ctx, cancel, nil
}
