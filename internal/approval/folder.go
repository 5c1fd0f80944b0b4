package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"steward/internal/domain"
	"steward/internal/store"
)

// Folder layout under the projection root.
const (
	dirPending  = "pending"
	dirApproved = "approved"
	dirRejected = "rejected"
)

// pendingFile is the JSON written for each open request. It carries
// enough task context for a human to decide from the file alone.
type pendingFile struct {
	ApprovalID string    `json:"approval_id"`
	TaskID     string    `json:"task_id"`
	SourceID   string    `json:"source_id"`
	LogicalKey string    `json:"logical_key"`
	Payload    string    `json:"payload,omitempty"`
	ExpiresAt  string    `json:"expires_at"`
}

// FolderProjector mirrors open approval requests as files and turns a
// file moved into approved/ or rejected/ into a decision. Files are a
// projection of the store, never the state itself: a stale or
// duplicated file move simply loses to the recorded decision.
type FolderProjector struct {
	root   string
	gate   *Gate
	store  store.Store
	logger *slog.Logger
}

// NewFolderProjector creates the pending/approved/rejected directories
// under root.
func NewFolderProjector(root string, gate *Gate, st store.Store, logger *slog.Logger) (*FolderProjector, error) {
	for _, sub := range []string{dirPending, dirApproved, dirRejected} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &FolderProjector{root: root, gate: gate, store: st, logger: logger}, nil
}

// Sync projects the current open requests into pending/: one JSON file
// per open request, stale files for decided requests removed.
func (p *FolderProjector) Sync(ctx context.Context) error {
	open, err := p.store.ListOpenApprovals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open approvals: %w", err)
	}

	openIDs := make(map[string]bool, len(open))
	for _, req := range open {
		openIDs[req.ApprovalID] = true
		path := filepath.Join(p.root, dirPending, req.ApprovalID+".json")
		if _, err := os.Stat(path); err == nil {
			continue
		}

		file := pendingFile{
			ApprovalID: req.ApprovalID,
			TaskID:     req.TaskID,
			ExpiresAt:  req.ExpiresAt.Format(time.RFC3339),
		}
		if task, err := p.store.GetTask(ctx, req.TaskID); err == nil {
			file.SourceID = task.SourceID
			file.LogicalKey = task.LogicalKey
			file.Payload = task.Payload
		}
		data, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal pending file: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write pending file: %w", err)
		}
	}

	// Remove projections of requests that are no longer open.
	entries, err := os.ReadDir(filepath.Join(p.root, dirPending))
	if err != nil {
		return fmt.Errorf("failed to read pending directory: %w", err)
	}
	for _, entry := range entries {
		id := strings.TrimSuffix(entry.Name(), ".json")
		if !strings.HasSuffix(entry.Name(), ".json") || openIDs[id] {
			continue
		}
		if err := os.Remove(filepath.Join(p.root, dirPending, entry.Name())); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove stale pending file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

// Run watches approved/ and rejected/ for incoming files and applies
// the matching decision until ctx is done. A sweep of files already
// sitting in the decision folders runs first so moves made while the
// daemon was down still count.
func (p *FolderProjector) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, sub := range []string{dirApproved, dirRejected} {
		if err := watcher.Add(filepath.Join(p.root, sub)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", sub, err)
		}
	}

	p.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			p.applyFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("approval watcher error", "error", err)
		}
	}
}

// catchUp applies decision files that predate the watcher.
func (p *FolderProjector) catchUp(ctx context.Context) {
	for _, sub := range []string{dirApproved, dirRejected} {
		dir := filepath.Join(p.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			p.logger.Warn("failed to read decision directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			p.applyFile(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

// applyFile turns one file in a decision folder into a Decide call.
func (p *FolderProjector) applyFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	approvalID := strings.TrimSuffix(name, ".json")

	var decision domain.Decision
	switch filepath.Base(filepath.Dir(path)) {
	case dirApproved:
		decision = domain.DecisionApproved
	case dirRejected:
		decision = domain.DecisionRejected
	default:
		return
	}

	err := p.gate.Decide(ctx, approvalID, decision, "folder")
	var decided *AlreadyDecidedError
	switch {
	case err == nil:
		p.logger.Info("approval decided by folder move",
			"approval_id", approvalID, "decision", string(decision))
	case errors.As(err, &decided):
		// Duplicate or racing move; the recorded decision stands.
	case errors.Is(err, store.ErrNotFound):
		p.logger.Warn("decision file for unknown approval", "file", name)
	default:
		p.logger.Error("failed to apply folder decision",
			"approval_id", approvalID, "error", err)
		return
	}

	// Applied or superseded either way: drop the pending projection.
	stale := filepath.Join(p.root, dirPending, name)
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove pending file", "file", name, "error", err)
	}
}
