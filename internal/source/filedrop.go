package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// FileDropAdapter turns files dropped into a directory into raw
// events. Writes to the same file within the debounce interval
// collapse to one event carrying the latest contents; the logical key
// is the file name, so re-drops of the same file land in the same
// dedup window downstream.
type FileDropAdapter struct {
	spec     Spec
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	now func() time.Time
}

// NewFileDropAdapter creates a filedrop watcher from its spec.
func NewFileDropAdapter(spec Spec) *FileDropAdapter {
	debounce := spec.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &FileDropAdapter{
		spec:     spec,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// ID implements Adapter.
func (a *FileDropAdapter) ID() string { return a.spec.ID }

// Run watches the drop directory until ctx is done. Files already
// present at startup are emitted first so events survive a restart.
func (a *FileDropAdapter) Run(ctx context.Context, hooks Hooks) error {
	if err := os.MkdirAll(a.spec.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create drop directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	defer a.stopTimers()

	if err := watcher.Add(a.spec.Path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.spec.Path, err)
	}

	if err := a.catchUp(ctx, hooks); err != nil {
		return err
	}
	hooks.Heartbeat()

	// Debounce timers fire on their own goroutines; funnel the settled
	// paths back here so emits stay single-threaded. done releases any
	// timer that fires after Run has returned.
	settled := make(chan string, 64)
	done := make(chan struct{})
	defer close(done)

	ticker := time.NewTicker(a.debounce * 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Idle heartbeat: the watch itself is alive even when no
			// files arrive.
			hooks.Heartbeat()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher closed unexpectedly")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !a.eligible(event.Name) {
				continue
			}
			a.schedule(event.Name, settled, done)
		case path := <-settled:
			if err := a.emitFile(ctx, hooks, path); err != nil {
				return err
			}
			hooks.Heartbeat()
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed unexpectedly")
			}
			return fmt.Errorf("file watcher error: %w", err)
		}
	}
}

// schedule arms (or re-arms) the per-path debounce timer, so a burst
// of writes to one file settles into a single emit.
func (a *FileDropAdapter) schedule(path string, settled chan<- string, done <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if timer, ok := a.timers[path]; ok {
		timer.Reset(a.debounce)
		return
	}
	a.timers[path] = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		delete(a.timers, path)
		a.mu.Unlock()
		select {
		case settled <- path:
		case <-done:
		}
	})
}

func (a *FileDropAdapter) stopTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for path, timer := range a.timers {
		timer.Stop()
		delete(a.timers, path)
	}
}

// catchUp emits files already sitting in the drop directory.
func (a *FileDropAdapter) catchUp(ctx context.Context, hooks Hooks) error {
	entries, err := os.ReadDir(a.spec.Path)
	if err != nil {
		return fmt.Errorf("failed to scan drop directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(a.spec.Path, entry.Name())
		if !a.eligible(path) {
			continue
		}
		if err := a.emitFile(ctx, hooks, path); err != nil {
			return err
		}
	}
	return nil
}

func (a *FileDropAdapter) emitFile(ctx context.Context, hooks Hooks, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Dropped and removed before the debounce settled.
			return nil
		}
		return fmt.Errorf("failed to read dropped file %s: %w", path, err)
	}

	event := NewEvent(a.spec.ID, filepath.Base(path), string(data), a.now().UTC())
	if err := hooks.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit event %s: %w", event.LogicalKey, err)
	}
	return nil
}

// eligible skips hidden files and editor temp files.
func (a *FileDropAdapter) eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
