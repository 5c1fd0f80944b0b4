package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// PollAdapter runs a command on a fixed interval; every stdout line is
// one raw event, `logical_key<TAB>payload` or a bare key. A nonzero
// exit is a watcher failure and crashes the adapter.
type PollAdapter struct {
	spec Spec

	// now is the clock; tests override it.
	now func() time.Time
}

// NewPollAdapter creates a poll watcher from its spec.
func NewPollAdapter(spec Spec) *PollAdapter {
	return &PollAdapter{spec: spec, now: time.Now}
}

// ID implements Adapter.
func (a *PollAdapter) ID() string { return a.spec.ID }

// Run polls until ctx is done. Each completed poll cycle is a
// heartbeat whether or not it produced events.
func (a *PollAdapter) Run(ctx context.Context, hooks Hooks) error {
	ticker := time.NewTicker(a.spec.Interval)
	defer ticker.Stop()

	// One poll up front so a long interval doesn't delay first events.
	if err := a.poll(ctx, hooks); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.poll(ctx, hooks); err != nil {
				return err
			}
		}
	}
}

func (a *PollAdapter) poll(ctx context.Context, hooks Hooks) error {
	cmd := exec.CommandContext(ctx, a.spec.Command[0], a.spec.Command[1:]...)
	// Own process group so a hung poll command can be killed whole.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("poll command failed: %w", err)
	}

	detectedAt := a.now().UTC()
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, payload := splitLine(line)
		event := NewEvent(a.spec.ID, key, payload, detectedAt)
		if err := hooks.Emit(ctx, event); err != nil {
			return fmt.Errorf("failed to emit event %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan poll output: %w", err)
	}

	hooks.Heartbeat()
	return nil
}

// splitLine parses `key<TAB>payload`; a line without a tab is a bare
// key with empty payload.
func splitLine(line string) (key, payload string) {
	if i := strings.IndexByte(line, '\t'); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, ""
}
