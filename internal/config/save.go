package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultFile is the commented starter config written by `steward init`.
const defaultFile = `# steward configuration
# Every key can also be set via environment variable with the STEWARD_
# prefix, dots replaced by underscores (STEWARD_SCHEDULER_CONCURRENCY=8).

store:
  path: steward.db

scheduler:
  concurrency: 4      # worker pool size
  aging: 5m           # queued wait that lifts effective priority one tier
  poll: 1s            # dispatch loop tick
  sla:
    high: 5m
    medium: 1h
    low: 24h

supervisor:
  max_restarts: 3     # consecutive failures before a watcher stops
  heartbeat_timeout: 30s
  health_interval: 10s
  backoff_base: 1s    # restart delay = base * 2^restarts, capped
  backoff_cap: 5m

approval:
  ttl: 24h            # request lifetime before expiry
  dir: ""             # set to project pending/approved/rejected folders
  sweep: 30s

dedup:
  window: 30s         # default merge window for sources without one

tasks:
  max_attempts: 3

watchers:
  dir: watchers.d     # one YAML spec per watcher
`

// WriteDefault writes the commented default config to path. Refuses to
// overwrite an existing file. Creates parent directories if needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(defaultFile), 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
