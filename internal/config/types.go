package config

import "time"

// SchedulerConfig tunes dispatch order and the worker pool.
type SchedulerConfig struct {
	// Concurrency is the global worker pool size (C).
	Concurrency int `mapstructure:"concurrency"`
	// Aging is the wait time that promotes a queued task's effective
	// priority by one tier (A).
	Aging time.Duration `mapstructure:"aging"`
	// Poll is the dispatch loop tick.
	Poll time.Duration `mapstructure:"poll"`
	// SLA holds the per-priority deadlines.
	SLA SLAConfig `mapstructure:"sla"`
}

// SLAConfig holds the per-priority deadline for a task to reach a
// terminal state before a breach alert is raised.
type SLAConfig struct {
	High   time.Duration `mapstructure:"high"`
	Medium time.Duration `mapstructure:"medium"`
	Low    time.Duration `mapstructure:"low"`
}

// SupervisorConfig tunes watcher restart and health checking.
type SupervisorConfig struct {
	// MaxRestarts is the consecutive-failure budget per watcher.
	MaxRestarts int `mapstructure:"max_restarts"`
	// HeartbeatTimeout marks a watcher unhealthy when its last
	// heartbeat is older than this.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// HealthInterval is how often the health loop runs.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// BackoffBase and BackoffCap bound the restart delay
	// base * 2^restart_count.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	// TTL is the default lifetime of an approval request.
	TTL time.Duration `mapstructure:"ttl"`
	// Dir enables the folder projection when non-empty.
	Dir string `mapstructure:"dir"`
	// Sweep is the expiry sweep interval.
	Sweep time.Duration `mapstructure:"sweep"`
}

// StoreConfig locates the database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DedupConfig tunes event aggregation.
type DedupConfig struct {
	// Window is the default dedup window (W) for sources whose spec
	// does not set one.
	Window time.Duration `mapstructure:"window"`
}

// TasksConfig holds task defaults.
type TasksConfig struct {
	// MaxAttempts is the default attempt cap per task.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WatchersConfig locates watcher specs.
type WatchersConfig struct {
	// Dir holds watcher spec files, one YAML file per watcher.
	Dir string `mapstructure:"dir"`
}

// Config is the full runtime configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Watchers   WatchersConfig   `mapstructure:"watchers"`
}
