package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Path = "steward.db"
	cfg.Scheduler = SchedulerConfig{
		Concurrency: 4,
		Aging:       5 * time.Minute,
		Poll:        time.Second,
		SLA: SLAConfig{
			High:   5 * time.Minute,
			Medium: time.Hour,
			Low:    24 * time.Hour,
		},
	}
	cfg.Supervisor = SupervisorConfig{
		MaxRestarts:      3,
		HeartbeatTimeout: 30 * time.Second,
		HealthInterval:   10 * time.Second,
		BackoffBase:      time.Second,
		BackoffCap:       5 * time.Minute,
	}
	cfg.Approval = ApprovalConfig{
		TTL:   24 * time.Hour,
		Sweep: 30 * time.Second,
	}
	cfg.Dedup.Window = 30 * time.Second
	cfg.Tasks.MaxAttempts = 3
	cfg.Watchers.Dir = "watchers.d"
	return cfg
}

// registerDefaults seeds viper so env vars and partial config files
// merge over the built-ins.
func registerDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.aging", d.Scheduler.Aging)
	v.SetDefault("scheduler.poll", d.Scheduler.Poll)
	v.SetDefault("scheduler.sla.high", d.Scheduler.SLA.High)
	v.SetDefault("scheduler.sla.medium", d.Scheduler.SLA.Medium)
	v.SetDefault("scheduler.sla.low", d.Scheduler.SLA.Low)
	v.SetDefault("supervisor.max_restarts", d.Supervisor.MaxRestarts)
	v.SetDefault("supervisor.heartbeat_timeout", d.Supervisor.HeartbeatTimeout)
	v.SetDefault("supervisor.health_interval", d.Supervisor.HealthInterval)
	v.SetDefault("supervisor.backoff_base", d.Supervisor.BackoffBase)
	v.SetDefault("supervisor.backoff_cap", d.Supervisor.BackoffCap)
	v.SetDefault("approval.ttl", d.Approval.TTL)
	v.SetDefault("approval.dir", d.Approval.Dir)
	v.SetDefault("approval.sweep", d.Approval.Sweep)
	v.SetDefault("dedup.window", d.Dedup.Window)
	v.SetDefault("tasks.max_attempts", d.Tasks.MaxAttempts)
	v.SetDefault("watchers.dir", d.Watchers.Dir)
}
