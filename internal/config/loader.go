package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file merged over the
// built-in defaults, with STEWARD_ environment variables overriding
// both (STEWARD_SCHEDULER_CONCURRENCY=8, etc.). An empty path searches
// the working directory for steward.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	registerDefaults(v)

	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("steward")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine when no explicit path was given;
		// defaults plus env carry the run.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.Aging <= 0 {
		return fmt.Errorf("scheduler.aging must be positive, got %s", c.Scheduler.Aging)
	}
	if c.Scheduler.Poll <= 0 {
		return fmt.Errorf("scheduler.poll must be positive, got %s", c.Scheduler.Poll)
	}
	if c.Scheduler.SLA.High <= 0 || c.Scheduler.SLA.Medium <= 0 || c.Scheduler.SLA.Low <= 0 {
		return fmt.Errorf("scheduler.sla deadlines must be positive")
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative, got %d", c.Supervisor.MaxRestarts)
	}
	if c.Supervisor.HeartbeatTimeout <= 0 {
		return fmt.Errorf("supervisor.heartbeat_timeout must be positive, got %s", c.Supervisor.HeartbeatTimeout)
	}
	if c.Supervisor.BackoffBase <= 0 || c.Supervisor.BackoffCap < c.Supervisor.BackoffBase {
		return fmt.Errorf("supervisor backoff must satisfy 0 < base <= cap")
	}
	if c.Approval.TTL <= 0 {
		return fmt.Errorf("approval.ttl must be positive, got %s", c.Approval.TTL)
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive, got %s", c.Dedup.Window)
	}
	if c.Tasks.MaxAttempts < 1 {
		return fmt.Errorf("tasks.max_attempts must be at least 1, got %d", c.Tasks.MaxAttempts)
	}
	return nil
}
