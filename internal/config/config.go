// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/casare-rpa/orchestrator/internal/cmdutil"
)

// Config is the orchestrator's flat configuration surface.
type Config struct {
	LogLevel     string `koanf:"log_level" validate:"oneof=debug info warn error"`
	DatabasePath string `koanf:"database_path" validate:"required"`

	WebSocketPort       int    `koanf:"websocket_port" validate:"min=1,max=65535"`
	WebhookPort         int    `koanf:"webhook_port" validate:"min=1,max=65535"`
	APIPort             int    `koanf:"api_port" validate:"min=1,max=65535"`
	WebhookSharedSecret string `koanf:"webhook_shared_secret"`

	DispatchIntervalSeconds       int    `koanf:"dispatch_interval_seconds" validate:"min=1"`
	HeartbeatTimeoutSeconds       int    `koanf:"heartbeat_timeout_seconds" validate:"min=1"`
	HeartbeatSweepIntervalSeconds int    `koanf:"heartbeat_sweep_interval_seconds" validate:"min=1"`
	DefaultJobTimeoutSeconds      int    `koanf:"default_job_timeout_seconds" validate:"min=1"`
	AssignAckTimeoutSeconds       int    `koanf:"assign_ack_timeout_seconds" validate:"min=1"`
	CancelGraceSeconds            int    `koanf:"cancel_grace_seconds" validate:"min=1"`
	MaxRejectRetries              int    `koanf:"max_reject_retries" validate:"min=1"`
	LoadBalancing                 string `koanf:"load_balancing" validate:"oneof=least_loaded capability_score"`
	SkipBlockedHead               bool   `koanf:"skip_blocked_head"`

	SchedulerTickSeconds    int `koanf:"scheduler_tick_seconds" validate:"min=1"`
	FilePollIntervalSeconds int `koanf:"file_poll_interval_seconds" validate:"min=1"`

	LogBufferSize int    `koanf:"log_buffer_size" validate:"min=1"`
	LogRetention  string `koanf:"log_retention"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		LogLevel:                      "info",
		DatabasePath:                  "casare-orchestrator.db",
		WebSocketPort:                 8765,
		WebhookPort:                   8766,
		APIPort:                       8767,
		DispatchIntervalSeconds:       5,
		HeartbeatTimeoutSeconds:       90,
		HeartbeatSweepIntervalSeconds: 30,
		DefaultJobTimeoutSeconds:      3600,
		AssignAckTimeoutSeconds:       10,
		CancelGraceSeconds:            30,
		MaxRejectRetries:              3,
		LoadBalancing:                 "capability_score",
		SchedulerTickSeconds:          1,
		FilePollIntervalSeconds:       10,
		LogBufferSize:                 1000,
		LogRetention:                  "30d",
	}
}

// Validate checks field constraints and the retention duration format.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LogRetention != "" {
		if err := cmdutil.ValidateDuration(c.LogRetention); err != nil {
			return fmt.Errorf("log_retention: %w", err)
		}
	}
	return nil
}

// Load builds the effective configuration from defaults, the optional YAML
// file, CASARE__* environment variables, and explicitly-set flags.
func Load(configPath string, flags *pflag.FlagSet) (*Config, *Loader, error) {
	l := NewLoader(EnvPrefix)
	if err := l.LoadWithDefaults(Default(), configPath); err != nil {
		return nil, nil, err
	}
	if flags != nil {
		if err := l.LoadFlags(flags, FlagMappings()); err != nil {
			return nil, nil, err
		}
	}
	var cfg Config
	if err := l.UnmarshalAndValidate("", &cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, l, nil
}

// FlagMappings maps CLI flag names to config keys.
func FlagMappings() map[string]string {
	return map[string]string{
		"log-level":      "log_level",
		"database":       "database_path",
		"websocket-port": "websocket_port",
		"webhook-port":   "webhook_port",
		"api-port":       "api_port",
	}
}

// Duration accessors; validation guarantees the fields are positive.

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) HeartbeatSweepInterval() time.Duration {
	return time.Duration(c.HeartbeatSweepIntervalSeconds) * time.Second
}

func (c *Config) DefaultJobTimeout() time.Duration {
	return time.Duration(c.DefaultJobTimeoutSeconds) * time.Second
}

func (c *Config) AssignAckTimeout() time.Duration {
	return time.Duration(c.AssignAckTimeoutSeconds) * time.Second
}

func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

func (c *Config) FilePollInterval() time.Duration {
	return time.Duration(c.FilePollIntervalSeconds) * time.Second
}

// LogRetentionDuration parses the retention window; zero disables the
// sweep.
func (c *Config) LogRetentionDuration() time.Duration {
	if c.LogRetention == "" {
		return 0
	}
	d, err := cmdutil.ParseDuration(c.LogRetention)
	if err != nil {
		return 0
	}
	return d
}
