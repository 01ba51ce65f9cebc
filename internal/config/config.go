// Package config loads kernel startup configuration from environment
// variables; Load applies a default to any variable left unset.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the kernel's startup configuration.
type Config struct {
	Port                  int
	WorkDir               string
	CLIPath               string
	MaxConcurrentAgents   int
	KVURL                 string
	DefaultLockTTLSeconds int
	ApprovalQueueCap      int
	UsageRetentionDays    int
	DBPath                string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  4190,
		WorkDir:               ".",
		CLIPath:               "claude",
		MaxConcurrentAgents:   5,
		DefaultLockTTLSeconds: 300,
		ApprovalQueueCap:      1000,
		UsageRetentionDays:    90,
		DBPath:                "kernel.db",
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if v := os.Getenv("WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CLI_PATH"); v != "" {
		cfg.CLIPath = v
	}
	if cfg.MaxConcurrentAgents, err = envInt("MAX_CONCURRENT_AGENTS", cfg.MaxConcurrentAgents); err != nil {
		return nil, err
	}
	cfg.KVURL = os.Getenv("KV_URL")
	if cfg.DefaultLockTTLSeconds, err = envInt("DEFAULT_LOCK_TTL_SECONDS", cfg.DefaultLockTTLSeconds); err != nil {
		return nil, err
	}
	if cfg.ApprovalQueueCap, err = envInt("APPROVAL_QUEUE_CAP", cfg.ApprovalQueueCap); err != nil {
		return nil, err
	}
	if cfg.UsageRetentionDays, err = envInt("USAGE_RETENTION_DAYS", cfg.UsageRetentionDays); err != nil {
		return nil, err
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants, returning a configuration error.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT_AGENTS must be positive: %d", c.MaxConcurrentAgents)
	}
	if c.DefaultLockTTLSeconds < 0 {
		return fmt.Errorf("config: DEFAULT_LOCK_TTL_SECONDS cannot be negative: %d", c.DefaultLockTTLSeconds)
	}
	if c.ApprovalQueueCap <= 0 {
		return fmt.Errorf("config: APPROVAL_QUEUE_CAP must be positive: %d", c.ApprovalQueueCap)
	}
	if c.UsageRetentionDays <= 0 {
		return fmt.Errorf("config: USAGE_RETENTION_DAYS must be positive: %d", c.UsageRetentionDays)
	}
	return nil
}

// DistributedMode reports whether KV_URL selects the distributed lock/usage
// backend over the in-process default.
func (c *Config) DistributedMode() bool {
	return c.KVURL != ""
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", name, v, err)
	}
	return n, nil
}
