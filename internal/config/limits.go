package config

import (
	"fmt"
	"time"
)

// LimitsConfig bounds how many codex processes run and for how long.
type LimitsConfig struct {
	// Timeout is the wall-clock budget for one execution ("0" disables it).
	Timeout string `yaml:"timeout"`

	// QueueTimeout bounds how long a request waits for a free slot ("0" waits forever).
	QueueTimeout string `yaml:"queue_timeout"`

	// MaxParallel is the number of codex processes allowed at once.
	MaxParallel int `yaml:"max_parallel"`
}

const (
	defaultExecutionTimeout = 300 * time.Second
	defaultQueueTimeout     = 30 * time.Second
)

// ValidateLimits checks that the limits parse and are in range.
func (c *Config) ValidateLimits() error {
	if _, err := time.ParseDuration(c.Limits.Timeout); err != nil {
		return fmt.Errorf("invalid limits.timeout %q: %w", c.Limits.Timeout, err)
	}
	if _, err := time.ParseDuration(c.Limits.QueueTimeout); err != nil {
		return fmt.Errorf("invalid limits.queue_timeout %q: %w", c.Limits.QueueTimeout, err)
	}
	if c.Limits.MaxParallel < 0 {
		return fmt.Errorf("limits.max_parallel must not be negative, got %d", c.Limits.MaxParallel)
	}
	return nil
}

// GetExecutionTimeout returns the per-execution wall-clock budget.
// Zero means no limit.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Limits.Timeout)
	if err != nil || d < 0 {
		return defaultExecutionTimeout
	}
	return d
}

// GetQueueTimeout returns how long a request may wait for a slot.
// Zero means wait until the caller gives up.
func (c *Config) GetQueueTimeout() time.Duration {
	d, err := time.ParseDuration(c.Limits.QueueTimeout)
	if err != nil || d < 0 {
		return defaultQueueTimeout
	}
	return d
}

// GetMaxParallel returns the admission limit, never below one.
func (c *Config) GetMaxParallel() int {
	if c.Limits.MaxParallel < 1 {
		return 1
	}
	return c.Limits.MaxParallel
}
