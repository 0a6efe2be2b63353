package config

import "strings"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // empty = stderr
}

// IsJSON reports whether structured JSON output was requested.
func (c *LoggingConfig) IsJSON() bool {
	return strings.EqualFold(strings.TrimSpace(c.Format), "json")
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// Enabled reports whether /metrics should be served.
func (c *MetricsConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}
