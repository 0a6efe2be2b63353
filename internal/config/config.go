package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codexproxy configuration.
type Config struct {
	// Codex CLI invocation settings
	Codex CodexConfig `yaml:"codex"`

	// Admission control and wall-clock limits
	Limits LimitsConfig `yaml:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Prometheus exposition
	Metrics MetricsConfig `yaml:"metrics"`
}

// CodexConfig configures how the codex binary is located and invoked.
type CodexConfig struct {
	// Path is an absolute path or a bare name looked up in PATH (default: "codex").
	Path string `yaml:"path"`

	// Workdir is the preferred working directory. The resolver may fall back
	// to another location and writes the chosen path back here.
	Workdir string `yaml:"workdir"`

	// ConfigDir is the preferred CODEX_HOME. Updated with the resolved home.
	ConfigDir string `yaml:"config_dir"`

	// ProfileDir holds opt-in AGENTS.md / config.toml overrides copied into
	// the home directory at startup.
	ProfileDir string `yaml:"profile_dir"`

	// NodePath is an extra directory searched for the node runtime shim.
	NodePath string `yaml:"node_path"`

	// SandboxMode: "read-only" (default), "workspace-write", "danger-full-access"
	SandboxMode string `yaml:"sandbox_mode"`

	// WorkspaceNetworkAccess enables network access for workspace-write runs
	// when the request does not say otherwise.
	WorkspaceNetworkAccess bool `yaml:"workspace_network_access"`

	// ReasoningEffort is the default model_reasoning_effort ("low", "medium",
	// "high", "xhigh"). Anything else is ignored.
	ReasoningEffort string `yaml:"reasoning_effort"`

	// HideReasoning maps to hide_agent_reasoning.
	HideReasoning bool `yaml:"hide_reasoning"`

	// AllowDangerFullAccess permits requests asking for danger-full-access.
	AllowDangerFullAccess bool `yaml:"allow_danger_full_access"`

	// PresetsPath points at the model_presets.rs shipped with the codex sources.
	PresetsPath string `yaml:"presets_path"`
}

// Sandbox modes understood by codex.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// ValidSandboxModes lists the sandbox modes codex accepts.
var ValidSandboxModes = []string{SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess}

// DefaultPresetsPath is where the codex submodule keeps its model presets.
const DefaultPresetsPath = "submodules/codex/codex-rs/core/src/openai_models/model_presets.rs"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Codex: CodexConfig{
			Path:            "codex",
			Workdir:         "/workspace",
			SandboxMode:     SandboxReadOnly,
			ReasoningEffort: "medium",
			PresetsPath:     DefaultPresetsPath,
		},
		Limits: LimitsConfig{
			Timeout:      "300s",
			QueueTimeout: "30s",
			MaxParallel:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// Defaults only
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	envString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	// Timeouts are plain seconds in the environment, durations in YAML.
	envSeconds := func(key string, dst *string) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		if n, err := strconv.Atoi(v); err == nil {
			*dst = fmt.Sprintf("%ds", n)
			return
		}
		if _, err := time.ParseDuration(v); err == nil {
			*dst = v
		}
	}

	envString("CODEX_PATH", &c.Codex.Path)
	envString("CODEX_WORKDIR", &c.Codex.Workdir)
	envString("CODEX_CONFIG_DIR", &c.Codex.ConfigDir)
	envString("CODEX_WRAPPER_PROFILE_DIR", &c.Codex.ProfileDir)
	envString("CODEX_NODE_PATH", &c.Codex.NodePath)
	envString("CODEX_SANDBOX_MODE", &c.Codex.SandboxMode)
	envBool("CODEX_WORKSPACE_NETWORK_ACCESS", &c.Codex.WorkspaceNetworkAccess)
	envString("CODEX_REASONING_EFFORT", &c.Codex.ReasoningEffort)
	envBool("CODEX_HIDE_REASONING", &c.Codex.HideReasoning)
	envBool("CODEX_ALLOW_DANGER_FULL_ACCESS", &c.Codex.AllowDangerFullAccess)
	envString("CODEX_PRESETS_PATH", &c.Codex.PresetsPath)

	envSeconds("CODEX_TIMEOUT", &c.Limits.Timeout)
	envSeconds("CODEX_QUEUE_TIMEOUT_SECONDS", &c.Limits.QueueTimeout)
	if v := strings.TrimSpace(os.Getenv("CODEX_MAX_PARALLEL_REQUESTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxParallel = n
		}
	}

	envString("CODEX_LOG_LEVEL", &c.Logging.Level)
	envString("CODEX_METRICS_ADDR", &c.Metrics.Addr)
}

// IsValidSandboxMode reports whether mode is one codex understands.
func IsValidSandboxMode(mode string) bool {
	for _, m := range ValidSandboxModes {
		if mode == m {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Codex.Path) == "" {
		return fmt.Errorf("codex path not configured (set CODEX_PATH)")
	}
	if !IsValidSandboxMode(c.Codex.SandboxMode) {
		return fmt.Errorf("invalid sandbox mode: %s (valid: %v)", c.Codex.SandboxMode, ValidSandboxModes)
	}
	return c.ValidateLimits()
}
