package codex

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"codexproxy/internal/config"
)

// Reasoning effort labels codex accepts for model_reasoning_effort.
var allowedReasoningEfforts = map[string]bool{"low": true, "medium": true, "high": true, "xhigh": true}

// IsAllowedEffort reports whether effort is a recognized reasoning effort label.
func IsAllowedEffort(effort string) bool {
	return allowedReasoningEfforts[strings.ToLower(strings.TrimSpace(effort))]
}

// Models whose names start with this prefix get codex's own effort default
// unless the request asks for one explicitly.
const defaultEffortExemptPrefix = "gpt-5"

var extraKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Request is one codex execution.
type Request struct {
	Prompt    string
	Overrides *Overrides
	Images    []string // local file paths
	Model     string   // already resolved; empty leaves codex's default
}

// Overrides are per-request adjustments to the base codex configuration.
// Nil pointer fields are unset.
type Overrides struct {
	Sandbox         string
	ReasoningEffort string
	HideReasoning   *bool
	ExposeReasoning *bool
	NetworkAccess   *bool
	// Extra is passed through as additional --config entries.
	Extra map[string]any
}

// Validate rejects overrides codex would refuse or that the configuration forbids.
func (o *Overrides) Validate(allowDangerFullAccess bool) error {
	if o == nil {
		return nil
	}
	if o.Sandbox != "" {
		if !config.IsValidSandboxMode(o.Sandbox) {
			return newError(KindInvalidOverride, StatusBadRequest, nil,
				"unsupported sandbox mode %q (valid: %s)", o.Sandbox, strings.Join(config.ValidSandboxModes, ", "))
		}
		if o.Sandbox == config.SandboxDangerFullAccess && !allowDangerFullAccess {
			return newError(KindInvalidOverride, StatusBadRequest, nil,
				"sandbox mode %q is disabled (set CODEX_ALLOW_DANGER_FULL_ACCESS to enable)", o.Sandbox)
		}
	}
	if o.ReasoningEffort != "" && !IsAllowedEffort(o.ReasoningEffort) {
		return newError(KindInvalidOverride, StatusBadRequest, nil,
			"unsupported reasoning effort %q", o.ReasoningEffort)
	}
	if o.HideReasoning != nil && o.ExposeReasoning != nil {
		return newError(KindInvalidOverride, StatusBadRequest, nil,
			"hide_reasoning and expose_reasoning are mutually exclusive")
	}
	for key, value := range o.Extra {
		if !extraKeyPattern.MatchString(key) {
			return newError(KindInvalidOverride, StatusBadRequest, nil, "invalid config key %q", key)
		}
		switch key {
		case "model", "network_access", "sandbox_workspace_write":
			return newError(KindInvalidOverride, StatusBadRequest, nil, "config key %q cannot be overridden directly", key)
		}
		switch value.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return newError(KindInvalidOverride, StatusBadRequest, nil,
				"config key %q has unsupported value type %T", key, value)
		}
	}
	return nil
}

// configEntry is one --config key/value pair. Order is preserved.
type configEntry struct {
	key   string
	value any
}

type configEntries []configEntry

func (c *configEntries) set(key string, value any) {
	for i := range *c {
		if (*c)[i].key == key {
			(*c)[i].value = value
			return
		}
	}
	*c = append(*c, configEntry{key: key, value: value})
}

func (c *configEntries) remove(key string) {
	for i := range *c {
		if (*c)[i].key == key {
			*c = append((*c)[:i], (*c)[i+1:]...)
			return
		}
	}
}

func (c configEntries) get(key string) (any, bool) {
	for _, e := range c {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Builder turns requests into codex argument lists.
type Builder struct {
	cfg       *config.Config
	workspace *Workspace
	// PathEnv supplies the PATH used to resolve the executable.
	PathEnv func() string
}

// NewBuilder creates a builder over cfg and ws.
func NewBuilder(cfg *config.Config, ws *Workspace) *Builder {
	return &Builder{
		cfg:       cfg,
		workspace: ws,
		PathEnv:   func() string { return os.Getenv("PATH") },
	}
}

// Build returns the full argv for req; argv[0] is the resolved executable.
func (b *Builder) Build(req Request) ([]string, error) {
	if err := req.Overrides.Validate(b.cfg.Codex.AllowDangerFullAccess); err != nil {
		return nil, err
	}

	exe, err := ResolveExecutable(b.cfg.Codex.Path, b.PathEnv())
	if err != nil {
		return nil, err
	}
	if _, err := b.workspace.EnsureWorkdir(); err != nil {
		return nil, err
	}

	entries := b.entries(req)

	args := []string{exe, "exec", req.Prompt, "--color", "never"}
	if b.workspace.SkipGitCheck() {
		args = append(args, "--skip-git-repo-check")
	}
	for _, img := range req.Images {
		args = append(args, "--image", img)
	}
	for _, e := range entries {
		args = append(args, "--config", e.key+"="+renderValue(e.value))
	}
	if req.Model != "" {
		args = append(args, "--config", "model="+quote(req.Model))
	}

	sandbox, _ := entries.get("sandbox_mode")
	if s, _ := sandbox.(string); s == config.SandboxWorkspaceWrite {
		allow := b.cfg.Codex.WorkspaceNetworkAccess
		explicit := req.Overrides != nil && req.Overrides.NetworkAccess != nil
		if explicit {
			allow = *req.Overrides.NetworkAccess
		}
		if explicit || b.cfg.Codex.WorkspaceNetworkAccess {
			args = append(args, "--config",
				fmt.Sprintf("sandbox_workspace_write={ network_access = %s }", strconv.FormatBool(allow)))
		}
	}
	return args, nil
}

// entries merges the base config with the request overrides.
func (b *Builder) entries(req Request) configEntries {
	entries := configEntries{
		{key: "sandbox_mode", value: b.cfg.Codex.SandboxMode},
		{key: "hide_agent_reasoning", value: b.cfg.Codex.HideReasoning},
	}
	if effort := strings.ToLower(strings.TrimSpace(b.cfg.Codex.ReasoningEffort)); allowedReasoningEfforts[effort] {
		entries.set("model_reasoning_effort", effort)
	}

	o := req.Overrides
	explicitEffort := false
	if o != nil {
		if o.Sandbox != "" {
			entries.set("sandbox_mode", o.Sandbox)
		}
		if o.ReasoningEffort != "" {
			entries.set("model_reasoning_effort", o.ReasoningEffort)
			explicitEffort = true
		}
		if o.HideReasoning != nil {
			entries.set("hide_agent_reasoning", *o.HideReasoning)
		}
		if o.ExposeReasoning != nil {
			entries.set("hide_agent_reasoning", !*o.ExposeReasoning)
		}
		keys := make([]string, 0, len(o.Extra))
		for k := range o.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entries.set(k, o.Extra[k])
		}
	}

	if strings.HasPrefix(req.Model, defaultEffortExemptPrefix) && !explicitEffort {
		entries.remove("model_reasoning_effort")
	}
	return entries
}

// renderValue formats a config value the way codex's TOML parser expects.
func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

var tomlEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string {
	return `"` + tomlEscaper.Replace(s) + `"`
}
