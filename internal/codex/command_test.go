package codex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codexproxy/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func mkdirGit(dir string) error { return os.MkdirAll(filepath.Join(dir, ".git"), 0755) }

// newTestBuilder returns a builder whose workdir sits outside any git repo.
func newTestBuilder(t *testing.T) (*Builder, *config.Config, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake codex binaries are POSIX executables")
	}
	base := t.TempDir()
	if insideGitRepository(base) {
		t.Skip("temp directory is inside a git repository")
	}
	exe := filepath.Join(base, "bin", "codex")
	writeExecutable(t, exe, 0755)

	cfg := config.DefaultConfig()
	cfg.Codex.Path = exe
	cfg.Codex.Workdir = filepath.Join(base, "work")
	ws := NewWorkspace(cfg, testOptions(base, newFakeEnv()))
	return NewBuilder(cfg, ws), cfg, exe
}

func TestBuild_Defaults(t *testing.T) {
	b, _, exe := newTestBuilder(t)

	got, err := b.Build(Request{Prompt: "hello"})
	require.NoError(t, err)

	want := []string{
		exe, "exec", "hello", "--color", "never", "--skip-git-repo-check",
		"--config", `sandbox_mode="read-only"`,
		"--config", "hide_agent_reasoning=false",
		"--config", `model_reasoning_effort="medium"`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_OverridesImagesAndModel(t *testing.T) {
	b, cfg, exe := newTestBuilder(t)
	cfg.Codex.HideReasoning = true

	got, err := b.Build(Request{
		Prompt: "describe",
		Images: []string{"/tmp/a.png", "/tmp/b.jpg"},
		Model:  "o4-mini",
		Overrides: &Overrides{
			Sandbox:         config.SandboxWorkspaceWrite,
			ReasoningEffort: "high",
			ExposeReasoning: boolPtr(true),
			NetworkAccess:   boolPtr(true),
			Extra:           map[string]any{"max_tokens": 2048, "temperature": 0.5, "profile": "fast"},
		},
	})
	require.NoError(t, err)

	want := []string{
		exe, "exec", "describe", "--color", "never", "--skip-git-repo-check",
		"--image", "/tmp/a.png", "--image", "/tmp/b.jpg",
		"--config", `sandbox_mode="workspace-write"`,
		"--config", "hide_agent_reasoning=false",
		"--config", `model_reasoning_effort="high"`,
		"--config", "max_tokens=2048",
		"--config", `profile="fast"`,
		"--config", "temperature=0.5",
		"--config", `model="o4-mini"`,
		"--config", "sandbox_workspace_write={ network_access = true }",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_GPT5DropsDefaultEffort(t *testing.T) {
	b, _, _ := newTestBuilder(t)

	got, err := b.Build(Request{Prompt: "p", Model: "gpt-5-codex"})
	require.NoError(t, err)
	assert.NotContains(t, got, `model_reasoning_effort="medium"`)
	assert.Contains(t, got, `model="gpt-5-codex"`)

	got, err = b.Build(Request{Prompt: "p", Model: "gpt-5", Overrides: &Overrides{ReasoningEffort: "low"}})
	require.NoError(t, err)
	assert.Contains(t, got, `model_reasoning_effort="low"`)

	got, err = b.Build(Request{Prompt: "p", Model: "o3"})
	require.NoError(t, err)
	assert.Contains(t, got, `model_reasoning_effort="medium"`)
}

func TestBuild_DefaultEffortAllowList(t *testing.T) {
	b, cfg, _ := newTestBuilder(t)

	cfg.Codex.ReasoningEffort = "  XHigh "
	got, err := b.Build(Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, got, `model_reasoning_effort="xhigh"`)

	cfg.Codex.ReasoningEffort = "extreme"
	got, err = b.Build(Request{Prompt: "p"})
	require.NoError(t, err)
	for _, arg := range got {
		assert.NotContains(t, arg, "model_reasoning_effort")
	}
}

func TestBuild_NetworkAccess(t *testing.T) {
	const netOn = "sandbox_workspace_write={ network_access = true }"
	const netOff = "sandbox_workspace_write={ network_access = false }"

	tests := []struct {
		name      string
		sandbox   string
		standing  bool
		override  *bool
		want      string
		wantFound bool
	}{
		{"read-only never gets the table", config.SandboxReadOnly, true, boolPtr(true), "", false},
		{"workspace-write with standing flag", config.SandboxWorkspaceWrite, true, nil, netOn, true},
		{"workspace-write override off wins", config.SandboxWorkspaceWrite, true, boolPtr(false), netOff, true},
		{"workspace-write override on", config.SandboxWorkspaceWrite, false, boolPtr(true), netOn, true},
		{"workspace-write no request", config.SandboxWorkspaceWrite, false, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, cfg, _ := newTestBuilder(t)
			cfg.Codex.SandboxMode = tt.sandbox
			cfg.Codex.WorkspaceNetworkAccess = tt.standing

			got, err := b.Build(Request{Prompt: "p", Overrides: &Overrides{NetworkAccess: tt.override}})
			require.NoError(t, err)

			last := got[len(got)-1]
			if tt.wantFound {
				assert.Equal(t, tt.want, last)
			} else {
				assert.NotContains(t, got, netOn)
				assert.NotContains(t, got, netOff)
			}
			for _, arg := range got {
				assert.NotContains(t, arg, "network_access=")
			}
		})
	}
}

func TestBuild_GitRepositoryOmitsSkipFlag(t *testing.T) {
	b, cfg, _ := newTestBuilder(t)
	require.NoError(t, mkdirGit(cfg.Codex.Workdir))

	got, err := b.Build(Request{Prompt: "p"})
	require.NoError(t, err)
	assert.NotContains(t, got, "--skip-git-repo-check")
}

func TestBuild_Failures(t *testing.T) {
	t.Run("executable missing", func(t *testing.T) {
		b, cfg, _ := newTestBuilder(t)
		cfg.Codex.Path = filepath.Join(t.TempDir(), "absent")
		_, err := b.Build(Request{Prompt: "p"})
		assert.Equal(t, KindExecutableNotFound, KindOf(err))
	})
	t.Run("invalid override", func(t *testing.T) {
		b, _, _ := newTestBuilder(t)
		_, err := b.Build(Request{Prompt: "p", Overrides: &Overrides{Sandbox: "everything"}})
		assert.Equal(t, KindInvalidOverride, KindOf(err))
		assert.Equal(t, StatusBadRequest, StatusOf(err))
	})
}

func TestOverridesValidate(t *testing.T) {
	tests := []struct {
		name        string
		o           *Overrides
		allowDanger bool
		wantErr     bool
	}{
		{"nil", nil, false, false},
		{"empty", &Overrides{}, false, false},
		{"danger rejected", &Overrides{Sandbox: config.SandboxDangerFullAccess}, false, true},
		{"danger allowed", &Overrides{Sandbox: config.SandboxDangerFullAccess}, true, false},
		{"bad effort", &Overrides{ReasoningEffort: "max"}, false, true},
		{"hide and expose", &Overrides{HideReasoning: boolPtr(true), ExposeReasoning: boolPtr(false)}, false, true},
		{"bad extra key", &Overrides{Extra: map[string]any{"a b": 1}}, false, true},
		{"reserved extra key", &Overrides{Extra: map[string]any{"model": "x"}}, false, true},
		{"bad extra value", &Overrides{Extra: map[string]any{"k": []string{"x"}}}, false, true},
		{"good extra", &Overrides{Extra: map[string]any{"tools.web_search": true}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate(tt.allowDanger)
			if tt.wantErr {
				assert.Equal(t, KindInvalidOverride, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, `"plain"`, renderValue("plain"))
	assert.Equal(t, `"say \"hi\" \\o/"`, renderValue(`say "hi" \o/`))
	assert.Equal(t, "true", renderValue(true))
	assert.Equal(t, "false", renderValue(false))
	assert.Equal(t, "42", renderValue(42))
	assert.Equal(t, "-7", renderValue(int64(-7)))
	assert.Equal(t, "1.25", renderValue(1.25))
}
