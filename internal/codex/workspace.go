package codex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codexproxy/internal/config"
	"codexproxy/internal/logging"
)

// DefaultProfileDir is searched for profile overrides when none is configured.
const DefaultProfileDir = "workspace/codex_profile"

// profileFile maps a profile override onto its destination in the codex home.
type profileFile struct {
	dest    string
	primary string
	legacy  []string
}

var profileFiles = []profileFile{
	{dest: "AGENTS.md", primary: "codex_agents.md", legacy: []string{"agent.md"}},
	{dest: "config.toml", primary: "codex_config.toml", legacy: []string{"config.toml"}},
}

// WorkspaceOptions holds the environment lookups the resolver depends on.
// Zero fields fall back to the os package.
type WorkspaceOptions struct {
	TempDir  func() string
	HomeDir  func() (string, error)
	CacheDir func() (string, error)
	Getenv   func(string) string
	Setenv   func(key, value string) error
	// Probe verifies that dir is writable.
	Probe func(dir string) error
}

func (o WorkspaceOptions) withDefaults() WorkspaceOptions {
	if o.TempDir == nil {
		o.TempDir = os.TempDir
	}
	if o.HomeDir == nil {
		o.HomeDir = os.UserHomeDir
	}
	if o.CacheDir == nil {
		o.CacheDir = os.UserCacheDir
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Setenv == nil {
		o.Setenv = os.Setenv
	}
	if o.Probe == nil {
		o.Probe = probeWritable
	}
	return o
}

// Workspace resolves the codex working directory and CODEX_HOME once and
// caches the result until Reset.
type Workspace struct {
	mu   sync.Mutex
	cfg  *config.Config
	opts WorkspaceOptions

	workdir      string
	skipGitCheck bool
	home         string
}

// NewWorkspace creates a resolver that writes resolved paths back into cfg.
func NewWorkspace(cfg *config.Config, opts WorkspaceOptions) *Workspace {
	return &Workspace{cfg: cfg, opts: opts.withDefaults()}
}

// Reset forgets resolved paths so the next call probes again.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workdir = ""
	w.skipGitCheck = false
	w.home = ""
}

// SkipGitCheck reports whether the resolved workdir lies outside any git
// repository. Only meaningful after EnsureWorkdir succeeded.
func (w *Workspace) SkipGitCheck() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipGitCheck
}

// slowDirectoryPrep is how long workdir resolution may take before it is
// logged as a warning. Network home directories are the usual cause.
const slowDirectoryPrep = time.Second

// EnsureWorkdir returns a writable working directory, creating it if needed.
func (w *Workspace) EnsureWorkdir() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureWorkdirLocked()
}

func (w *Workspace) ensureWorkdirLocked() (string, error) {
	if w.workdir != "" {
		return w.workdir, nil
	}

	timer := logging.StartTimer(logging.CategoryWorkspace, "workdir resolution")
	defer timer.StopWithThreshold(slowDirectoryPrep)

	requested := w.expand(w.cfg.Codex.Workdir)
	candidates := []string{requested, filepath.Join(w.opts.TempDir(), "codex-workdir")}
	if cache, err := w.opts.CacheDir(); err == nil && cache != "" {
		candidates = append(candidates, filepath.Join(cache, "codex-wrapper"))
	} else if home, err := w.opts.HomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".cache", "codex-wrapper"))
	}

	resolved, err := w.firstWritable(dedupe(candidates), "work")
	if err != nil {
		return "", newError(KindDirectoryPreparation, StatusServerError, err,
			"Failed to prepare Codex work directory (%s)", joinDetail(err))
	}

	if canonical(resolved) != canonical(requested) {
		logging.WorkspaceWarn("CODEX_WORKDIR '%s' is not writable; falling back to '%s'", requested, resolved)
	}

	w.workdir = resolved
	w.skipGitCheck = !insideGitRepository(resolved)
	w.cfg.Codex.Workdir = resolved
	logging.WorkspaceDebug("workdir resolved to %s (skip_git_check=%v)", resolved, w.skipGitCheck)
	return resolved, nil
}

// EnsureHome returns a writable CODEX_HOME and exports it to the process
// environment so children inherit it.
func (w *Workspace) EnsureHome() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureHomeLocked()
}

func (w *Workspace) ensureHomeLocked() (string, error) {
	if w.home != "" {
		return w.home, nil
	}

	var candidates []string
	if dir := w.cfg.Codex.ConfigDir; dir != "" {
		candidates = append(candidates, w.expand(dir))
	}
	if env := w.opts.Getenv("CODEX_HOME"); env != "" {
		candidates = append(candidates, w.expand(env))
	}
	workdir := w.workdir
	if workdir == "" {
		workdir = w.expand(w.cfg.Codex.Workdir)
	}
	if workdir != "" {
		candidates = append(candidates, filepath.Join(workdir, ".codex"))
	}
	candidates = append(candidates, filepath.Join(w.opts.TempDir(), "codex"))
	// The user's own ~/.codex is the last resort: profile overrides are
	// copied into whatever home wins.
	if home, err := w.opts.HomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".codex"))
	}

	candidates = dedupe(candidates)
	resolved, err := w.firstWritable(candidates, "home")
	if resolved == "" {
		return "", newError(KindDirectoryPreparation, StatusServerError, err,
			"Failed to prepare Codex home directory (%s)", joinDetail(err))
	}
	fellBack := err != nil
	if fellBack {
		logging.WorkspaceWarn("Using Codex home directory '%s' after fallback (previous attempts: %s)", resolved, joinDetail(err))
	}

	if err := w.exportHome(resolved, fellBack); err != nil {
		return "", newError(KindDirectoryPreparation, StatusServerError, err,
			"Failed to export CODEX_HOME '%s': %v", resolved, err)
	}

	w.home = resolved
	w.cfg.Codex.ConfigDir = resolved
	return resolved, nil
}

func (w *Workspace) exportHome(resolved string, fellBack bool) error {
	previous := w.opts.Getenv("CODEX_HOME")
	if previous == resolved {
		return nil
	}
	switch {
	case previous != "" && fellBack:
		logging.WorkspaceWarn("Overriding unusable CODEX_HOME '%s' with '%s'.", previous, resolved)
	case previous != "":
		logging.Workspace("Updating CODEX_HOME from '%s' to '%s'.", previous, resolved)
	case fellBack:
		logging.WorkspaceWarn("Setting CODEX_HOME to fallback directory '%s'.", resolved)
	default:
		logging.Workspace("Setting CODEX_HOME to '%s'.", resolved)
	}
	return w.opts.Setenv("CODEX_HOME", resolved)
}

// firstWritable returns the first candidate that can be created and written.
// The returned error joins every failed attempt, even when a later candidate
// succeeded.
func (w *Workspace) firstWritable(candidates []string, label string) (string, error) {
	var errs []error
	for _, dir := range candidates {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.WorkspaceWarn("Unable to prepare Codex %s directory '%s': %v", label, dir, err)
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		if err := w.opts.Probe(dir); err != nil {
			logging.WorkspaceWarn("Unable to prepare Codex %s directory '%s': %v", label, dir, err)
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		return dir, errors.Join(errs...)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no candidates"))
	}
	return "", errors.Join(errs...)
}

// ApplyProfileOverrides copies opt-in AGENTS.md and config.toml overrides from
// the profile directory into CODEX_HOME. It resolves the home only when there
// is something to copy.
func (w *Workspace) ApplyProfileOverrides() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	source := DefaultProfileDir
	if dir := w.cfg.Codex.ProfileDir; dir != "" {
		source = w.expand(dir)
	}
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil
	}

	type copyJob struct {
		src, dest, legacy, primary string
	}
	var jobs []copyJob
	for _, pf := range profileFiles {
		for i, name := range append([]string{pf.primary}, pf.legacy...) {
			path := filepath.Join(source, name)
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				job := copyJob{src: path, dest: pf.dest, primary: pf.primary}
				if i > 0 {
					job.legacy = name
				}
				jobs = append(jobs, job)
				break
			}
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	home, err := w.ensureHomeLocked()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		dest := filepath.Join(home, job.dest)
		if err := copyFile(job.src, dest); err != nil {
			return newError(KindProfileCopy, StatusServerError, err,
				"Failed to copy '%s' to '%s': %v", job.src, dest, err)
		}
		if job.legacy != "" {
			logging.WorkspaceWarn("Codex profile override using legacy filename '%s'; rename to '%s' for future compatibility.",
				job.legacy, job.primary)
		}
		logging.Workspace("Applied Codex profile override: %s -> %s", job.src, dest)
	}
	return nil
}

func (w *Workspace) expand(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		if home, err := w.opts.HomeDir(); err == nil && home != "" {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// probeWritable creates, writes and removes a codex-perm-* file in dir.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, "codex-perm-")
	if err != nil {
		return fmt.Errorf("write test failed: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)

	if _, err := f.WriteString("codex"); err != nil {
		f.Close()
		return fmt.Errorf("write test failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write test failed: %w", err)
	}
	return nil
}

func insideGitRepository(dir string) bool {
	current := canonical(dir)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return false
		}
		current = parent
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// canonical returns an absolute, symlink-free form of path where possible.
func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		key := filepath.Clean(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// joinDetail renders a joined error on one line.
func joinDetail(err error) string {
	if err == nil {
		return "no candidates"
	}
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
