// Package presets reads the model presets shipped with the codex sources and
// the models named in codex's own config.toml.
package presets

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"

	"codexproxy/internal/codex"
	"codexproxy/internal/logging"
)

// DefaultModel is the pseudo-model that leaves model selection to codex.
const DefaultModel = "codex-cli"

var (
	fallbackModels   = []string{DefaultModel, "gpt-5.1"}
	defaultEfforts   = []string{"low", "medium", "high"}
	excludedPrefixes = []string{"swiftfox"}

	modelPattern  = regexp.MustCompile(`model:\s*"([^"]+)"`)
	effortPattern = regexp.MustCompile(`effort:\s*(?:Some\()?\s*ReasoningEffort::([A-Za-z]+)\)?`)
)

const presetMarker = "ModelPreset"

// ErrNoModels is returned by ListModels when neither presets nor config name a model.
var ErrNoModels = errors.New("Unable to list Codex models (no builtin presets or config entries found)")

// Entry is one (model, effort) preset. Effort is empty when the preset has none.
type Entry struct {
	Model  string
	Effort string
}

// Loader parses the preset file on first use and caches the result for the
// life of the process, including an empty result on failure.
type Loader struct {
	path string

	once    sync.Once
	entries []Entry
}

// NewLoader creates a loader reading path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the parsed presets.
func (l *Loader) Load() []Entry {
	l.once.Do(func() {
		defer logging.StartTimer(logging.CategoryPresets, "preset load").Stop()

		data, err := os.ReadFile(l.path)
		if err != nil {
			if os.IsNotExist(err) {
				logging.PresetsWarn("Codex model preset file not found: %s", l.path)
			} else {
				logging.PresetsWarn("Failed to read Codex model presets from %s: %v", l.path, err)
			}
			l.entries = []Entry{}
			return
		}
		l.entries = Parse(string(data))
		if len(l.entries) == 0 {
			logging.PresetsWarn("Parsed zero Codex model presets from %s", l.path)
			return
		}
		logging.PresetsDebug("parsed %d model presets from %s", len(l.entries), l.path)
	})
	return l.entries
}

// Parse extracts presets from the source of model_presets.rs. A block with
// several efforts yields one entry per effort in source order, and an effort
// repeated within the same block is reported once.
func Parse(text string) []Entry {
	entries := []Entry{}
	for _, block := range presetBlocks(text) {
		m := modelPattern.FindStringSubmatch(block)
		if m == nil {
			continue
		}
		model := strings.TrimSpace(m[1])
		if model == "" || hasExcludedPrefix(model) {
			continue
		}

		efforts := effortPattern.FindAllStringSubmatch(block, -1)
		if len(efforts) == 0 {
			entries = append(entries, Entry{Model: model})
			continue
		}
		seen := make(map[string]bool, len(efforts))
		for _, e := range efforts {
			effort := strings.ToLower(e[1])
			if seen[effort] {
				continue
			}
			seen[effort] = true
			entries = append(entries, Entry{Model: model, Effort: effort})
		}
	}
	return entries
}

// presetBlocks returns the body of every "ModelPreset { ... }" literal.
// Braces are counted without regard to strings, which the preset source
// never needs.
func presetBlocks(text string) []string {
	var blocks []string
	idx := 0
	for idx < len(text) {
		start := strings.Index(text[idx:], presetMarker)
		if start < 0 {
			break
		}
		pos := idx + start + len(presetMarker)
		for pos < len(text) && (text[pos] == ' ' || text[pos] == '\t' || text[pos] == '\n' || text[pos] == '\r') {
			pos++
		}
		if pos >= len(text) || text[pos] != '{' {
			idx = idx + start + len(presetMarker)
			continue
		}

		depth := 0
		end := -1
		for i := pos; i < len(text); i++ {
			switch text[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			break
		}
		blocks = append(blocks, text[pos+1:end])
		idx = end + 1
	}
	return blocks
}

func hasExcludedPrefix(model string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// ReasoningAliases maps each model to the reasoning efforts its presets
// allow. The default model always offers low, medium and high.
func (l *Loader) ReasoningAliases() map[string][]string {
	aliases := make(map[string][]string)
	for _, e := range l.Load() {
		if e.Effort == "" || !codex.IsAllowedEffort(e.Effort) {
			continue
		}
		aliases[e.Model] = appendUnique(aliases[e.Model], e.Effort)
	}
	for _, effort := range defaultEfforts {
		aliases[DefaultModel] = appendUnique(aliases[DefaultModel], effort)
	}
	return aliases
}

// ListModels returns the models from the presets and from the first
// readable config.toml under configDirs, with the fallback models first.
func (l *Loader) ListModels(configDirs ...string) ([]string, error) {
	var models []string
	for _, e := range l.Load() {
		models = appendUnique(models, e.Model)
	}
	for _, m := range modelsFromConfig(configDirs) {
		models = appendUnique(models, m)
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	models = appendUnique(models, "gpt-5")
	for i := len(fallbackModels) - 1; i >= 0; i-- {
		if !contains(models, fallbackModels[i]) {
			models = append([]string{fallbackModels[i]}, models...)
		}
	}
	logging.PresetsDebug("Resolved Codex models from presets/config: %s", strings.Join(models, ", "))
	return models, nil
}

// ConfigDirs returns the directories searched for config.toml, in order:
// the configured codex home, $CODEX_HOME and ~/.codex.
func ConfigDirs(configDir string) []string {
	var dirs []string
	if configDir != "" {
		dirs = append(dirs, configDir)
	}
	if env := os.Getenv("CODEX_HOME"); env != "" {
		dirs = append(dirs, env)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".codex"))
	}
	return dirs
}

func modelsFromConfig(dirs []string) []string {
	var problems []string
	seen := map[string]bool{}
	for _, dir := range dirs {
		path := filepath.Join(dir, "config.toml")
		if seen[path] {
			continue
		}
		seen[path] = true

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.PresetsWarn("Unable to read Codex config '%s': %v", path, err)
				problems = append(problems, path+": "+err.Error())
			}
			continue
		}
		tree, err := toml.LoadBytes(data)
		if err != nil {
			logging.PresetsWarn("Failed to parse Codex config '%s': %v", path, err)
			problems = append(problems, path+": "+err.Error())
			continue
		}
		if models := modelsFromTree(tree); len(models) > 0 {
			return models
		}
	}
	if len(problems) > 0 {
		logging.PresetsDebug("Skipped Codex config models because: %s", strings.Join(problems, "; "))
	}
	return nil
}

// modelsFromTree collects the top-level model and every profiles.<name>.model
// in file order. A "-codex" model also exposes its base name.
func modelsFromTree(tree *toml.Tree) []string {
	var models []string
	if m, ok := tree.GetPath([]string{"model"}).(string); ok && m != "" {
		models = append(models, m)
	}

	if profiles, ok := tree.GetPath([]string{"profiles"}).(*toml.Tree); ok {
		names := profiles.Keys()
		sort.SliceStable(names, func(i, j int) bool {
			pi := profiles.GetPositionPath([]string{names[i]})
			pj := profiles.GetPositionPath([]string{names[j]})
			if pi.Line != pj.Line {
				return pi.Line < pj.Line
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			profile, ok := profiles.GetPath([]string{name}).(*toml.Tree)
			if !ok {
				continue
			}
			if m, ok := profile.GetPath([]string{"model"}).(string); ok && m != "" {
				models = append(models, m)
			}
		}
	}

	var out []string
	for _, m := range models {
		out = appendUnique(out, m)
	}
	for _, m := range models {
		if base := strings.TrimSuffix(m, "-codex"); base != m && base != "" {
			out = appendUnique(out, base)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
