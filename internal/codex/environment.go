package codex

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codexproxy/internal/logging"
)

// buildEnvironment returns base with CODEX_HOME set and, when node is not
// already resolvable, PATH extended with runtime shim directories.
func buildEnvironment(base []string, home, nodePath, userHome string) []string {
	env := setEnv(append([]string(nil), base...), "CODEX_HOME", home)

	path := getEnv(env, "PATH")
	if lookPath("node", path) != "" {
		return env
	}

	var candidates []string
	if nodePath != "" {
		candidates = append(candidates, nodePath)
	}
	candidates = append(candidates, nvmBinDirs(userHome)...)
	if len(candidates) == 0 {
		return env
	}

	parts := filepath.SplitList(path)
	for _, dir := range candidates {
		if !contains(parts, dir) {
			parts = append([]string{dir}, parts...)
		}
		joined := strings.Join(parts, string(os.PathListSeparator))
		if lookPath("node", joined) != "" {
			logging.RunnerDebug("node runtime found via %s", dir)
			return setEnv(env, "PATH", joined)
		}
	}
	return env
}

// nvmBinDirs lists ~/.nvm/versions/node/*/bin, newest name first.
func nvmBinDirs(userHome string) []string {
	if userHome == "" {
		return nil
	}
	root := filepath.Join(userHome, ".nvm", "versions", "node")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var dirs []string
	for _, name := range names {
		bin := filepath.Join(root, name, "bin")
		if info, err := os.Stat(bin); err == nil && info.IsDir() {
			dirs = append(dirs, bin)
		}
	}
	return dirs
}

func getEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
