package codex

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveExecutable locates the codex binary. An absolute name is checked
// directly; anything else is looked up in pathEnv (os PATH format).
func ResolveExecutable(name, pathEnv string) (string, error) {
	if filepath.IsAbs(name) {
		if !isExecutableFile(name) {
			return "", newError(KindExecutableNotFound, StatusServerError, nil,
				"CODEX_PATH '%s' is not executable or not found", name)
		}
		return name, nil
	}

	if found := lookPath(name, pathEnv); found != "" {
		return found, nil
	}
	return "", newError(KindExecutableNotFound, StatusServerError, exec.ErrNotFound,
		"codex binary not found in PATH (CODEX_PATH='%s', PATH='%s'). Install Codex or set CODEX_PATH.", name, pathEnv)
}

// lookPath mirrors exec.LookPath but searches an explicit PATH value, so the
// subprocess environment (which may have extra shim directories) can be used.
func lookPath(name, pathEnv string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutableFile(name) {
			if abs, err := filepath.Abs(name); err == nil {
				return abs
			}
			return name
		}
		return ""
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		for _, candidate := range executableNames(filepath.Join(dir, name)) {
			if isExecutableFile(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func executableNames(base string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(base) != "" {
		return []string{base}
	}
	exts := filepath.SplitList(os.Getenv("PATHEXT"))
	if len(exts) == 0 {
		exts = []string{".com", ".exe", ".bat", ".cmd"}
	}
	names := make([]string, 0, len(exts))
	for _, ext := range exts {
		names = append(names, base+strings.ToLower(ext))
	}
	return names
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}

// isNotFound reports whether a spawn error means the binary vanished.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
