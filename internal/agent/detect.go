package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DetectOption is a single strategy for locating an agent's executable.
type DetectOption func() (string, bool)

// WithExplicitPath accepts a configured path when it points at an executable
// file. Supports ~ expansion.
func WithExplicitPath(path string) DetectOption {
	return func() (string, bool) {
		if path == "" {
			return "", false
		}
		p := expandHome(path)
		if isExecutable(p) {
			return p, true
		}
		return "", false
	}
}

// WithLookPath searches the process PATH.
func WithLookPath(name string) DetectOption {
	return func() (string, bool) {
		p, err := exec.LookPath(name)
		if err != nil {
			return "", false
		}
		return p, true
	}
}

// WithWellKnownDirs checks common npm-global and per-user install locations
// that are not always on PATH when the server runs daemonized.
func WithWellKnownDirs(name string) DetectOption {
	return func() (string, bool) {
		dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append([]string{
				filepath.Join(home, ".local", "bin"),
				filepath.Join(home, "bin"),
				filepath.Join(home, ".npm-global", "bin"),
			}, dirs...)
		}
		for _, dir := range dirs {
			p := filepath.Join(dir, name)
			if isExecutable(p) {
				return p, true
			}
		}
		return "", false
	}
}

// detectBinary returns the first strategy that locates the executable. When
// nothing matches it falls back to the bare name so the spawn itself reports
// cli_not_installed.
func detectBinary(configured, name string) string {
	opts := []DetectOption{
		WithExplicitPath(configured),
		WithLookPath(name),
		WithWellKnownDirs(name),
	}
	for _, opt := range opts {
		if p, ok := opt(); ok {
			return p
		}
	}
	return name
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
