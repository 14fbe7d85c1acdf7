package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/runit/internal/pathutil"
)

const (
	lockFileName  = "provider.lock"
	stateFileName = "state.json"
)

// ResolveStateDir resolves the configured state directory.
// If empty, it falls back to ~/.runit.
func ResolveStateDir(stateDir string) (string, error) {
	if trimmed := strings.TrimSpace(stateDir); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".runit"), nil
}

// GetLockPath returns the single-instance lock file path.
func GetLockPath(stateDir string) (string, error) {
	base, err := ResolveStateDir(stateDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, lockFileName), nil
}

// GetStatePath returns the persisted lifecycle state path.
func GetStatePath(stateDir string) (string, error) {
	base, err := ResolveStateDir(stateDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, stateFileName), nil
}
