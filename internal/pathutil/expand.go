package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and a leading "~" in a configured
// path. Blank input stays blank.
func Expand(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}

	return filepath.Clean(expanded), nil
}

// ExpandAll expands each path in place and stops at the first failure.
func ExpandAll(paths ...*string) error {
	for _, p := range paths {
		if p == nil {
			continue
		}
		expanded, err := Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	home = strings.TrimSpace(home)
	if home == "" || strings.HasPrefix(home, "~") {
		return "", fmt.Errorf("home dir is not resolved: %q", home)
	}
	return home, nil
}
