package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Home returns the claudecron home directory.
// Priority order:
//  1. CLAUDECRON_HOME environment variable (if set)
//  2. $HOME/.claude/claudecron
//  3. .claude/claudecron under the current working directory (fallback)
//
// The directory is created if it doesn't exist.
func Home() (string, error) {
	if home := os.Getenv("CLAUDECRON_HOME"); home != "" {
		if err := os.MkdirAll(home, 0755); err != nil {
			return "", fmt.Errorf("create claudecron home directory: %w", err)
		}
		return home, nil
	}

	base, err := os.UserHomeDir()
	if err != nil {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		base = cwd
	}

	dir := filepath.Join(base, ".claude", "claudecron")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create claudecron home directory: %w", err)
	}
	return dir, nil
}

// DefaultStoragePath returns the local database path used when the
// configuration declares none: $CLAUDECRON_HOME/tasks.db. Directory
// creation is deferred to the store.
func DefaultStoragePath() string {
	if home := os.Getenv("CLAUDECRON_HOME"); home != "" {
		return filepath.Join(home, "tasks.db")
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "claudecron", "tasks.db")
	}
	return filepath.Join(base, ".claude", "claudecron", "tasks.db")
}

// LockPath returns the path of the single-instance lock file.
func LockPath() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "claudecron.lock"), nil
}
