package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds the resolved extpool state file locations.
type Paths struct {
	Home         string // ~/.extpool or EXTPOOL_HOME
	EventLogPath string // events.db or EXTPOOL_EVENTS_DB
	CachePath    string // editor download cache
}

// ResolvePaths returns all extpool paths, respecting env var overrides.
// Environment variables:
//   - EXTPOOL_HOME: base directory for all state (default: ~/.extpool)
//   - EXTPOOL_EVENTS_DB: event trace database (default: $EXTPOOL_HOME/events.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:         home,
		EventLogPath: resolvePathWithEnv("EXTPOOL_EVENTS_DB", home, "events.db"),
		CachePath:    filepath.Join(home, "cache"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("EXTPOOL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".extpool"), nil
}

func resolvePathWithEnv(envVar, base, filename string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, filename)
}
