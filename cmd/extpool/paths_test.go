package main

import (
	"path/filepath"
	"testing"
)

func TestResolvePathsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("EXTPOOL_HOME", home)
	t.Setenv("EXTPOOL_EVENTS_DB", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.Home != home {
		t.Errorf("expected home %q, got %q", home, paths.Home)
	}
	if paths.EventLogPath != filepath.Join(home, "events.db") {
		t.Errorf("unexpected event log path: %q", paths.EventLogPath)
	}
	if paths.CachePath != filepath.Join(home, "cache") {
		t.Errorf("unexpected cache path: %q", paths.CachePath)
	}
}

func TestResolvePathsEnvOverride(t *testing.T) {
	t.Setenv("EXTPOOL_HOME", t.TempDir())
	t.Setenv("EXTPOOL_EVENTS_DB", "/custom/events.db")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if paths.EventLogPath != "/custom/events.db" {
		t.Errorf("expected env override, got %q", paths.EventLogPath)
	}
}
