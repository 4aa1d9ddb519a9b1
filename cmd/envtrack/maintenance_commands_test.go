package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestImagesSweep(t *testing.T) {
	env := setupCLITestEnv(t)

	stale := filepath.Join(env.cfg.Paths.ImageDir, "2026", "01", "stale.webp")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("orphan"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	out := env.mustRun(t, "images", "sweep", "--dry-run")
	requireContains(t, out, "Would remove")
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("dry run removed the file: %v", err)
	}

	out = env.mustRun(t, "images", "sweep")
	requireContains(t, out, "Removed")
	requireContains(t, out, "1 orphaned")
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected orphan to be removed, stat err %v", err)
	}
}
