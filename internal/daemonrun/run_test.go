package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"envtrack/internal/testsupport"
)

func TestRunReturnsWhenContextEnds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Run(ctx, cfg, Options{LogLevel: "error"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.DataDir, "envtrackd.pid")); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "envtrack.log")); err != nil {
		t.Fatalf("expected current log pointer: %v", err)
	}
}

func TestEnsureCurrentLogPointerReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "envtrack-1.log")
	second := filepath.Join(dir, "envtrack-2.log")
	for _, path := range []string{first, second} {
		if err := os.WriteFile(path, []byte(path), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatalf("first pointer failed: %v", err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatalf("second pointer failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "envtrack.log"))
	if err != nil {
		t.Fatalf("read pointer failed: %v", err)
	}
	if string(data) != second {
		t.Fatalf("expected pointer to %s, got %q", second, data)
	}
}
