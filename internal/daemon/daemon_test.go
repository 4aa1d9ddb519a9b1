package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"envtrack/internal/config"
	"envtrack/internal/daemon"
	"envtrack/internal/logging"
	"envtrack/internal/testsupport"
)

func openDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	services, err := daemon.OpenServices(context.Background(), cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("OpenServices failed: %v", err)
	}
	d, err := daemon.New(cfg, services, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running || status.StartedAt == nil {
		t.Fatalf("expected daemon to report running, got %#v", status)
	}
	if status.LastSweep == nil {
		t.Fatal("expected startup sweep result")
	}
	if status.APIAddress == "" {
		t.Fatal("expected bound api address")
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonHoldsDataDirectoryLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := daemon.TryLock(cfg); !errors.Is(err, daemon.ErrLocked) {
		t.Fatalf("expected ErrLocked while daemon runs, got %v", err)
	}

	d.Stop()
	lock, err := daemon.TryLock(cfg)
	if err != nil {
		t.Fatalf("expected lock after stop, got %v", err)
	}
	_ = lock.Unlock()
}

func TestDaemonServesStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := openDaemon(t, cfg)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + d.Status(ctx).APIAddress + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.StatusCode)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.Running || status.DatabasePath != cfg.DatabasePath() {
		t.Fatalf("unexpected status: %#v", status)
	}
}

func TestStartupSweepRemovesStaleOrphans(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	orphan := filepath.Join(cfg.Paths.ImageDir, "2026", "01", "stale.webp")
	if err := os.MkdirAll(filepath.Dir(orphan), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(orphan, []byte("orphan"), 0o644); err != nil {
		t.Fatalf("write orphan failed: %v", err)
	}
	old := time.Now().Add(-2*cfg.OrphanGrace() - time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	d := openDaemon(t, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphan removed, stat err %v", err)
	}
	sweep := d.Status(context.Background()).LastSweep
	if sweep == nil || len(sweep.Removed) != 1 {
		t.Fatalf("unexpected sweep result: %#v", sweep)
	}
}
