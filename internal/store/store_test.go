package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"envtrack/internal/store"
	"envtrack/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	for _, table := range []string{"envelopes", "events", "conflict_log", "operator_notes", "product_machine_notes", "notes_history", "note_images"} {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
			t.Fatalf("query table %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
	if db.Path() != filepath.Join(cfg.Paths.DataDir, "envtrack.db") {
		t.Fatalf("unexpected database path %q", db.Path())
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	second := testsupport.MustOpenStore(t, cfg)
	if err := second.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.ExecWithRetry(context.Background(), "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := store.Open(cfg); !errors.Is(err, store.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflict_log (subject_key, error_code, created_at) VALUES (?, ?, ?)`,
			"E1", "NOT_FOUND", store.FormatTime(time.Now())); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM conflict_log").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to discard insert, found %d rows", count)
	}
}

func TestEnvelopeInvariantsEnforcedBySchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	now := store.FormatTime(time.Now())

	cases := []struct {
		name       string
		status     string
		holderType string
		section    any
	}{
		{name: "production off machine", status: "IN_PRODUCTION", holderType: "FLOOR", section: nil},
		{name: "machine outside production", status: "ISSUED_TO_FLOOR", holderType: "MACHINE", section: nil},
		{name: "warehouse without section", status: "IN_WAREHOUSE", holderType: "WAREHOUSE", section: nil},
		{name: "section outside warehouse", status: "ISSUED_TO_FLOOR", holderType: "CART_OUT", section: "A"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.ExecWithRetry(ctx, `INSERT INTO envelopes
				(envelope_key, product_ref, status, holder_id, holder_type, warehouse_section, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				"bad-"+tc.name, "RCS1", tc.status, "H", tc.holderType, tc.section, now, now)
			if err == nil {
				t.Fatal("expected CHECK constraint violation")
			}
		})
	}
}

func TestTimeRoundTripKeepsOrdering(t *testing.T) {
	earlier := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(1500 * time.Microsecond)

	a, b := store.FormatTime(earlier), store.FormatTime(later)
	if !(a < b) {
		t.Fatalf("expected lexical order %q < %q", a, b)
	}
	parsed, err := store.ParseTime(b)
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !parsed.Equal(later) {
		t.Fatalf("expected %v, got %v", later, parsed)
	}
	if store.Placeholders(3) != "?,?,?" {
		t.Fatalf("unexpected placeholders %q", store.Placeholders(3))
	}
}
