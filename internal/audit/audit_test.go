package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"envtrack/internal/audit"
	"envtrack/internal/logging"
	"envtrack/internal/store"
	"envtrack/internal/testsupport"
)

func seedEnvelope(t *testing.T, db *store.DB, key string) {
	t.Helper()
	now := store.FormatTime(time.Now())
	if _, err := db.ExecWithRetry(context.Background(), `INSERT INTO envelopes
		(envelope_key, product_ref, status, holder_id, holder_type, warehouse_section, created_at, updated_at)
		VALUES (?, 'RCS1', 'IN_WAREHOUSE', 'WAREHOUSE-A', 'WAREHOUSE', 'A', ?, ?)`, key, now, now); err != nil {
		t.Fatalf("seed envelope: %v", err)
	}
}

func TestAppendEventInsideTransaction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	seedEnvelope(t, db, "E1")
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, op := range []string{"ISSUE", "LOAD"} {
			if _, err := audit.AppendEvent(ctx, tx, audit.Event{
				EnvelopeKey: "E1",
				Actor:       "op1",
				FromStatus:  "IN_WAREHOUSE",
				ToStatus:    "ISSUED_TO_FLOOR",
				ToHolder:    "CART-7",
				Operation:   op,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	log := audit.NewLog(db, logging.NewNop())
	events, err := log.Events(ctx, "E1", 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Operation != "LOAD" || events[1].Operation != "ISSUE" {
		t.Fatalf("expected newest first, got %s then %s", events[0].Operation, events[1].Operation)
	}
	if events[0].FromHolder != "" || events[0].ToHolder != "CART-7" {
		t.Fatalf("unexpected holders: %#v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected timestamp to be recorded")
	}
}

func TestAppendEventRolledBackWithTransaction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	seedEnvelope(t, db, "E2")
	ctx := context.Background()

	abort := errors.New("abort")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := audit.AppendEvent(ctx, tx, audit.Event{EnvelopeKey: "E2", Actor: "op1", FromStatus: "A", ToStatus: "B", Operation: "ISSUE"}); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	count, err := audit.NewLog(db, nil).CountEvents(ctx, "E2")
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no events after rollback, got %d", count)
	}
}

func TestRecordConflictRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	log := audit.NewLog(db, logging.NewNop())

	log.RecordConflict(ctx, audit.Conflict{
		SubjectKey: "E9",
		Code:       "DUPLICATE_ACTIVE",
		Actor:      "wh1",
		Location:   "CART-7",
		Details:    map[string]any{"current_status": "IN_PRODUCTION", "holder": "PRESS-1"},
	})

	conflicts, err := log.Conflicts(ctx, "E9", 10)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	got := conflicts[0]
	if got.Code != "DUPLICATE_ACTIVE" || got.Actor != "wh1" || got.Location != "CART-7" {
		t.Fatalf("unexpected conflict: %#v", got)
	}
	if got.Details["holder"] != "PRESS-1" {
		t.Fatalf("expected details snapshot, got %v", got.Details)
	}
}

func TestRecordConflictSwallowsWriteFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO conflict_log").
		WillReturnError(errors.New("disk I/O error"))

	log := audit.NewLog(store.Wrap(sqlDB), logging.NewNop())
	log.RecordConflict(context.Background(), audit.Conflict{SubjectKey: "E1", Code: "NOT_FOUND"})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordConflictOnNilLogIsNoop(t *testing.T) {
	var log *audit.Log
	log.RecordConflict(context.Background(), audit.Conflict{SubjectKey: "E1", Code: "NOT_FOUND"})
}
