// Package audit records the envelope history.
//
// Events describe accepted transitions and are appended inside the caller's
// transaction so the state change and its record commit together. Conflicts
// describe rejected attempts; they are written best-effort after the rejecting
// transaction has rolled back and never change what the caller sees.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"envtrack/internal/logging"
	"envtrack/internal/store"
)

// Event is an immutable record of one realized transition.
type Event struct {
	ID          int64     `json:"id"`
	EnvelopeKey string    `json:"envelope_key"`
	Actor       string    `json:"actor"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	FromHolder  string    `json:"from_holder,omitempty"`
	ToHolder    string    `json:"to_holder,omitempty"`
	Operation   string    `json:"operation"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conflict is a record of a rejected operation attempt.
type Conflict struct {
	ID         int64          `json:"id"`
	SubjectKey string         `json:"subject_key"`
	Code       string         `json:"error_code"`
	Actor      string         `json:"actor,omitempty"`
	Location   string         `json:"location,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Execer is satisfied by *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendEvent inserts ev using exec, normally the transaction that applied
// the state change.
func AppendEvent(ctx context.Context, exec Execer, ev Event) (int64, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := exec.ExecContext(ctx, `INSERT INTO events
		(envelope_key, actor, from_status, to_status, from_holder, to_holder, operation, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EnvelopeKey,
		ev.Actor,
		ev.FromStatus,
		ev.ToStatus,
		store.NullableString(ev.FromHolder),
		store.NullableString(ev.ToHolder),
		ev.Operation,
		store.NullableString(ev.Comment),
		store.FormatTime(ev.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// Log reads the audit tables and writes conflict entries.
type Log struct {
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewLog returns a Log backed by db.
func NewLog(db *store.DB, logger *slog.Logger) *Log {
	return &Log{
		db:     db,
		logger: logging.NewComponentLogger(logger, "audit"),
		now:    time.Now,
	}
}

// RecordConflict persists c. Failures are logged and swallowed.
func (l *Log) RecordConflict(ctx context.Context, c Conflict) {
	if l == nil || l.db == nil {
		return
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now()
	}
	var details any
	if len(c.Details) > 0 {
		encoded, err := json.Marshal(c.Details)
		if err != nil {
			l.logger.Warn("conflict details not encodable",
				logging.String(logging.FieldEnvelopeKey, c.SubjectKey),
				logging.Error(err),
			)
		} else {
			details = string(encoded)
		}
	}
	_, err := l.db.ExecWithRetry(ctx, `INSERT INTO conflict_log
		(subject_key, error_code, actor, location, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.SubjectKey,
		c.Code,
		store.NullableString(c.Actor),
		store.NullableString(c.Location),
		details,
		store.FormatTime(c.CreatedAt),
	)
	if err != nil {
		l.logger.Warn("conflict log write failed",
			logging.String(logging.FieldEnvelopeKey, c.SubjectKey),
			logging.ErrorCode(c.Code),
			logging.Error(err),
		)
	}
}

// Events returns the newest events for key, newest first.
func (l *Log) Events(ctx context.Context, key string, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, envelope_key, actor, from_status, to_status,
		from_holder, to_holder, operation, comment, created_at
		FROM events WHERE envelope_key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of events recorded for key.
func (l *Log) CountEvents(ctx context.Context, key string) (int, error) {
	var count int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM events WHERE envelope_key = ?", key).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Conflicts returns the newest conflict entries for key, newest first.
func (l *Log) Conflicts(ctx context.Context, key string, limit int) ([]Conflict, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, subject_key, error_code, actor, location, details_json, created_at
		FROM conflict_log WHERE subject_key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var (
			c         Conflict
			actor     sql.NullString
			location  sql.NullString
			details   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.SubjectKey, &c.Code, &actor, &location, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Actor = actor.String
		c.Location = location.String
		c.CreatedAt = store.MustParseTime(createdAt)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &c.Details); err != nil {
				return nil, fmt.Errorf("decode conflict details: %w", err)
			}
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

func scanEvent(scanner store.Scanner) (Event, error) {
	var (
		ev         Event
		fromHolder sql.NullString
		toHolder   sql.NullString
		comment    sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&ev.ID, &ev.EnvelopeKey, &ev.Actor, &ev.FromStatus, &ev.ToStatus,
		&fromHolder, &toHolder, &ev.Operation, &comment, &createdAt); err != nil {
		return Event{}, err
	}
	ev.FromHolder = fromHolder.String
	ev.ToHolder = toHolder.String
	ev.Comment = comment.String
	ev.CreatedAt = store.MustParseTime(createdAt)
	return ev, nil
}
