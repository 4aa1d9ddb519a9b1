package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"envtrack/internal/faults"
	"envtrack/internal/store"
)

const (
	defaultNotePageSize = 20
	maxNotePageSize     = 100
)

// GlobalMachine is the machine id stored for product notes that apply to
// every machine.
const GlobalMachine = "*"

// Store persists operator notes and product-machine notes.
type Store struct {
	db  *store.DB
	now func() time.Time
}

// NewStore returns a Store backed by db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return faults.Newf(faults.CodeValidation, "%s is required", field)
	}
	return nil
}

// NoteExists reports whether an active note with id exists in scope.
func (s *Store) NoteExists(ctx context.Context, scope Scope, id int64) (bool, error) {
	return noteExists(ctx, s.db, scope, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func noteExists(ctx context.Context, q queryRower, scope Scope, id int64) (bool, error) {
	var table string
	switch scope {
	case ScopeOperatorNote:
		table = "operator_notes"
	case ScopeProductMachineNote:
		table = "product_machine_notes"
	default:
		return false, faults.Newf(faults.CodeValidation, "unknown note scope %q", scope)
	}
	var found int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ? AND is_active = 1", id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check note: %w", err)
	}
	return true, nil
}

// OperatorNote is a note left by an operator about an envelope on a machine.
type OperatorNote struct {
	ID          int64     `json:"id"`
	EnvelopeKey string    `json:"envelope_key"`
	MachineID   string    `json:"machine_id"`
	Content     Content   `json:"content"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// CreateOperatorNoteRequest carries the fields of a new operator note.
type CreateOperatorNoteRequest struct {
	EnvelopeKey string
	MachineID   string
	Content     Content
	Actor       string
}

// CreateOperatorNote validates and stores a new operator note.
func (s *Store) CreateOperatorNote(ctx context.Context, req CreateOperatorNoteRequest) (OperatorNote, error) {
	req.EnvelopeKey = strings.TrimSpace(req.EnvelopeKey)
	req.MachineID = strings.TrimSpace(req.MachineID)
	req.Actor = strings.TrimSpace(req.Actor)
	if err := errors.Join(required("envelope_key", req.EnvelopeKey), required("machine_id", req.MachineID), required("actor", req.Actor)); err != nil {
		return OperatorNote{}, faults.From(err)
	}
	if err := req.Content.Validate(); err != nil {
		return OperatorNote{}, faults.Wrap(faults.CodeValidation, "operator note", err.Error(), nil)
	}
	body, err := req.Content.Body()
	if err != nil {
		return OperatorNote{}, faults.Wrap(faults.CodeValidation, "operator note", err.Error(), nil)
	}

	now := s.now().UTC()
	res, err := s.db.ExecWithRetry(ctx,
		`INSERT INTO operator_notes (envelope_key, machine_id, note_kind, content_json, created_by, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.EnvelopeKey, req.MachineID, string(req.Content.Kind), string(body), req.Actor,
		store.FormatTime(now), store.FormatTime(now),
	)
	if err != nil {
		return OperatorNote{}, faults.Wrap(faults.CodeStorageFailure, "insert operator note", "", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return OperatorNote{}, faults.Wrap(faults.CodeStorageFailure, "insert operator note", "read id", err)
	}
	return OperatorNote{
		ID:          id,
		EnvelopeKey: req.EnvelopeKey,
		MachineID:   req.MachineID,
		Content:     req.Content,
		CreatedBy:   req.Actor,
		CreatedAt:   now,
		ModifiedAt:  now,
	}, nil
}

// OperatorNotePage is one page of operator notes, newest first.
type OperatorNotePage struct {
	Notes      []OperatorNote `json:"notes"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func parseCursor(cursor string) (string, int64, error) {
	ts, rawID, ok := strings.Cut(cursor, ",")
	if !ok {
		return "", 0, faults.New(faults.CodeValidation, "invalid cursor")
	}
	if _, err := store.ParseTime(ts); err != nil {
		return "", 0, faults.New(faults.CodeValidation, "invalid cursor")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, faults.New(faults.CodeValidation, "invalid cursor")
	}
	return ts, id, nil
}

// ListOperatorNotes pages through the active notes for an envelope on a
// machine. An empty cursor starts from the newest note.
func (s *Store) ListOperatorNotes(ctx context.Context, envelopeKey, machineID string, limit int, cursor string) (OperatorNotePage, error) {
	if limit <= 0 {
		limit = defaultNotePageSize
	}
	limit = min(limit, maxNotePageSize)

	query := `SELECT id, envelope_key, machine_id, note_kind, content_json, created_by, created_at, modified_at
		FROM operator_notes
		WHERE envelope_key = ? AND machine_id = ? AND is_active = 1`
	args := []any{strings.TrimSpace(envelopeKey), strings.TrimSpace(machineID)}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		ts, id, err := parseCursor(cursor)
		if err != nil {
			return OperatorNotePage{}, err
		}
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, ts, ts, id)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return OperatorNotePage{}, faults.Wrap(faults.CodeStorageFailure, "list operator notes", "", err)
	}
	defer rows.Close()

	page := OperatorNotePage{Notes: []OperatorNote{}}
	var lastCreated string
	for rows.Next() {
		var (
			note       OperatorNote
			kind       string
			body       string
			createdBy  sql.NullString
			createdRaw string
			modRaw     string
		)
		if err := rows.Scan(&note.ID, &note.EnvelopeKey, &note.MachineID, &kind, &body, &createdBy, &createdRaw, &modRaw); err != nil {
			return OperatorNotePage{}, faults.Wrap(faults.CodeStorageFailure, "scan operator note", "", err)
		}
		if len(page.Notes) == limit {
			page.NextCursor = lastCreated + "," + strconv.FormatInt(page.Notes[limit-1].ID, 10)
			break
		}
		content, err := DecodeContent(Kind(kind), []byte(body))
		if err != nil {
			return OperatorNotePage{}, faults.Internal("decode operator note", err)
		}
		note.Content = content
		note.CreatedBy = createdBy.String
		note.CreatedAt = store.MustParseTime(createdRaw)
		note.ModifiedAt = store.MustParseTime(modRaw)
		page.Notes = append(page.Notes, note)
		lastCreated = createdRaw
	}
	if err := rows.Err(); err != nil {
		return OperatorNotePage{}, faults.Wrap(faults.CodeStorageFailure, "list operator notes", "", err)
	}
	return page, nil
}

// DeleteOperatorNote soft-deletes an active operator note.
func (s *Store) DeleteOperatorNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecWithRetry(ctx,
		"UPDATE operator_notes SET is_active = 0, modified_at = ? WHERE id = ? AND is_active = 1",
		store.FormatTime(s.now()), id,
	)
	if err != nil {
		return faults.Wrap(faults.CodeStorageFailure, "delete operator note", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.CodeStorageFailure, "delete operator note", "", err)
	}
	if affected == 0 {
		return faults.Newf(faults.CodeNotFound, "operator note %d not found", id)
	}
	return nil
}
