package envelope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"envtrack/internal/audit"
	"envtrack/internal/faults"
	"envtrack/internal/store"
)

const envelopeColumns = "envelope_key, product_ref, status, holder_id, holder_type, warehouse_section, is_complete, last_operator, created_at, updated_at"

// Store persists envelope rows. Mutations go through Create and Modify so
// every state change is paired with its audit event in one transaction.
type Store struct {
	db *store.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

func scanEnvelope(scanner store.Scanner) (Envelope, error) {
	var (
		env          Envelope
		status       string
		holderType   string
		section      sql.NullString
		isComplete   int
		lastOperator sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(&env.Key, &env.ProductRef, &status, &env.HolderID, &holderType,
		&section, &isComplete, &lastOperator, &createdRaw, &updatedRaw); err != nil {
		return Envelope{}, err
	}
	env.Status = Status(status)
	env.HolderType = HolderType(holderType)
	env.WarehouseSection = section.String
	env.IsComplete = isComplete != 0
	env.LastOperator = lastOperator.String
	env.CreatedAt = store.MustParseTime(createdRaw)
	env.UpdatedAt = store.MustParseTime(updatedRaw)
	return env, nil
}

func notFound(key string) *faults.Error {
	return faults.Newf(faults.CodeNotFound, "envelope %s not found", key)
}

// Get returns the envelope identified by key.
func (s *Store) Get(ctx context.Context, key string) (Envelope, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+envelopeColumns+" FROM envelopes WHERE envelope_key = ?", key)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Envelope{}, notFound(key)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("get envelope: %w", err)
	}
	return env, nil
}

// Create inserts env together with its creation event.
func (s *Store) Create(ctx context.Context, env Envelope, ev audit.Event) (int64, error) {
	if err := env.Validate(); err != nil {
		return 0, faults.Wrap(faults.CodeValidation, "create envelope", err.Error(), nil)
	}
	var eventID int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM envelopes WHERE envelope_key = ?", env.Key).Scan(&exists); err != nil {
			return fmt.Errorf("check envelope: %w", err)
		}
		if exists > 0 {
			return faults.Newf(faults.CodeConflict, "envelope %s already exists", env.Key)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO envelopes ("+envelopeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			env.Key,
			env.ProductRef,
			string(env.Status),
			env.HolderID,
			string(env.HolderType),
			store.NullableString(env.WarehouseSection),
			store.BoolToInt(env.IsComplete),
			store.NullableString(env.LastOperator),
			store.FormatTime(env.CreatedAt),
			store.FormatTime(env.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert envelope: %w", err)
		}
		id, err := audit.AppendEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return eventID, nil
}

// Tx is a write-intent transaction scoped to one envelope.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	current Envelope
	saves   int
	events  int
	eventID int64
	deleted bool
	removed int64
}

// Current returns the row as read at the start of the transaction, updated
// by any Save.
func (t *Tx) Current() Envelope {
	return t.current
}

// Save writes next as the new state of the envelope.
func (t *Tx) Save(next Envelope) error {
	if t.deleted {
		return errors.New("envelope already deleted in this transaction")
	}
	if next.Key != t.current.Key {
		return fmt.Errorf("save envelope: key changed from %s to %s", t.current.Key, next.Key)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("save envelope: %w", err)
	}
	if !CanTransition(t.current.Status, next.Status) {
		return fmt.Errorf("save envelope: transition %s -> %s not allowed", t.current.Status, next.Status)
	}
	_, err := t.tx.ExecContext(t.ctx, `UPDATE envelopes SET
		status = ?, holder_id = ?, holder_type = ?, warehouse_section = ?, is_complete = ?,
		last_operator = ?, updated_at = ?
		WHERE envelope_key = ?`,
		string(next.Status),
		next.HolderID,
		string(next.HolderType),
		store.NullableString(next.WarehouseSection),
		store.BoolToInt(next.IsComplete),
		store.NullableString(next.LastOperator),
		store.FormatTime(next.UpdatedAt),
		next.Key,
	)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	t.current = next
	t.saves++
	return nil
}

// Append records the event describing the change made by Save.
func (t *Tx) Append(ev audit.Event) (int64, error) {
	ev.EnvelopeKey = t.current.Key
	id, err := audit.AppendEvent(t.ctx, t.tx, ev)
	if err != nil {
		return 0, err
	}
	t.events++
	t.eventID = id
	return id, nil
}

// Delete removes the envelope and its events.
func (t *Tx) Delete() (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, "DELETE FROM events WHERE envelope_key = ?", t.current.Key)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM envelopes WHERE envelope_key = ?", t.current.Key); err != nil {
		return 0, fmt.Errorf("delete envelope: %w", err)
	}
	t.deleted = true
	t.removed = removed
	return removed, nil
}

// Outcome reports what a Modify call committed.
type Outcome struct {
	Envelope      Envelope
	Changed       bool
	EventID       int64
	Deleted       bool
	EventsRemoved int64
}

// Modify loads the envelope under the write lock and passes it to fn. When fn
// returns nil the transaction commits; an accepted change must carry exactly
// one event, and a call that changes nothing must carry none.
func (s *Store) Modify(ctx context.Context, key string, fn func(tx *Tx) error) (Outcome, error) {
	var outcome Outcome
	err := s.db.WithTx(ctx, func(sqlTx *sql.Tx) error {
		row := sqlTx.QueryRowContext(ctx, "SELECT "+envelopeColumns+" FROM envelopes WHERE envelope_key = ?", key)
		current, err := scanEnvelope(row)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(key)
		}
		if err != nil {
			return fmt.Errorf("load envelope: %w", err)
		}

		tx := &Tx{ctx: ctx, tx: sqlTx, current: current}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.deleted && tx.saves != tx.events {
			return fmt.Errorf("envelope %s: %d saves recorded with %d events", key, tx.saves, tx.events)
		}
		if tx.events > 1 {
			return fmt.Errorf("envelope %s: %d events recorded in one operation", key, tx.events)
		}
		outcome = Outcome{
			Envelope:      tx.current,
			Changed:       tx.saves > 0,
			EventID:       tx.eventID,
			Deleted:       tx.deleted,
			EventsRemoved: tx.removed,
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// Filter narrows List results.
type Filter struct {
	Statuses []Status
	Page     int
	Limit    int
}

// List returns a page of envelopes ordered by most recent update, plus the
// total number of matching rows.
func (s *Store) List(ctx context.Context, filter Filter) ([]Envelope, int, error) {
	var (
		where strings.Builder
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where.WriteString(" WHERE status IN (" + store.Placeholders(len(filter.Statuses)) + ")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM envelopes"+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count envelopes: %w", err)
	}

	page := max(filter.Page, 1)
	offset := (page - 1) * filter.Limit
	query := "SELECT " + envelopeColumns + " FROM envelopes" + where.String() +
		" ORDER BY updated_at DESC, envelope_key ASC LIMIT ? OFFSET ?"
	envelopes, err := s.query(ctx, query, append(args, filter.Limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return envelopes, total, nil
}

// OnMachine returns the envelope currently in production on machine, or nil.
func (s *Store) OnMachine(ctx context.Context, machine string) (*Envelope, error) {
	envelopes, err := s.query(ctx, "SELECT "+envelopeColumns+` FROM envelopes
		WHERE status = ? AND holder_type = ? AND holder_id = ?
		ORDER BY updated_at DESC LIMIT 1`,
		string(StatusInProduction), string(HolderMachine), machine)
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, nil
	}
	return &envelopes[0], nil
}

// ByStatus returns every envelope in status, most recently updated first.
func (s *Store) ByStatus(ctx context.Context, status Status) ([]Envelope, error) {
	return s.query(ctx, "SELECT "+envelopeColumns+" FROM envelopes WHERE status = ? ORDER BY updated_at DESC", string(status))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return envelopes, nil
}
