package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"envtrack/internal/faults"
	"envtrack/internal/store"
)

// NoteType distinguishes a note for one product on one machine from a note
// for the product on every machine.
type NoteType string

const (
	NoteSpecific NoteType = "specific"
	NoteGlobal   NoteType = "global"
)

// ParseNoteType validates a note type received from a caller. Empty means
// specific.
func ParseNoteType(raw string) (NoteType, error) {
	switch NoteType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", NoteSpecific:
		return NoteSpecific, nil
	case NoteGlobal:
		return NoteGlobal, nil
	default:
		return "", faults.Newf(faults.CodeValidation, "unknown note type %q", raw)
	}
}

// History operations recorded in notes_history.
const (
	HistoryCreate = "create"
	HistoryEdit   = "edit"
	HistoryDelete = "delete"
)

// ProductMachineNote records the machine setup for a product.
type ProductMachineNote struct {
	ID          int64        `json:"id"`
	ProductCode string       `json:"product_code"`
	MachineID   string       `json:"machine_id"`
	Type        NoteType     `json:"note_type"`
	Content     SetupContent `json:"content"`
	CreatedBy   string       `json:"created_by"`
	ModifiedBy  string       `json:"modified_by"`
	CreatedAt   time.Time    `json:"created_at"`
	ModifiedAt  time.Time    `json:"modified_at"`
}

// ProductMachineNotes holds the notes that apply to a product on a machine.
type ProductMachineNotes struct {
	Specific *ProductMachineNote `json:"specific"`
	Global   *ProductMachineNote `json:"global"`
}

// HistoryEntry is one recorded change to a product-machine note.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	NoteID      int64     `json:"note_id"`
	ProductCode string    `json:"product_code"`
	MachineID   string    `json:"machine_id"`
	OldContent  string    `json:"old_content,omitempty"`
	NewContent  string    `json:"new_content,omitempty"`
	Operation   string    `json:"operation"`
	ChangedBy   string    `json:"changed_by"`
	ChangedAt   time.Time `json:"changed_at"`
}

// SaveProductNoteRequest carries an upsert of a product-machine note.
type SaveProductNoteRequest struct {
	ProductCode string
	MachineID   string
	Type        NoteType
	Content     SetupContent
	Actor       string
}

func machineFor(noteType NoteType, machineID string) string {
	if noteType == NoteGlobal {
		return GlobalMachine
	}
	return strings.TrimSpace(machineID)
}

const productNoteColumns = "id, product_code, machine_id, note_type, content_json, created_by, modified_by, created_at, modified_at, is_active"

func scanProductNote(scanner store.Scanner) (ProductMachineNote, bool, error) {
	var (
		note       ProductMachineNote
		noteType   string
		body       string
		createdBy  sql.NullString
		modifiedBy sql.NullString
		createdRaw string
		modRaw     string
		active     int
	)
	if err := scanner.Scan(&note.ID, &note.ProductCode, &note.MachineID, &noteType, &body,
		&createdBy, &modifiedBy, &createdRaw, &modRaw, &active); err != nil {
		return ProductMachineNote{}, false, err
	}
	content, err := DecodeSetup([]byte(body))
	if err != nil {
		return ProductMachineNote{}, false, err
	}
	note.Type = NoteType(noteType)
	note.Content = content
	note.CreatedBy = createdBy.String
	note.ModifiedBy = modifiedBy.String
	note.CreatedAt = store.MustParseTime(createdRaw)
	note.ModifiedAt = store.MustParseTime(modRaw)
	return note, active != 0, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, entry HistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notes_history (note_id, product_code, machine_id, old_content, new_content, operation_type, changed_by, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.NoteID, entry.ProductCode, entry.MachineID,
		store.NullableString(entry.OldContent), store.NullableString(entry.NewContent),
		entry.Operation, store.NullableString(entry.ChangedBy), store.FormatTime(entry.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("insert note history: %w", err)
	}
	return nil
}

// SaveProductMachineNote creates or replaces the note for (product, machine,
// type). A soft-deleted note is reactivated. Every save is recorded in the
// note history.
func (s *Store) SaveProductMachineNote(ctx context.Context, req SaveProductNoteRequest) (ProductMachineNote, error) {
	if req.Type == "" {
		req.Type = NoteSpecific
	}
	req.ProductCode = strings.TrimSpace(req.ProductCode)
	req.MachineID = machineFor(req.Type, req.MachineID)
	req.Actor = strings.TrimSpace(req.Actor)
	if err := errors.Join(required("product_code", req.ProductCode), required("machine_id", req.MachineID), required("actor", req.Actor)); err != nil {
		return ProductMachineNote{}, faults.From(err)
	}
	if _, err := ParseNoteType(string(req.Type)); err != nil {
		return ProductMachineNote{}, err
	}
	if err := req.Content.Validate(); err != nil {
		return ProductMachineNote{}, faults.Wrap(faults.CodeValidation, "product note", err.Error(), nil)
	}
	body, err := json.Marshal(req.Content)
	if err != nil {
		return ProductMachineNote{}, faults.Internal("encode product note", err)
	}

	now := s.now().UTC()
	var saved ProductMachineNote
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+productNoteColumns+` FROM product_machine_notes
			WHERE product_code = ? AND machine_id = ? AND note_type = ?`, req.ProductCode, req.MachineID, string(req.Type))
		existing, active, scanErr := scanProductNote(row)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `INSERT INTO product_machine_notes
				(product_code, machine_id, note_type, content_json, created_by, modified_by, created_at, modified_at, is_active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				req.ProductCode, req.MachineID, string(req.Type), string(body), req.Actor, req.Actor,
				store.FormatTime(now), store.FormatTime(now))
			if err != nil {
				return fmt.Errorf("insert product note: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert product note: %w", err)
			}
			saved = ProductMachineNote{
				ID: id, ProductCode: req.ProductCode, MachineID: req.MachineID, Type: req.Type,
				Content: req.Content, CreatedBy: req.Actor, ModifiedBy: req.Actor, CreatedAt: now, ModifiedAt: now,
			}
			return appendHistory(ctx, tx, HistoryEntry{
				NoteID: id, ProductCode: req.ProductCode, MachineID: req.MachineID,
				NewContent: string(body), Operation: HistoryCreate, ChangedBy: req.Actor, ChangedAt: now,
			})
		case scanErr != nil:
			return fmt.Errorf("load product note: %w", scanErr)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE product_machine_notes
			SET content_json = ?, modified_by = ?, modified_at = ?, is_active = 1 WHERE id = ?`,
			string(body), req.Actor, store.FormatTime(now), existing.ID); err != nil {
			return fmt.Errorf("update product note: %w", err)
		}
		entry := HistoryEntry{
			NoteID: existing.ID, ProductCode: req.ProductCode, MachineID: req.MachineID,
			NewContent: string(body), Operation: HistoryCreate, ChangedBy: req.Actor, ChangedAt: now,
		}
		if active {
			old, _ := json.Marshal(existing.Content)
			entry.OldContent = string(old)
			entry.Operation = HistoryEdit
		} else {
			if _, err := tx.ExecContext(ctx, "UPDATE product_machine_notes SET created_by = ?, created_at = ? WHERE id = ?",
				req.Actor, store.FormatTime(now), existing.ID); err != nil {
				return fmt.Errorf("reactivate product note: %w", err)
			}
			existing.CreatedBy = req.Actor
			existing.CreatedAt = now
		}
		saved = existing
		saved.Content = req.Content
		saved.ModifiedBy = req.Actor
		saved.ModifiedAt = now
		return appendHistory(ctx, tx, entry)
	})
	if err != nil {
		return ProductMachineNote{}, mapStoreError("save product note", err)
	}
	return saved, nil
}

// GetProductMachineNotes returns the active specific note for (product,
// machine) and the active global note for product. Either may be nil.
func (s *Store) GetProductMachineNotes(ctx context.Context, productCode, machineID string) (ProductMachineNotes, error) {
	productCode = strings.TrimSpace(productCode)
	rows, err := s.db.QueryContext(ctx, "SELECT "+productNoteColumns+` FROM product_machine_notes
		WHERE product_code = ? AND is_active = 1
		  AND ((note_type = 'specific' AND machine_id = ?) OR (note_type = 'global' AND machine_id = ?))`,
		productCode, strings.TrimSpace(machineID), GlobalMachine)
	if err != nil {
		return ProductMachineNotes{}, faults.Wrap(faults.CodeStorageFailure, "get product notes", "", err)
	}
	defer rows.Close()

	var out ProductMachineNotes
	for rows.Next() {
		note, _, err := scanProductNote(rows)
		if err != nil {
			return ProductMachineNotes{}, faults.Internal("scan product note", err)
		}
		switch note.Type {
		case NoteSpecific:
			out.Specific = &note
		case NoteGlobal:
			out.Global = &note
		}
	}
	if err := rows.Err(); err != nil {
		return ProductMachineNotes{}, faults.Wrap(faults.CodeStorageFailure, "get product notes", "", err)
	}
	return out, nil
}

// DeleteProductMachineNote soft-deletes a note and records the deletion.
func (s *Store) DeleteProductMachineNote(ctx context.Context, productCode, machineID string, noteType NoteType, actor string) error {
	if noteType == "" {
		noteType = NoteSpecific
	}
	productCode = strings.TrimSpace(productCode)
	machineID = machineFor(noteType, machineID)
	if err := required("actor", actor); err != nil {
		return err
	}
	now := s.now().UTC()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+productNoteColumns+` FROM product_machine_notes
			WHERE product_code = ? AND machine_id = ? AND note_type = ?`, productCode, machineID, string(noteType))
		existing, active, err := scanProductNote(row)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return faults.Newf(faults.CodeNotFound, "%s note for %s on %s not found", noteType, productCode, machineID)
		}
		if err != nil {
			return fmt.Errorf("load product note: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE product_machine_notes SET is_active = 0, modified_by = ?, modified_at = ? WHERE id = ?",
			actor, store.FormatTime(now), existing.ID); err != nil {
			return fmt.Errorf("delete product note: %w", err)
		}
		old, _ := json.Marshal(existing.Content)
		return appendHistory(ctx, tx, HistoryEntry{
			NoteID: existing.ID, ProductCode: productCode, MachineID: machineID,
			OldContent: string(old), Operation: HistoryDelete, ChangedBy: actor, ChangedAt: now,
		})
	})
	return mapStoreError("delete product note", err)
}

// NoteHistory returns the recorded changes to a note, newest first.
func (s *Store) NoteHistory(ctx context.Context, noteID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultNotePageSize
	}
	limit = min(limit, maxNotePageSize)
	rows, err := s.db.QueryContext(ctx, `SELECT id, note_id, product_code, machine_id, old_content, new_content, operation_type, changed_by, changed_at
		FROM notes_history WHERE note_id = ? ORDER BY id DESC LIMIT ?`, noteID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "note history", "", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			entry      HistoryEntry
			oldContent sql.NullString
			newContent sql.NullString
			changedBy  sql.NullString
			changedRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.NoteID, &entry.ProductCode, &entry.MachineID,
			&oldContent, &newContent, &entry.Operation, &changedBy, &changedRaw); err != nil {
			return nil, faults.Wrap(faults.CodeStorageFailure, "scan note history", "", err)
		}
		entry.OldContent = oldContent.String
		entry.NewContent = newContent.String
		entry.ChangedBy = changedBy.String
		entry.ChangedAt = store.MustParseTime(changedRaw)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "note history", "", err)
	}
	return entries, nil
}

// mapStoreError passes business errors through and tags anything else as a
// storage failure.
func mapStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe
	}
	return faults.Wrap(faults.CodeStorageFailure, operation, "", err)
}
