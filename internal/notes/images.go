package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"envtrack/internal/blobstore"
	"envtrack/internal/faults"
	"envtrack/internal/imaging"
	"envtrack/internal/logging"
	"envtrack/internal/metrics"
	"envtrack/internal/ratelimit"
	"envtrack/internal/store"
)

const maxFilenameLength = 255

// Image is the metadata of one note attachment.
type Image struct {
	ID               int64       `json:"id"`
	Scope            Scope       `json:"note_scope"`
	NoteID           int64       `json:"note_id"`
	StoragePath      string      `json:"-"`
	OriginalFilename string      `json:"original_filename,omitempty"`
	MIMEType         string      `json:"mime_type"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	SizeBytes        int64       `json:"size_bytes"`
	SHA256           string      `json:"sha256"`
	Annotations      Annotations `json:"annotations"`
	OrderIndex       int         `json:"order_index"`
	Revision         int64       `json:"revision"`
	CreatedBy        string      `json:"created_by"`
	ModifiedBy       string      `json:"modified_by"`
	CreatedAt        time.Time   `json:"created_at"`
	ModifiedAt       time.Time   `json:"modified_at"`
}

// ETag returns the strong entity tag of the stored bytes.
func (i Image) ETag() string {
	return `"` + i.SHA256 + `"`
}

// ImageOptions bounds uploads.
type ImageOptions struct {
	Normalize  imaging.Options
	MaxPerNote int
}

// ImageStore owns note_images rows and their files.
type ImageStore struct {
	db      *store.DB
	blobs   *blobstore.Store
	guard   *ratelimit.Guard
	opts    ImageOptions
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewImageStore wires an ImageStore. guard may be nil to disable rate limiting.
func NewImageStore(db *store.DB, blobs *blobstore.Store, guard *ratelimit.Guard, opts ImageOptions, logger *slog.Logger, collector *metrics.Collector) *ImageStore {
	if opts.MaxPerNote <= 0 {
		opts.MaxPerNote = 3
	}
	return &ImageStore{
		db:      db,
		blobs:   blobs,
		guard:   guard,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "images"),
		metrics: collector,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *ImageStore) SetClock(now func() time.Time) {
	s.now = now
}

const imageColumns = `id, note_scope, note_id, storage_path, original_filename, mime_type, width, height, size_bytes,
	sha256, annotations_json, order_index, revision, created_by, modified_by, created_at, modified_at`

func scanImage(scanner store.Scanner) (Image, error) {
	var (
		img         Image
		scope       string
		filename    sql.NullString
		annotations string
		createdBy   sql.NullString
		modifiedBy  sql.NullString
		createdRaw  string
		modRaw      string
	)
	if err := scanner.Scan(&img.ID, &scope, &img.NoteID, &img.StoragePath, &filename, &img.MIMEType,
		&img.Width, &img.Height, &img.SizeBytes, &img.SHA256, &annotations, &img.OrderIndex, &img.Revision,
		&createdBy, &modifiedBy, &createdRaw, &modRaw); err != nil {
		return Image{}, err
	}
	if err := json.Unmarshal([]byte(annotations), &img.Annotations); err != nil {
		return Image{}, fmt.Errorf("decode annotations: %w", err)
	}
	img.Scope = Scope(scope)
	img.OriginalFilename = filename.String
	img.CreatedBy = createdBy.String
	img.ModifiedBy = modifiedBy.String
	img.CreatedAt = store.MustParseTime(createdRaw)
	img.ModifiedAt = store.MustParseTime(modRaw)
	return img, nil
}

// UploadRequest carries one image upload.
type UploadRequest struct {
	Scope       Scope
	NoteID      int64
	Actor       string
	ClientIP    string
	Filename    string
	Data        []byte
	Annotations Annotations
	OrderIndex  int
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	return name
}

func (s *ImageStore) checkCapacity(ctx context.Context, q queryRower, scope Scope, noteID int64) error {
	exists, err := noteExists(ctx, q, scope, noteID)
	if err != nil {
		return err
	}
	if !exists {
		return faults.Newf(faults.CodeNotFound, "%s %d not found", scope, noteID)
	}
	var active int
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM note_images WHERE note_scope = ? AND note_id = ? AND is_active = 1",
		string(scope), noteID).Scan(&active); err != nil {
		return fmt.Errorf("count note images: %w", err)
	}
	if active >= s.opts.MaxPerNote {
		return faults.Newf(faults.CodeLimitExceeded, "note already holds %d images", active).
			WithDetails(map[string]any{"max_per_note": s.opts.MaxPerNote, "active_images": active})
	}
	return nil
}

// Upload normalizes data and attaches it to a note. No file and no row
// remain when any step fails.
func (s *ImageStore) Upload(ctx context.Context, req UploadRequest) (Image, error) {
	img, err := s.upload(ctx, req)
	logger := logging.WithContext(ctx, s.logger)
	if err != nil {
		fe := faults.From(err)
		s.metrics.RecordUpload(string(fe.Code), 0)
		attrs := []logging.Attr{
			logging.String("note_scope", string(req.Scope)),
			logging.Int64("note_id", req.NoteID),
			logging.ErrorCode(string(fe.Code)),
		}
		if fe.Code.Hidden() {
			logger.Error("image upload failed", logging.Args(append(attrs, logging.Error(err))...)...)
		} else {
			logger.Warn("image upload rejected", logging.Args(append(attrs, logging.String("reason", fe.Message))...)...)
		}
		return Image{}, fe
	}
	s.metrics.RecordUpload(metrics.ResultOK, img.SizeBytes)
	logger.Info("image uploaded",
		logging.Int64(logging.FieldImageID, img.ID),
		logging.String("note_scope", string(img.Scope)),
		logging.Int64("note_id", img.NoteID),
		logging.Int64("size_bytes", img.SizeBytes),
		logging.Int("width", img.Width),
		logging.Int("height", img.Height),
	)
	return img, nil
}

func (s *ImageStore) upload(ctx context.Context, req UploadRequest) (Image, error) {
	scope, err := ParseScope(string(req.Scope))
	if err != nil {
		return Image{}, err
	}
	if req.NoteID <= 0 {
		return Image{}, faults.New(faults.CodeValidation, "note id must be positive")
	}
	if err := required("actor", req.Actor); err != nil {
		return Image{}, err
	}
	if req.Annotations.Version == 0 && len(req.Annotations.Objects) == 0 {
		req.Annotations = EmptyAnnotations()
	}
	if err := req.Annotations.Validate(); err != nil {
		return Image{}, faults.Wrap(faults.CodeValidation, "annotations", err.Error(), nil)
	}
	if req.OrderIndex < 0 {
		return Image{}, faults.New(faults.CodeValidation, "order_index must not be negative")
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, req.Actor, req.ClientIP); err != nil {
			return Image{}, err
		}
	}
	if limit := s.opts.Normalize.MaxBytes; limit > 0 && int64(len(req.Data)) > limit {
		return Image{}, faults.Newf(faults.CodePayloadTooLarge, "image exceeds %d bytes", limit)
	}
	if err := s.checkCapacity(ctx, s.db, scope, req.NoteID); err != nil {
		return Image{}, mapStoreError("check note capacity", err)
	}

	started := time.Now()
	normalized, err := imaging.Normalize(req.Data, s.opts.Normalize)
	s.metrics.RecordNormalize(time.Since(started))
	if err != nil {
		return Image{}, err
	}
	annotations, err := json.Marshal(req.Annotations)
	if err != nil {
		return Image{}, faults.Internal("encode annotations", err)
	}

	now := s.now().UTC()
	rel, err := s.blobs.Write(normalized.Data, now)
	if err != nil {
		return Image{}, err
	}

	img := Image{
		Scope:            scope,
		NoteID:           req.NoteID,
		StoragePath:      rel,
		OriginalFilename: cleanFilename(req.Filename),
		MIMEType:         normalized.MIME,
		Width:            normalized.Width,
		Height:           normalized.Height,
		SizeBytes:        normalized.Size(),
		SHA256:           normalized.SHA256,
		Annotations:      req.Annotations,
		OrderIndex:       req.OrderIndex,
		Revision:         1,
		CreatedBy:        req.Actor,
		ModifiedBy:       req.Actor,
		CreatedAt:        now,
		ModifiedAt:       now,
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkCapacity(ctx, tx, scope, req.NoteID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO note_images (
			note_scope, note_id, storage_path, original_filename, mime_type, width, height, size_bytes,
			sha256, annotations_json, order_index, revision, created_by, modified_by, created_at, modified_at, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, 1)`,
			string(img.Scope), img.NoteID, img.StoragePath, store.NullableString(img.OriginalFilename), img.MIMEType,
			img.Width, img.Height, img.SizeBytes, img.SHA256, string(annotations), img.OrderIndex,
			img.CreatedBy, img.ModifiedBy, store.FormatTime(now), store.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert note image: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert note image: %w", err)
		}
		img.ID = id
		return nil
	})
	if err != nil {
		if rmErr := s.blobs.Remove(rel); rmErr != nil {
			logging.WithContext(ctx, s.logger).Warn("failed to remove image file after rejected insert",
				logging.String("storage_path", rel),
				logging.Error(rmErr),
			)
		}
		return Image{}, mapStoreError("insert note image", err)
	}
	return img, nil
}

// UpdateAnnotationsRequest replaces an image's annotations when the caller
// saw the current revision.
type UpdateAnnotationsRequest struct {
	ImageID          int64
	Actor            string
	Annotations      Annotations
	ExpectedRevision int64
}

// UpdateAnnotations applies req by compare-and-swap on the revision. A stale
// ExpectedRevision fails with CONFLICT carrying current_revision and
// current_annotations and leaves the row untouched.
func (s *ImageStore) UpdateAnnotations(ctx context.Context, req UpdateAnnotationsRequest) (Image, error) {
	img, err := s.updateAnnotations(ctx, req)
	logger := logging.WithContext(ctx, s.logger)
	if err != nil {
		fe := faults.From(err)
		s.metrics.RecordAnnotationUpdate(string(fe.Code))
		logger.Warn("annotation update rejected",
			logging.Int64(logging.FieldImageID, req.ImageID),
			logging.Int64("expected_revision", req.ExpectedRevision),
			logging.ErrorCode(string(fe.Code)),
		)
		return Image{}, fe
	}
	s.metrics.RecordAnnotationUpdate(metrics.ResultOK)
	logger.Info("annotations updated",
		logging.Int64(logging.FieldImageID, img.ID),
		logging.Int64("revision", img.Revision),
		logging.Int("objects", len(img.Annotations.Objects)),
	)
	return img, nil
}

func (s *ImageStore) updateAnnotations(ctx context.Context, req UpdateAnnotationsRequest) (Image, error) {
	if err := required("actor", req.Actor); err != nil {
		return Image{}, err
	}
	if err := req.Annotations.Validate(); err != nil {
		return Image{}, faults.Wrap(faults.CodeValidation, "annotations", err.Error(), nil)
	}
	payload, err := json.Marshal(req.Annotations)
	if err != nil {
		return Image{}, faults.Internal("encode annotations", err)
	}

	now := s.now().UTC()
	var updated Image
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanImage(tx.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM note_images WHERE id = ? AND is_active = 1", req.ImageID))
		if errors.Is(err, sql.ErrNoRows) {
			return faults.Newf(faults.CodeNotFound, "image %d not found", req.ImageID)
		}
		if err != nil {
			return fmt.Errorf("load note image: %w", err)
		}
		if current.Revision != req.ExpectedRevision {
			return faults.Newf(faults.CodeConflict, "image %d is at revision %d", req.ImageID, current.Revision).
				WithDetails(map[string]any{
					"current_revision":    current.Revision,
					"current_annotations": current.Annotations,
				})
		}
		res, err := tx.ExecContext(ctx, `UPDATE note_images
			SET annotations_json = ?, revision = revision + 1, modified_by = ?, modified_at = ?
			WHERE id = ? AND revision = ? AND is_active = 1`,
			string(payload), req.Actor, store.FormatTime(now), req.ImageID, req.ExpectedRevision)
		if err != nil {
			return fmt.Errorf("update annotations: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return fmt.Errorf("update annotations: expected one row, got %d (%v)", n, err)
		}
		updated = current
		updated.Annotations = req.Annotations
		updated.Revision = current.Revision + 1
		updated.ModifiedBy = req.Actor
		updated.ModifiedAt = now
		return nil
	})
	if err != nil {
		return Image{}, mapStoreError("update annotations", err)
	}
	return updated, nil
}

// SoftDelete marks an image inactive and then removes its file. A failed
// file removal is logged and left to the orphan sweep.
func (s *ImageStore) SoftDelete(ctx context.Context, imageID int64, actor string) error {
	var rel string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT storage_path FROM note_images WHERE id = ? AND is_active = 1", imageID).Scan(&rel); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return faults.Newf(faults.CodeNotFound, "image %d not found", imageID)
			}
			return fmt.Errorf("load note image: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE note_images SET is_active = 0, modified_by = ?, modified_at = ? WHERE id = ?",
			store.NullableString(strings.TrimSpace(actor)), store.FormatTime(s.now()), imageID); err != nil {
			return fmt.Errorf("deactivate note image: %w", err)
		}
		return nil
	})
	if err != nil {
		return mapStoreError("delete note image", err)
	}

	logger := logging.WithContext(ctx, s.logger)
	if err := s.blobs.Remove(rel); err != nil {
		logger.Warn("image file removal failed; orphan sweep will retry",
			logging.Int64(logging.FieldImageID, imageID),
			logging.String("storage_path", rel),
			logging.Error(err),
		)
	}
	logger.Info("image deleted", logging.Int64(logging.FieldImageID, imageID))
	return nil
}

// GetImage returns an active image.
func (s *ImageStore) GetImage(ctx context.Context, imageID int64) (Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM note_images WHERE id = ? AND is_active = 1", imageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, faults.Newf(faults.CodeNotFound, "image %d not found", imageID)
	}
	if err != nil {
		return Image{}, faults.Wrap(faults.CodeStorageFailure, "get note image", "", err)
	}
	return img, nil
}

// ListImages returns the active images of a note ordered by order index.
func (s *ImageStore) ListImages(ctx context.Context, scope Scope, noteID int64) ([]Image, error) {
	scope, err := ParseScope(string(scope))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+imageColumns+` FROM note_images
		WHERE note_scope = ? AND note_id = ? AND is_active = 1
		ORDER BY order_index ASC, id ASC`, string(scope), noteID)
	if err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "list note images", "", err)
	}
	defer rows.Close()

	images := []Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, faults.Wrap(faults.CodeStorageFailure, "scan note image", "", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "list note images", "", err)
	}
	return images, nil
}

// Open returns an active image together with its open file.
func (s *ImageStore) Open(ctx context.Context, imageID int64) (Image, *os.File, fs.FileInfo, error) {
	img, err := s.GetImage(ctx, imageID)
	if err != nil {
		return Image{}, nil, nil, err
	}
	f, info, err := s.blobs.Open(img.StoragePath)
	if err != nil {
		if faults.CodeOf(err) == faults.CodeNotFound {
			logging.WithContext(ctx, s.logger).Warn("image file missing",
				logging.Int64(logging.FieldImageID, imageID),
				logging.String("storage_path", img.StoragePath),
			)
		}
		return Image{}, nil, nil, err
	}
	return img, f, info, nil
}
