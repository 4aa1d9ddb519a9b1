package notes

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"envtrack/internal/blobstore"
	"envtrack/internal/faults"
	"envtrack/internal/logging"
	"envtrack/internal/metrics"
	"envtrack/internal/store"
)

// SweepResult contains the outcome of one reconciliation pass.
type SweepResult struct {
	Scanned int            `json:"scanned"`
	Removed []string       `json:"removed"`
	Kept    int            `json:"kept_recent"`
	Missing []MissingImage `json:"missing"`
	Errors  []SweepError   `json:"errors,omitempty"`
	DryRun  bool           `json:"dry_run"`
}

// MissingImage is an active row whose file does not exist.
type MissingImage struct {
	ImageID     int64  `json:"image_id"`
	StoragePath string `json:"storage_path"`
}

// SweepError pairs a file path with its removal error.
type SweepError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Sweeper removes image files that no active row references.
type Sweeper struct {
	db      *store.DB
	blobs   *blobstore.Store
	grace   time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewSweeper builds a Sweeper. Files younger than grace are never removed
// so uploads between file write and row insert are left alone.
func NewSweeper(db *store.DB, blobs *blobstore.Store, grace time.Duration, logger *slog.Logger, collector *metrics.Collector) *Sweeper {
	return &Sweeper{
		db:      db,
		blobs:   blobs,
		grace:   grace,
		logger:  logging.NewComponentLogger(logger, "sweep"),
		metrics: collector,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Sweeper) activePaths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, storage_path FROM note_images WHERE is_active = 1")
	if err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "load active images", "", err)
	}
	defer rows.Close()

	paths := make(map[string]int64)
	for rows.Next() {
		var (
			id  int64
			rel string
		)
		if err := rows.Scan(&id, &rel); err != nil {
			return nil, faults.Wrap(faults.CodeStorageFailure, "scan active image", "", err)
		}
		paths[rel] = id
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.CodeStorageFailure, "load active images", "", err)
	}
	return paths, nil
}

// Run performs one pass. With dryRun nothing is removed.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) (SweepResult, error) {
	result := SweepResult{Removed: []string{}, Missing: []MissingImage{}, DryRun: dryRun}
	logger := logging.WithContext(ctx, s.logger)

	referenced, err := s.activePaths(ctx)
	if err != nil {
		return result, err
	}

	cutoff := s.now().Add(-s.grace)
	seen := make(map[string]struct{}, len(referenced))
	walkErr := s.blobs.Walk(func(f blobstore.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Scanned++
		if _, ok := referenced[f.RelPath]; ok {
			seen[f.RelPath] = struct{}{}
			return nil
		}
		if f.ModTime.After(cutoff) {
			result.Kept++
			return nil
		}
		if dryRun {
			result.Removed = append(result.Removed, f.RelPath)
			return nil
		}
		if err := s.blobs.Remove(f.RelPath); err != nil {
			result.Errors = append(result.Errors, SweepError{Path: f.RelPath, Error: err.Error()})
			logger.Warn("failed to remove orphaned image file",
				logging.String("storage_path", f.RelPath),
				logging.Error(err),
			)
			return nil
		}
		result.Removed = append(result.Removed, f.RelPath)
		logger.Info("removed orphaned image file",
			logging.String("storage_path", f.RelPath),
			logging.Duration("age", s.now().Sub(f.ModTime)),
		)
		return nil
	})
	if walkErr != nil {
		return result, faults.Wrap(faults.CodeStorageFailure, "walk image directory", "", walkErr)
	}

	for rel, id := range referenced {
		if _, ok := seen[rel]; ok {
			continue
		}
		result.Missing = append(result.Missing, MissingImage{ImageID: id, StoragePath: rel})
		logger.Warn("active image has no file",
			logging.Int64(logging.FieldImageID, id),
			logging.String("storage_path", rel),
		)
	}

	sort.Slice(result.Missing, func(i, j int) bool { return result.Missing[i].ImageID < result.Missing[j].ImageID })

	if !dryRun {
		s.metrics.RecordSweep(len(result.Removed), len(result.Missing))
	}
	logger.Info("image sweep complete",
		logging.Int("scanned", result.Scanned),
		logging.Int("removed", len(result.Removed)),
		logging.Int("missing", len(result.Missing)),
		logging.Bool("dry_run", dryRun),
	)
	return result, nil
}
