package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"envtrack/internal/blobstore"
	"envtrack/internal/config"
	"envtrack/internal/imaging"
	"envtrack/internal/logging"
	"envtrack/internal/metrics"
	"envtrack/internal/notes"
	"envtrack/internal/ratelimit"
	"envtrack/internal/signedurl"
	"envtrack/internal/store"
	"envtrack/internal/transition"
)

// ErrLocked reports that another process holds the data-directory lock.
var ErrLocked = errors.New("envtrack data directory is locked by another process")

// TryLock takes the data-directory lock without blocking.
func TryLock(cfg *config.Config) (*flock.Flock, error) {
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}

// Services are the components shared by the daemon and the admin CLI.
type Services struct {
	DB      *store.DB
	Blobs   *blobstore.Store
	Engine  *transition.Engine
	Notes   *notes.Store
	Images  *notes.ImageStore
	Sweeper *notes.Sweeper
	Signer  *signedurl.Signer
	Counter ratelimit.Counter
	Metrics *metrics.Collector

	closeCounter func() error
}

// OpenServices opens the database and wires every component from cfg.
// collector may be nil.
func OpenServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	blobs, err := blobstore.New(cfg.Paths.ImageDir, cfg.Images.MinFreeBytes)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open image store: %w", err)
	}
	signer, err := signedurl.NewFromConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	counter, closeCounter, err := ratelimit.NewCounterFromConfig(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	guard := ratelimit.NewGuard(counter, ratelimit.LimitsFromConfig(cfg), logger, collector)

	return &Services{
		DB:     db,
		Blobs:  blobs,
		Engine: transition.New(db, transition.OptionsFromConfig(cfg), logger, collector),
		Notes:  notes.NewStore(db),
		Images: notes.NewImageStore(db, blobs, guard, notes.ImageOptions{
			Normalize:  imaging.OptionsFromConfig(cfg),
			MaxPerNote: cfg.Images.MaxPerNote,
		}, logger, collector),
		Sweeper:      notes.NewSweeper(db, blobs, cfg.OrphanGrace(), logger, collector),
		Signer:       signer,
		Counter:      counter,
		Metrics:      collector,
		closeCounter: closeCounter,
	}, nil
}

// Close releases the rate-limit backend and the database.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.closeCounter != nil {
		errs = append(errs, s.closeCounter())
		s.closeCounter = nil
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
