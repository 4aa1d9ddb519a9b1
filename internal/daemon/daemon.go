package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"envtrack/internal/config"
	"envtrack/internal/logging"
	"envtrack/internal/notes"
	"envtrack/internal/ratelimit"
)

// Daemon owns the data-directory lock while the HTTP adapter serves the
// shared services.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	services *Services
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt time.Time
	lastSweep atomic.Pointer[notes.SweepResult]
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool               `json:"running"`
	PID              int                `json:"pid"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	DatabasePath     string             `json:"database_path"`
	LockFilePath     string             `json:"lock_file_path"`
	ImageDir         string             `json:"image_dir"`
	APIAddress       string             `json:"api_address,omitempty"`
	MachinePolicy    string             `json:"machine_policy"`
	RateLimitBackend string             `json:"rate_limit_backend"`
	LastSweep        *notes.SweepResult `json:"last_sweep,omitempty"`
}

// New constructs a daemon around already opened services.
func New(cfg *config.Config, services *Services, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || services == nil {
		return nil, errors.New("daemon requires config and services")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		services: services,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, reconciles image files once, and starts
// the HTTP listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.sweep(d.ctx)

	if err := d.api.start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return err
	}

	if memory, ok := d.services.Counter.(*ratelimit.Memory); ok {
		d.wg.Add(1)
		go d.pruneLoop(d.ctx, memory)
	}

	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("envtrack daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.cfg.DatabasePath()),
		logging.String("machine_policy", d.services.Engine.Policy()),
	)
	return nil
}

// Stop shuts the listener down and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("envtrack daemon stopped")
}

// Close stops the daemon and releases the services.
func (d *Daemon) Close() error {
	d.Stop()
	return d.services.Close()
}

// Status reports the daemon state served on /api/status.
func (d *Daemon) Status(_ context.Context) Status {
	status := Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		DatabasePath:     d.cfg.DatabasePath(),
		LockFilePath:     d.lockPath,
		ImageDir:         d.cfg.Paths.ImageDir,
		APIAddress:       d.api.address(),
		MachinePolicy:    d.services.Engine.Policy(),
		RateLimitBackend: d.cfg.RateLimit.Backend,
		LastSweep:        d.lastSweep.Load(),
	}
	if status.Running {
		started := d.startedAt
		status.StartedAt = &started
	}
	return status
}

func (d *Daemon) sweep(ctx context.Context) {
	result, err := d.services.Sweeper.Run(ctx, false)
	if err != nil {
		d.logger.Warn("startup image sweep failed", logging.Error(err))
		return
	}
	d.lastSweep.Store(&result)
}

// pruneLoop drops idle in-memory rate-limit windows so the counter does not
// grow with every origin ever seen.
func (d *Daemon) pruneLoop(ctx context.Context, memory *ratelimit.Memory) {
	defer d.wg.Done()
	window := d.cfg.RateWindow()
	ticker := time.NewTicker(max(window, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := memory.Prune(window); removed > 0 {
				d.logger.Debug("pruned rate limit windows", logging.Int("removed", removed))
			}
		}
	}
}
