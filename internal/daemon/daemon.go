package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"redub/internal/api"
	"redub/internal/config"
	"redub/internal/deps"
	"redub/internal/jobs"
	"redub/internal/lifecycle"
	"redub/internal/logging"
	"redub/internal/notify"
	"redub/internal/pipeline"
	"redub/internal/runqueue"
)

// Version identifies the daemon build in status output and log banners.
const Version = "0.1.0"

// Daemon wires the store, lifecycle manager, pipeline driver, run queue, and
// HTTP API into one process. Exactly one daemon may run per workspace; a file
// lock guards against a second instance corrupting the job database.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *jobs.Store
	dispatcher *notify.Dispatcher
	manager    *lifecycle.Manager
	driver     *pipeline.Driver
	queue      *runqueue.Queue

	lock     *flock.Flock
	lockPath string

	server    *http.Server
	serverErr chan error

	mu        sync.Mutex
	running   bool
	startedAt time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds a daemon and acquires the workspace lock. The returned daemon
// holds open resources; call Stop (or Close on a never-started daemon) to
// release them.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Paths.WorkspaceDir, "redub.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance holds %s", lockPath)
	}

	store, err := jobs.Open(cfg, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(cfg, logger)
	manager := lifecycle.NewManager(cfg, store, dispatcher, logger)
	driver := pipeline.NewDriver(cfg, manager, logger)
	queue := runqueue.New(cfg, driver, logger)
	driver.SetRequeue(queue.Enqueue)

	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		dispatcher: dispatcher,
		manager:    manager,
		driver:     driver,
		queue:      queue,
		lock:       lock,
		lockPath:   lockPath,
		serverErr:  make(chan error, 1),
	}, nil
}

// Start recovers interrupted jobs, launches the worker pool, and begins
// serving the HTTP API. It returns once the daemon is up; use Wait to block
// on a fatal server error.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.startedAt = time.Now().UTC()
	d.runCtx, d.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Unlock()

	d.logger.Info("daemon starting",
		logging.String("version", Version),
		logging.String("db_path", d.store.Path()),
		logging.Int("pid", os.Getpid()),
	)

	recovered := d.manager.RecoverIncompleteJobs(d.runCtx, func(jobID string) {
		d.queue.Enqueue(jobID, runqueue.DefaultPriority)
	})
	if recovered > 0 {
		d.logger.Info("resubmitted interrupted jobs", logging.Int("count", recovered))
	}

	d.queue.Start(d.runCtx)

	if err := d.startAPI(); err != nil {
		d.queue.Stop()
		return err
	}
	return nil
}

// Wait blocks until the API server fails or the context is canceled.
func (d *Daemon) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-d.serverErr:
		return err
	}
}

// Stop shuts the daemon down gracefully: the API stops accepting requests,
// the worker pool drains so in-flight stage work finishes, and pending
// notifications are flushed. Resources are released last.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("daemon stopping")

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("api server shutdown incomplete", logging.Error(err))
		}
		cancel()
	}

	// Wake any retry backoff sleeps first so the drain only waits on real
	// stage work.
	d.manager.BeginShutdown()
	d.queue.Stop()
	d.dispatcher.Close()

	if d.runCancel != nil {
		d.runCancel()
	}
	d.Close()
	d.logger.Info("daemon stopped")
}

// Interrupt cancels in-flight stage work. Used when a graceful drain is taking
// too long and the operator signals again.
func (d *Daemon) Interrupt() {
	d.mu.Lock()
	cancel := d.runCancel
	d.mu.Unlock()
	if cancel != nil {
		d.logger.Warn("interrupting in-flight work")
		cancel()
	}
}

// Close releases the store and workspace lock without draining anything.
func (d *Daemon) Close() {
	if err := d.store.Close(); err != nil {
		d.logger.Warn("failed to close job store", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release workspace lock",
			logging.Error(err),
			logging.String("lock_path", d.lockPath),
		)
	}
}

// Status assembles the daemon status document.
func (d *Daemon) Status(ctx context.Context) api.StatusResponse {
	d.mu.Lock()
	running := d.running
	startedAt := d.startedAt
	d.mu.Unlock()

	counts := map[string]int{}
	if stats, err := d.store.Stats(ctx); err == nil {
		for status, count := range stats {
			counts[string(status)] = count
		}
	}

	return api.StatusResponse{
		Running:      running,
		Version:      Version,
		PID:          os.Getpid(),
		DBPath:       d.store.Path(),
		LockPath:     d.lockPath,
		Queue:        api.FromQueueStats(d.queue.Stats()),
		JobCounts:    counts,
		Dependencies: deps.Check(deps.Requirements(d.cfg)),
		StartedAt:    startedAt,
	}
}

// LogPath returns the daemon log file location, empty when file logging is
// disabled.
func (d *Daemon) LogPath() string {
	if d.cfg.Paths.LogDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.Paths.LogDir, "redub.log")
}
