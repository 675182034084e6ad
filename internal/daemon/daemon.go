// Package daemon ties the watcher, dispatcher pool, and reaper together and
// enforces single-instance execution through a lock file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"coalesce/internal/config"
	"coalesce/internal/dispatcher"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
	"coalesce/internal/reaper"
	"coalesce/internal/watcher"
)

// Daemon owns the long-running components of the ingestion engine.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	watcher    *watcher.Watcher
	dispatcher *dispatcher.Dispatcher
	reaper     *reaper.Reaper

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Queue        queue.HealthSummary
	QueueDBPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, w *watcher.Watcher, d *dispatcher.Dispatcher, r *reaper.Reaper, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || w == nil || d == nil || r == nil {
		return nil, errors.New("daemon requires config, store, watcher, dispatcher, and reaper")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "coalesced.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		watcher:    w,
		dispatcher: d,
		reaper:     r,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches all components.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another coalesce daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for name, run := range map[string]func(context.Context) error{
		"watcher":    d.watcher.Run,
		"dispatcher": d.dispatcher.Run,
		"reaper":     d.reaper.Run,
	} {
		d.wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer d.wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("component exited",
					logging.String(logging.FieldComponent, name),
					logging.Error(err),
				)
			}
		}(name, run)
	}

	d.running.Store(true)
	d.logger.Info("coalesce daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop cancels all components, waits for them, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("coalesce daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status reports runtime and queue health.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue health: %w", err)
	}
	return Status{
		Running:      d.running.Load(),
		Queue:        health,
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
	}, nil
}
