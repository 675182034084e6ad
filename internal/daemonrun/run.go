// Package daemonrun wires configuration, logging, the queue store, and the
// daemon components into a running process. Both the standalone coalesced
// binary and `coalesce run` go through Run.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"coalesce/internal/assembler"
	"coalesce/internal/config"
	"coalesce/internal/daemon"
	"coalesce/internal/dispatcher"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
	"coalesce/internal/reaper"
	"coalesce/internal/staging"
	"coalesce/internal/watcher"
	"coalesce/internal/writer"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the coalesce daemon runtime loop and blocks until a signal or
// ctx cancellation.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("coalesce-%s.log", runID))

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update coalesce.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "coalesce-*.log", Exclude: []string{logPath}},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, "coalesced.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	cmdWriter, err := writer.NewCommandWriter(cfg, logger)
	if err != nil {
		logger.Error("configure writer", logging.Error(err))
		return err
	}

	stagingCoordinator := staging.New(cfg, logger)
	asm := assembler.New(store, logger)
	components := daemonComponents{
		watcher:    watcher.New(cfg, store, asm, logger),
		dispatcher: dispatcher.New(cfg, store, stagingCoordinator, cmdWriter, logger),
		reaper:     reaper.New(cfg, store, stagingCoordinator, logger),
	}

	d, err := daemon.New(cfg, store, components.watcher, components.dispatcher, components.reaper, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running instance and queue database access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("coalesce daemon shutting down")
	d.Stop()
	return nil
}

type daemonComponents struct {
	watcher    *watcher.Watcher
	dispatcher *dispatcher.Dispatcher
	reaper     *reaper.Reaper
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "coalesce.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
