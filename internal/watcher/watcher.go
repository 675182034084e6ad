// Package watcher observes the input directory and records settled fragments
// in the durable queue. Filesystem events and a jittered periodic rescan both
// collapse into a single scan signal; the scan itself is the only code path
// that admits files, so event loss degrades to rescan latency, never to data
// loss.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"coalesce/internal/assembler"
	"coalesce/internal/config"
	"coalesce/internal/fragment"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
)

type fileSample struct {
	size      int64
	sampledAt time.Time
}

// Watcher ingests fragment files from the input directory.
type Watcher struct {
	store          *queue.Store
	assembler      *assembler.Assembler
	inputDir       string
	expectedParts  int
	settleInterval time.Duration
	rescanInterval time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	samples    map[string]fileSample
	admitted   map[string]struct{}
	complained map[string]struct{}
}

// New builds a Watcher over the configured input directory.
func New(cfg *config.Config, store *queue.Store, asm *assembler.Assembler, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:          store,
		assembler:      asm,
		inputDir:       cfg.Paths.InputDir,
		expectedParts:  cfg.Ingest.ExpectedParts,
		settleInterval: cfg.SettleInterval(),
		rescanInterval: cfg.RescanInterval(),
		logger:         logging.NewComponentLogger(logger, "watcher"),
		samples:        make(map[string]fileSample),
		admitted:       make(map[string]struct{}),
		complained:     make(map[string]struct{}),
	}
}

// Run watches until ctx is cancelled. The startup scan reconciles anything
// that arrived while the daemon was down.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer notifier.Close()

	if err := notifier.Add(w.inputDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.inputDir, err)
	}

	scanSignal := make(chan struct{}, 1)
	signalScan := func() {
		select {
		case scanSignal <- struct{}{}:
		default:
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifier.Events:
				if !ok {
					return
				}
				signalScan()
			case err, ok := <-notifier.Errors:
				if !ok {
					return
				}
				w.logger.Warn("fs watcher error", logging.Error(err))
			}
		}
	}()

	w.logger.Info("watching input directory",
		logging.String("input_dir", w.inputDir),
		logging.Duration("settle_interval", w.settleInterval),
		logging.Duration("rescan_interval", w.rescanInterval),
	)

	rescan := time.NewTimer(w.jitteredRescan())
	defer rescan.Stop()

	settle := time.NewTimer(w.settleInterval)
	settle.Stop()
	defer settle.Stop()

	w.scan(ctx, settle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanSignal:
			w.scan(ctx, settle)
		case <-settle.C:
			w.scan(ctx, settle)
		case <-rescan.C:
			w.scan(ctx, settle)
			rescan.Reset(w.jitteredRescan())
		}
	}
}

func (w *Watcher) jitteredRescan() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(w.rescanInterval)/4 + 1))
	return w.rescanInterval + jitter
}

// scan walks the input directory once. Files still settling arm the settle
// timer so admission does not wait for the next periodic rescan.
func (w *Watcher) scan(ctx context.Context, settle *time.Timer) {
	entries, err := os.ReadDir(w.inputDir)
	if err != nil {
		w.logger.Error("read input directory", logging.Error(err))
		return
	}

	pendingSettle := false
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("stat input file",
					logging.String("file", entry.Name()),
					logging.Error(err),
				)
			}
			continue
		}
		settled, err := w.processFile(ctx, filepath.Join(w.inputDir, entry.Name()), info.Size())
		if err != nil {
			// Per-file isolation: one bad file never stops the scan.
			w.logger.Warn("skipping input file",
				logging.String("file", entry.Name()),
				logging.Error(err),
			)
			continue
		}
		if !settled {
			pendingSettle = true
		}
	}

	if pendingSettle && settle != nil {
		settle.Reset(w.settleInterval + 50*time.Millisecond)
	}
}

// processFile runs one file through parse, settle check, and admission.
// Returns false when the file is still settling.
func (w *Watcher) processFile(ctx context.Context, path string, size int64) (bool, error) {
	w.mu.Lock()
	_, done := w.admitted[path]
	w.mu.Unlock()
	if done {
		return true, nil
	}

	info, err := fragment.Parse(path)
	if err != nil {
		w.mu.Lock()
		_, seen := w.complained[path]
		w.complained[path] = struct{}{}
		w.mu.Unlock()
		if seen {
			return true, nil
		}
		return true, err
	}

	// Reject out-of-range parts before touching the store so a bad filename
	// never creates a group row.
	if info.PartIndex >= w.expectedParts {
		w.markAdmitted(path)
		return true, fmt.Errorf("%w: part %d of group %s (expected 0..%d)",
			queue.ErrPartOutOfRange, info.PartIndex, info.GroupID, w.expectedParts-1)
	}

	if !w.settleCheck(path, size) {
		return false, nil
	}

	group, err := w.store.GetOrCreateGroup(ctx, info.GroupID, w.expectedParts)
	if err != nil {
		return true, err
	}
	if group.IsTerminal() {
		w.markAdmitted(path)
		w.logger.Warn("discarding late fragment for terminal group",
			logging.String(logging.FieldGroupID, info.GroupID),
			logging.Int(logging.FieldPartIndex, info.PartIndex),
			logging.String("state", string(group.State)),
			logging.String("file", filepath.Base(path)),
		)
		return true, nil
	}

	inserted, err := w.store.RecordFragment(ctx, info.GroupID, info.PartIndex, path, size)
	if err != nil {
		if errors.Is(err, queue.ErrPartOutOfRange) {
			w.markAdmitted(path)
		}
		return true, err
	}
	w.markAdmitted(path)

	if inserted {
		w.logger.Info("fragment recorded",
			logging.String(logging.FieldGroupID, info.GroupID),
			logging.Int(logging.FieldPartIndex, info.PartIndex),
			logging.Int64("size_bytes", size),
		)
	}

	if _, err := w.assembler.Evaluate(ctx, info.GroupID); err != nil {
		return true, err
	}
	return true, nil
}

// settleCheck admits a file only after its size held steady across two
// samples at least a settle interval apart. Writers still appending keep
// resetting the sample.
func (w *Watcher) settleCheck(path string, size int64) bool {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	sample, seen := w.samples[path]
	if !seen || sample.size != size {
		w.samples[path] = fileSample{size: size, sampledAt: now}
		return false
	}
	if now.Sub(sample.sampledAt) < w.settleInterval {
		return false
	}
	delete(w.samples, path)
	return true
}

func (w *Watcher) markAdmitted(path string) {
	w.mu.Lock()
	w.admitted[path] = struct{}{}
	delete(w.samples, path)
	w.mu.Unlock()
}
