// Package staging assembles a group's fragments into a single directory made
// visible by one atomic rename. Two tiers are available: a fast ephemeral tier
// preferred when it has headroom, and a persistent tier used as fallback. Tier
// capacity is probed live at staging time, never cached.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"

	"coalesce/internal/config"
	"coalesce/internal/logging"
	"coalesce/internal/queue"
)

// ErrStagingFailure marks staging errors. All of them are retryable: the temp
// directory is removed and the group can be staged again on the next attempt.
var ErrStagingFailure = errors.New("staging failure")

// Tier names recorded in logs and results.
const (
	TierFast       = "fast"
	TierPersistent = "persistent"
)

// usageFunc reports the free bytes of the filesystem holding path. Swapped in
// tests; production uses gopsutil.
type usageFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Result describes a completed staging operation.
type Result struct {
	Path       string
	Tier       string
	Degraded   bool
	TotalBytes int64
}

// Coordinator stages fragment sets into tier directories.
type Coordinator struct {
	fastDir       string
	persistentDir string
	margin        float64
	usage         usageFunc
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// New builds a Coordinator from the staging config section.
func New(cfg *config.Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		fastDir:       cfg.Paths.FastTierDir,
		persistentDir: cfg.Paths.PersistentTierDir,
		margin:        cfg.Staging.SafetyMargin,
		usage:         diskFree,
		logger:        logging.NewComponentLogger(logger, "staging"),
		active:        make(map[string]struct{}),
	}
}

// Stage copies all fragments of a group into a tier directory and atomically
// renames it to its final name. On any failure the temp directory is removed;
// the final directory either appears complete or not at all.
func (c *Coordinator) Stage(ctx context.Context, groupID string, fragments []*queue.Fragment) (Result, error) {
	if len(fragments) == 0 {
		return Result{}, fmt.Errorf("%w: group %s has no fragments", ErrStagingFailure, groupID)
	}

	var total int64
	for _, fragment := range fragments {
		total += fragment.SizeBytes
	}

	// Probe once to pick a tier, then re-probe the winner right before the
	// copy loop: conditions can change between the two.
	tierDir, tier, degraded := c.selectTier(groupID, total)
	if tier == TierFast {
		if free, err := c.usage(c.fastDir); err != nil || !c.fits(free, total) {
			tierDir, tier, degraded = c.persistentDir, TierPersistent, true
		}
	}
	if degraded {
		c.logger.Warn("fast tier lacks headroom, staging to persistent tier",
			logging.String(logging.FieldGroupID, groupID),
			logging.String("group_size", humanize.IBytes(uint64(total))),
			logging.Float64("safety_margin", c.margin),
		)
	}

	if err := os.MkdirAll(tierDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create tier dir: %v", ErrStagingFailure, err)
	}

	tempDir := filepath.Join(tierDir, tempPrefix+groupID+"-"+uuid.NewString())
	if err := os.Mkdir(tempDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create temp dir: %v", ErrStagingFailure, err)
	}
	// Registered temp dirs are off limits to SweepTemp until this attempt
	// finishes; the instance lock guarantees no other process is staging.
	c.trackTemp(tempDir)
	defer c.untrackTemp(tempDir)

	for _, fragment := range fragments {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(tempDir)
			return Result{}, fmt.Errorf("%w: %v", ErrStagingFailure, err)
		}
		dest := filepath.Join(tempDir, filepath.Base(fragment.Path))
		if err := copyFile(fragment.Path, dest); err != nil {
			_ = os.RemoveAll(tempDir)
			return Result{}, fmt.Errorf("%w: copy part %d of group %s: %v",
				ErrStagingFailure, fragment.PartIndex, groupID, err)
		}
	}

	finalDir := filepath.Join(tierDir, groupID)
	// A previous attempt may have left a complete directory behind; the claim
	// lease guarantees no one else is staging this group right now.
	if err := os.RemoveAll(finalDir); err != nil {
		_ = os.RemoveAll(tempDir)
		return Result{}, fmt.Errorf("%w: clear stale staged dir: %v", ErrStagingFailure, err)
	}
	if err := os.Rename(tempDir, finalDir); err != nil {
		_ = os.RemoveAll(tempDir)
		return Result{}, fmt.Errorf("%w: publish staged dir: %v", ErrStagingFailure, err)
	}

	c.logger.Info("group staged",
		logging.String(logging.FieldGroupID, groupID),
		logging.String(logging.FieldTier, tier),
		logging.String("path", finalDir),
		logging.String("group_size", humanize.IBytes(uint64(total))),
		logging.Int("part_count", len(fragments)),
	)
	return Result{Path: finalDir, Tier: tier, Degraded: degraded, TotalBytes: total}, nil
}

func (c *Coordinator) selectTier(groupID string, total int64) (dir, tier string, degraded bool) {
	if c.fastDir == "" {
		return c.persistentDir, TierPersistent, false
	}
	free, err := c.usage(c.fastDir)
	if err != nil {
		c.logger.Warn("fast tier probe failed",
			logging.String(logging.FieldGroupID, groupID),
			logging.Error(err),
		)
		return c.persistentDir, TierPersistent, true
	}
	if c.fits(free, total) {
		return c.fastDir, TierFast, false
	}
	return c.persistentDir, TierPersistent, true
}

func (c *Coordinator) fits(free uint64, total int64) bool {
	return float64(free) >= float64(total)*c.margin
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
