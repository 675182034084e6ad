package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionTarget names a directory and glob pattern subject to log retention.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Exclude []string
}

// CleanupOldLogs removes log files older than retentionDays from the targets.
// A non-positive retention disables cleanup.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) {
	if retentionDays <= 0 {
		return
	}
	if logger == nil {
		logger = NewNop()
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	for _, target := range targets {
		if target.Dir == "" || target.Pattern == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(target.Dir, target.Pattern))
		if err != nil {
			logger.Warn("log retention glob failed",
				String("dir", target.Dir),
				Error(err),
			)
			continue
		}
		excluded := make(map[string]struct{}, len(target.Exclude))
		for _, path := range target.Exclude {
			excluded[filepath.Clean(path)] = struct{}{}
		}
		for _, path := range matches {
			if _, skip := excluded[filepath.Clean(path)]; skip {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				logger.Warn("log retention remove failed",
					String("file", path),
					Error(err),
				)
			}
		}
	}
}
