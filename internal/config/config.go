package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for ingestion, staging, and logs.
type Paths struct {
	InputDir          string `toml:"input_dir"`
	FastTierDir       string `toml:"fast_tier_dir"`
	PersistentTierDir string `toml:"persistent_tier_dir"`
	LogDir            string `toml:"log_dir"`
}

// Ingest contains configuration for fragment detection and admission.
type Ingest struct {
	ExpectedParts         int `toml:"expected_parts"`
	SettleIntervalSeconds int `toml:"settle_interval_seconds"`
	RescanIntervalSeconds int `toml:"rescan_interval_seconds"`
}

// Dispatch contains configuration for the claim/dispatch worker pool.
type Dispatch struct {
	MaxConcurrency        int `toml:"max_concurrency"`
	MaxRetries            int `toml:"max_retries"`
	LeaseSeconds          int `toml:"lease_seconds"`
	LeaseRenewSeconds     int `toml:"lease_renew_seconds"`
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds"`
	RetryBackoffSeconds   int `toml:"retry_backoff_seconds"`
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
}

// Staging contains configuration for the two-tier staging coordinator.
type Staging struct {
	SafetyMargin   float64 `toml:"safety_margin"`
	RetentionHours int     `toml:"retention_hours"`
}

// Reaper contains configuration for the periodic expiry and cleanup sweep.
type Reaper struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	JitterSeconds       int `toml:"jitter_seconds"`
	GroupTimeoutSeconds int `toml:"group_timeout_seconds"`
	GraceWindowSeconds  int `toml:"grace_window_seconds"`
}

// Writer contains configuration for the external writer command.
type Writer struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	FatalExitCodes []int    `toml:"fatal_exit_codes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for coalesce.
//
// Configuration sections by subsystem:
//   - Paths: input directory, staging tier roots, and log directory
//   - Ingest: expected part count per group, settle and rescan intervals
//   - Dispatch: worker pool size, retry budget, lease timing, attempt timeout
//   - Staging: tier selection safety margin and post-terminal retention
//   - Reaper: sweep interval, jitter, group timeout and grace window
//   - Writer: external writer command and error classification
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Ingest   Ingest   `toml:"ingest"`
	Dispatch Dispatch `toml:"dispatch"`
	Staging  Staging  `toml:"staging"`
	Reaper   Reaper   `toml:"reaper"`
	Writer   Writer   `toml:"writer"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/coalesce/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("coalesce.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	fields := []*string{
		&c.Paths.InputDir,
		&c.Paths.FastTierDir,
		&c.Paths.PersistentTierDir,
		&c.Paths.LogDir,
	}
	for _, field := range fields {
		if strings.TrimSpace(*field) == "" {
			continue
		}
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
// The fast tier is created on a best-effort basis so the daemon can run
// when the fast storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.InputDir, c.Paths.PersistentTierDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.FastTierDir) != "" {
		_ = os.MkdirAll(c.Paths.FastTierDir, 0o755)
	}
	return nil
}

// SettleInterval returns the duration between the two size samples of the settle check.
func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.Ingest.SettleIntervalSeconds) * time.Second
}

// RescanInterval returns the duration between watcher directory rescans.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.Ingest.RescanIntervalSeconds) * time.Second
}

// Lease returns the dispatch claim lease duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.Dispatch.LeaseSeconds) * time.Second
}

// LeaseRenew returns the interval at which in-flight claims renew their lease.
func (c *Config) LeaseRenew() time.Duration {
	return time.Duration(c.Dispatch.LeaseRenewSeconds) * time.Second
}

// AttemptTimeout returns the hard per-attempt dispatch timeout.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Dispatch.AttemptTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base backoff applied before a failed group becomes claimable.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Dispatch.RetryBackoffSeconds) * time.Second
}

// PollInterval returns the dispatcher idle poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalSeconds) * time.Second
}

// Retention returns the post-terminal retention window for groups and staged copies.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Staging.RetentionHours) * time.Hour
}

// GroupTimeout returns the collecting-state timeout before a group is considered stalled.
func (c *Config) GroupTimeout() time.Duration {
	return time.Duration(c.Reaper.GroupTimeoutSeconds) * time.Second
}

// GraceWindow returns the additive extension applied on top of the group timeout.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.Reaper.GraceWindowSeconds) * time.Second
}

// ReaperInterval returns the base interval between reaper sweeps.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// ReaperJitter returns the maximum random jitter added to each sweep interval.
func (c *Config) ReaperJitter() time.Duration {
	return time.Duration(c.Reaper.JitterSeconds) * time.Second
}

// WriterTimeout returns the writer invocation timeout. Zero means the attempt
// timeout alone bounds the invocation.
func (c *Config) WriterTimeout() time.Duration {
	return time.Duration(c.Writer.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
