package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateStaging(); err != nil {
		return err
	}
	if err := c.validateReaper(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.InputDir) == "" {
		return errors.New("paths.input_dir must be set")
	}
	if strings.TrimSpace(c.Paths.PersistentTierDir) == "" {
		return errors.New("paths.persistent_tier_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	if c.Paths.InputDir == c.Paths.PersistentTierDir || c.Paths.InputDir == c.Paths.FastTierDir {
		return errors.New("paths.input_dir must not overlap a staging tier")
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.ExpectedParts <= 0 {
		return errors.New("ingest.expected_parts must be positive")
	}
	return ensurePositiveMap(map[string]int{
		"ingest.settle_interval_seconds": c.Ingest.SettleIntervalSeconds,
		"ingest.rescan_interval_seconds": c.Ingest.RescanIntervalSeconds,
	})
}

func (c *Config) validateDispatch() error {
	if err := ensurePositiveMap(map[string]int{
		"dispatch.max_concurrency":         c.Dispatch.MaxConcurrency,
		"dispatch.lease_seconds":           c.Dispatch.LeaseSeconds,
		"dispatch.lease_renew_seconds":     c.Dispatch.LeaseRenewSeconds,
		"dispatch.attempt_timeout_seconds": c.Dispatch.AttemptTimeoutSeconds,
		"dispatch.retry_backoff_seconds":   c.Dispatch.RetryBackoffSeconds,
		"dispatch.poll_interval_seconds":   c.Dispatch.PollIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Dispatch.MaxRetries < 0 {
		return errors.New("dispatch.max_retries must be >= 0")
	}
	if c.Dispatch.LeaseRenewSeconds >= c.Dispatch.LeaseSeconds {
		return errors.New("dispatch.lease_renew_seconds must be less than dispatch.lease_seconds")
	}
	return nil
}

func (c *Config) validateStaging() error {
	if c.Staging.SafetyMargin < 1.0 {
		return errors.New("staging.safety_margin must be >= 1.0")
	}
	if c.Staging.RetentionHours < 0 {
		return errors.New("staging.retention_hours must be >= 0")
	}
	return nil
}

func (c *Config) validateReaper() error {
	if err := ensurePositiveMap(map[string]int{
		"reaper.interval_seconds":      c.Reaper.IntervalSeconds,
		"reaper.group_timeout_seconds": c.Reaper.GroupTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Reaper.JitterSeconds < 0 {
		return errors.New("reaper.jitter_seconds must be >= 0")
	}
	if c.Reaper.GraceWindowSeconds < 0 {
		return errors.New("reaper.grace_window_seconds must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
