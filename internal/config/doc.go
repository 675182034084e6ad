// Package config loads, normalizes, and validates coalesce configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and validates every knob the daemon and CLI
// need: ingestion intervals, dispatch concurrency and lease timing, staging
// tier roots and safety margin, reaper timeouts, and writer invocation
// settings.
//
// Always obtain settings through this package so downstream code receives
// sanitized absolute paths and clear validation errors.
package config
