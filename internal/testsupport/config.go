package testsupport

import (
	"path/filepath"
	"testing"

	"coalesce/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InputDir = filepath.Join(base, "incoming")
	cfg.Paths.FastTierDir = filepath.Join(base, "fast")
	cfg.Paths.PersistentTierDir = filepath.Join(base, "persistent")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Ingest.ExpectedParts = 2
	cfg.Ingest.SettleIntervalSeconds = 1
	cfg.Dispatch.PollIntervalSeconds = 1
	cfg.Writer.Command = "/bin/true"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithExpectedParts overrides the per-group fragment count.
func WithExpectedParts(parts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Ingest.ExpectedParts = parts
	}
}

// WithWriterCommand points the writer at a specific command.
func WithWriterCommand(command string, args ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Writer.Command = command
		cfg.Writer.Args = args
	}
}
