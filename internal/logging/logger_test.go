package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandlerFormatsComponentAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(newPrettyHandler(&buf, levelVar, false))
	logger = NewComponentLogger(logger, "watcher")
	logger.Info("fragment recorded",
		String(FieldGroupID, "20260823T100000Z"),
		Int(FieldPartIndex, 7),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO watcher: fragment recorded") {
		t.Fatalf("unexpected line format: %q", line)
	}
	if !strings.Contains(line, "group_id=20260823T100000Z") {
		t.Fatalf("missing group attr: %q", line)
	}
	if !strings.Contains(line, "part_index=7") {
		t.Fatalf("missing part attr: %q", line)
	}
	if strings.Contains(line, FieldComponent+"=") {
		t.Fatalf("component should be folded into the prefix: %q", line)
	}
}

func TestPrettyHandlerQuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(newPrettyHandler(&buf, levelVar, false))
	logger.Warn("dispatch attempt failed", String("reason", "writer crashed hard"))

	if !strings.Contains(buf.String(), `reason="writer crashed hard"`) {
		t.Fatalf("expected quoted value: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCleanupOldLogsRespectsRetentionAndExcludes(t *testing.T) {
	dir := t.TempDir()

	oldLog := filepath.Join(dir, "coalesce-old.log")
	freshLog := filepath.Join(dir, "coalesce-fresh.log")
	keptLog := filepath.Join(dir, "coalesce-current.log")
	for _, path := range []string{oldLog, freshLog, keptLog} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write log: %v", err)
		}
	}
	stale := time.Now().Add(-72 * time.Hour)
	for _, path := range []string{oldLog, keptLog} {
		if err := os.Chtimes(path, stale, stale); err != nil {
			t.Fatalf("age log: %v", err)
		}
	}

	CleanupOldLogs(NewNop(), 1,
		RetentionTarget{Dir: dir, Pattern: "coalesce-*.log", Exclude: []string{keptLog}},
	)

	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Fatal("expected old log removed")
	}
	if _, err := os.Stat(freshLog); err != nil {
		t.Fatal("expected fresh log kept")
	}
	if _, err := os.Stat(keptLog); err != nil {
		t.Fatal("expected excluded log kept")
	}
}
