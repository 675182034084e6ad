package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/logging"
)

// CommandWriter shells out to a configured external program, passing the
// staged group directory as the final argument. The child's exit code decides
// the failure classification: codes listed in fatal_exit_codes quarantine the
// group, everything else is retryable.
type CommandWriter struct {
	command    string
	args       []string
	fatalCodes map[int]struct{}
	logger     *slog.Logger
}

// NewCommandWriter builds a CommandWriter from the writer config section.
func NewCommandWriter(cfg *config.Config, logger *slog.Logger) (*CommandWriter, error) {
	if cfg.Writer.Command == "" {
		return nil, errors.New("writer command is not configured")
	}
	fatal := make(map[int]struct{}, len(cfg.Writer.FatalExitCodes))
	for _, code := range cfg.Writer.FatalExitCodes {
		fatal[code] = struct{}{}
	}
	return &CommandWriter{
		command:    cfg.Writer.Command,
		args:       append([]string(nil), cfg.Writer.Args...),
		fatalCodes: fatal,
		logger:     logging.NewComponentLogger(logger, "writer"),
	}, nil
}

// Dispatch runs the configured command against stagedPath. Group identity is
// exposed to the child through the environment.
func (w *CommandWriter) Dispatch(ctx context.Context, stagedPath string, meta Metadata) (Handle, error) {
	args := append(append([]string(nil), w.args...), stagedPath)
	cmd := exec.CommandContext(ctx, w.command, args...)
	cmd.Env = append(os.Environ(),
		"COALESCE_GROUP_ID="+meta.GroupID,
		"COALESCE_PART_COUNT="+strconv.Itoa(meta.PartCount),
		"COALESCE_TOTAL_BYTES="+strconv.FormatInt(meta.TotalBytes, 10),
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	w.logger.Info("dispatching writer command",
		logging.String(logging.FieldGroupID, meta.GroupID),
		logging.String("command", w.command),
		logging.Int("part_count", meta.PartCount),
		logging.Bool("degraded", meta.Degraded),
	)

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		w.logger.Info("writer command succeeded",
			logging.String(logging.FieldGroupID, meta.GroupID),
			logging.Duration("elapsed", time.Since(start)),
		)
		return Handle{GroupID: meta.GroupID, OutputRef: stagedPath, FinishedAt: time.Now()}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Handle{}, Retryable("exec", fmt.Errorf("command interrupted: %w", ctxErr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		tail := lastOutput(output.Bytes(), 512)
		w.logger.Error("writer command failed",
			logging.String(logging.FieldGroupID, meta.GroupID),
			logging.Int("exit_code", code),
			logging.String("output", tail),
		)
		if _, fatal := w.fatalCodes[code]; fatal {
			return Handle{}, Fatal("exec", fmt.Errorf("exit code %d: %s", code, tail))
		}
		return Handle{}, Retryable("exec", fmt.Errorf("exit code %d: %s", code, tail))
	}

	// Spawn failures (missing binary, permissions) will not fix themselves.
	return Handle{}, Fatal("spawn", err)
}

func lastOutput(buf []byte, limit int) string {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) > limit {
		trimmed = trimmed[len(trimmed)-limit:]
	}
	return string(trimmed)
}
