package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coalesce/internal/config"
	"coalesce/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				pid, running := daemonPID(cfg)
				if running {
					fmt.Fprintf(out, "Daemon: running (pid %d)\n", pid)
				} else {
					fmt.Fprintln(out, "Daemon: not running")
				}
				fmt.Fprintf(out, "Queue database: %s\n", store.Path())
				fmt.Fprintf(out, "Input directory: %s\n", cfg.Paths.InputDir)
				fmt.Fprintf(out, "Backlog (collecting+pending): %d\n", health.Depth())
				if health.OldestPendingAge > 0 {
					fmt.Fprintf(out, "Oldest undispatched group: %s\n", health.OldestPendingAge.Round(time.Second))
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderHealthTable(health))
				return nil
			})
		},
	}
}

// daemonPID reads the daemon pid file and checks the process is alive.
func daemonPID(cfg *config.Config) (int, bool) {
	raw, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "coalesced.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

func renderHealthTable(health queue.HealthSummary) string {
	rows := [][]string{
		{string(queue.StateCollecting), strconv.Itoa(health.Collecting)},
		{string(queue.StatePending), strconv.Itoa(health.Pending)},
		{string(queue.StateInProgress), strconv.Itoa(health.InProgress)},
		{string(queue.StateCompleted), strconv.Itoa(health.Completed)},
		{string(queue.StateFailed), strconv.Itoa(health.Failed)},
		{string(queue.StateQuarantined), strconv.Itoa(health.Quarantined)},
		{string(queue.StateExpired), strconv.Itoa(health.Expired)},
		{"total", strconv.Itoa(health.Total)},
	}
	return renderTable([]string{"STATE", "GROUPS"}, rows, 1)
}
