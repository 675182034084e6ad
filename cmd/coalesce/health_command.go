package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coalesce/internal/config"
	"coalesce/internal/queue"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue health counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database path: %s\n", store.Path())
				fmt.Fprintf(out, "Total groups: %d\n", health.Total)
				fmt.Fprintf(out, "Backlog: %d\n", health.Depth())
				fmt.Fprintf(out, "In progress: %d\n", health.InProgress)
				fmt.Fprintf(out, "Awaiting retry: %d\n", health.Failed)
				fmt.Fprintf(out, "Quarantined: %d\n", health.Quarantined)
				fmt.Fprintf(out, "Expired: %d\n", health.Expired)
				if health.OldestPendingAge > 0 {
					fmt.Fprintf(out, "Oldest undispatched group age: %s\n", health.OldestPendingAge.Round(time.Second))
				}
				return nil
			})
		},
	}
}
