package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"coalesce/internal/config"
	"coalesce/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the group queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var stateFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var states []queue.State
				if trimmed := strings.TrimSpace(stateFlag); trimmed != "" {
					for _, raw := range strings.Split(trimmed, ",") {
						state, ok := queue.ParseState(raw)
						if !ok {
							return fmt.Errorf("unknown state %q (known: %s)", raw, knownStates())
						}
						states = append(states, state)
					}
				}

				groups, err := store.List(cmd.Context(), states...)
				if err != nil {
					return err
				}
				if len(groups) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
					return nil
				}

				rows := make([][]string, 0, len(groups))
				for _, group := range groups {
					received, err := store.FragmentCount(cmd.Context(), group.GroupID)
					if err != nil {
						return err
					}
					size, err := store.GroupSize(cmd.Context(), group.GroupID)
					if err != nil {
						return err
					}
					rows = append(rows, []string{
						group.GroupID,
						string(group.State),
						fmt.Sprintf("%d/%d", received, group.ExpectedParts),
						humanize.IBytes(uint64(size)),
						strconv.Itoa(group.RetryCount),
						yesNo(group.Degraded),
						humanize.Time(group.LastUpdateAt),
						truncate(group.ErrorMessage, 48),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"GROUP", "STATE", "PARTS", "SIZE", "RETRIES", "DEGRADED", "UPDATED", "ERROR"},
					rows, 3, 4,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&stateFlag, "state", "", "Comma-separated state filter (e.g. pending,failed)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "retry [group-id...]",
		Short: "Reset failed or quarantined groups for another dispatch attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allFlag && len(args) == 0 {
				return fmt.Errorf("specify group ids or --all")
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				reset, err := store.Retry(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d group(s) to pending.\n", reset)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "Retry every failed and quarantined group")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove terminal groups from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var (
					deleted int64
					err     error
				)
				if allFlag {
					deleted, err = store.ClearAll(cmd.Context())
				} else {
					deleted, err = store.ClearTerminal(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d group(s).\n", deleted)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "Remove every group, not just terminal ones")
	return cmd
}

func knownStates() string {
	states := queue.AllStates()
	names := make([]string, 0, len(states))
	for _, state := range states {
		names = append(names, string(state))
	}
	return strings.Join(names, ", ")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
