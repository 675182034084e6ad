package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coalesce/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigPathCommand())
	return configCmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "input_dir: %s\n", cfg.Paths.InputDir)
			fmt.Fprintf(out, "fast_tier_dir: %s\n", cfg.Paths.FastTierDir)
			fmt.Fprintf(out, "persistent_tier_dir: %s\n", cfg.Paths.PersistentTierDir)
			fmt.Fprintf(out, "log_dir: %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "expected_parts: %d\n", cfg.Ingest.ExpectedParts)
			fmt.Fprintf(out, "settle_interval: %s\n", cfg.SettleInterval())
			fmt.Fprintf(out, "max_concurrency: %d\n", cfg.Dispatch.MaxConcurrency)
			fmt.Fprintf(out, "max_retries: %d\n", cfg.Dispatch.MaxRetries)
			fmt.Fprintf(out, "lease: %s (renew every %s)\n", cfg.Lease(), cfg.LeaseRenew())
			fmt.Fprintf(out, "attempt_timeout: %s\n", cfg.AttemptTimeout())
			fmt.Fprintf(out, "safety_margin: %.2f\n", cfg.Staging.SafetyMargin)
			fmt.Fprintf(out, "retention: %s\n", cfg.Retention())
			fmt.Fprintf(out, "group_timeout: %s (+%s grace)\n", cfg.GroupTimeout(), cfg.GraceWindow())
			fmt.Fprintf(out, "writer_command: %s\n", cfg.Writer.Command)
			return nil
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var forceFlag bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !forceFlag {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample config to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the default configuration file path",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
