package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/upgrade"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Inspect and control self-update",
	}
	cmd.AddCommand(
		newUpdateStatusCmd(),
		newUpdateCheckCmd(),
		newUpdateResetCmd(),
		newUpdateHistoryCmd(),
	)
	return cmd
}

func newUpdateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the self-update failure tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tracker, err := upgrade.LoadTracker(filepath.Join(cfg.State.Dir, upgrade.StateFile), cfg.Update.MaxConsecutiveFailures)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %s %s (%s)\n", labelStyle.Render("policy:    "), cfg.Update.Policy, cfg.Update.ReleaseRepo)
			renderUpdateState(out, tracker.State())
			return nil
		},
	}
}

func newUpdateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check for a newer release permitted by the update policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newGitHubClient(cfg)
			if err != nil {
				return err
			}
			checker, err := upgrade.NewChecker(client, version, cfg.Update)
			if err != nil {
				return err
			}
			if !checker.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "Self-update is off.")
				return nil
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			info, err := checker.Check(ctx)
			if err != nil {
				return fmt.Errorf("check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current: %s\n", info.Current)
			if info.Latest == "" {
				fmt.Fprintln(out, "Latest:  no release published")
				return nil
			}
			fmt.Fprintf(out, "Latest:  %s\n", info.Latest)
			if info.Permitted {
				fmt.Fprintln(out, okStyle.Render("Update available; a running watcher will apply it on its next check."))
			} else {
				fmt.Fprintln(out, labelStyle.Render("No update: "+info.Reason))
			}
			return nil
		},
	}
}

func newUpdateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the self-update failure counter and re-enable updates",
		Long: `Clear the consecutive failure counter. After the configured number of failed
update cycles automatic updates stay disabled until this command is run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.State.Dir
			tracker, err := upgrade.LoadTracker(filepath.Join(dir, upgrade.StateFile), cfg.Update.MaxConsecutiveFailures)
			if err != nil {
				return err
			}
			prev := tracker.State()
			if err := tracker.Reset(); err != nil {
				return err
			}

			log, err := audit.Open(filepath.Join(dir, audit.FileName), version)
			if err != nil {
				return err
			}
			if err := log.Record(audit.EventTrackerReset, map[string]any{
				"previous_failures": prev.ConsecutiveFailures,
				"was_disabled":      prev.Disabled,
			}); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Self-update re-enabled."))
			return nil
		},
	}
}

func newUpdateHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the self-update audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			entries, err := audit.ReadAll(filepath.Join(cfg.State.Dir, audit.FileName))
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No update activity recorded.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-20s %-10s %v\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Event, e.Version, e.Details)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}
