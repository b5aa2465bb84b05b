package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/upgrade"
)

func newSuperviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise -- <warden args>",
		Short: "Run warden as a child and upgrade it when it asks",
		Long: `Run this binary as a child process. Whenever the child exits with status 75
the latest release is installed over the binary and the child is started again
with the same arguments. Any other exit status ends supervision.

Examples:
  warden supervise -- watch acme/api
  warden --config ./warden.yaml supervise -- --config ./warden.yaml watch acme/api`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}
			client, err := newGitHubClient(cfg)
			if err != nil {
				return err
			}
			installer, err := upgrade.NewInstaller("")
			if err != nil {
				return err
			}
			sup, err := upgrade.NewSupervisor(installer.BinaryPath(), args, installer, client, cfg.Update.ReleaseRepo)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			code, err := sup.Run(ctx)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}
