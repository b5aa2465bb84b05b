package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/upgrade"
)

var (
	version = "dev"
	cfgFile string
)

func main() {
	err := newRootCmd().Execute()
	if errors.Is(err, upgrade.ErrRestartForUpdate) {
		os.Exit(upgrade.ExitCodeRestartForUpdate)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Watches a repository and drives issues from plan to pull request",
		Long: `Warden watches a GitHub repository for workflow labels and slash commands.
It plans issues, builds them in isolated worktrees, opens pull requests, and
applies requested changes, keeping all of its state in the repository itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.warden/config.yaml)")

	rootCmd.AddCommand(
		newWatchCmd(),
		newStatusCmd(),
		newUpdateCmd(),
		newSuperviseCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show warden version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", version)
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
