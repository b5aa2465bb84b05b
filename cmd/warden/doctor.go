package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and configuration",
		Long: `Run health checks on system dependencies and configuration.

Examples:
  warden doctor
  warden doctor --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}
			report := health.RunChecks(cfg, health.HostProbe())
			out := cmd.OutOrStdout()

			printChecks := func(title string, checks []health.Check) {
				fmt.Fprintln(out, headingStyle.Render(title))
				for _, c := range checks {
					fmt.Fprintf(out, "  %s %-14s %s\n", c.Status.ColorSymbol(), c.Name, c.Message)
					if verbose && c.Fix != "" && c.Status != health.StatusOK {
						fmt.Fprintf(out, "                   → %s\n", c.Fix)
					}
				}
				fmt.Fprintln(out)
			}
			printChecks("Dependencies", report.Dependencies)
			printChecks("Configuration", report.Config)

			fmt.Fprintln(out, headingStyle.Render("Features"))
			for _, f := range report.Features {
				note := ""
				if f.Note != "" {
					note = " (" + f.Note + ")"
				}
				fmt.Fprintf(out, "  %s %s%s\n", f.Status.ColorSymbol(), f.Name, note)
			}
			fmt.Fprintln(out)

			errors, warnings := report.Summary()
			switch {
			case !report.ReadyToStart():
				fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("Not ready: %d error(s)", errors)))
			case warnings > 0:
				fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("Ready (%d warning(s))", warnings)))
			default:
				fmt.Fprintln(out, okStyle.Render("All checks passed"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show fix suggestions")
	return cmd
}
