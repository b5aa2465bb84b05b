package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/state"
	"github.com/alekspetrov/warden/internal/upgrade"
	"github.com/alekspetrov/warden/internal/workflow"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a"))
)

type statusReport struct {
	Builds     []*workflow.BuildState `json:"builds"`
	Update     upgrade.UpdateState    `json:"update"`
	Checkpoint bool                   `json:"checkpoint_pending"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cached builds and self-update state",
		Long: `Show the builds warden has cached locally and the state of the self-update
circuit breaker. The cache is advisory; the repository itself is authoritative.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			report, err := collectStatus(cmd.Context(), cfg.State.Dir, cfg.Update.MaxConsecutiveFailures)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func collectStatus(ctx context.Context, dir string, maxFailures int) (*statusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := &statusReport{}

	store, err := state.Open(filepath.Join(dir, state.DBName))
	if err != nil {
		return nil, fmt.Errorf("open state cache: %w", err)
	}
	defer func() { _ = store.Close() }()
	if report.Builds, err = store.ListBuildStates(ctx); err != nil {
		return nil, err
	}

	tracker, err := upgrade.LoadTracker(filepath.Join(dir, upgrade.StateFile), maxFailures)
	if err != nil {
		return nil, err
	}
	report.Update = tracker.State()

	if _, err := os.Stat(filepath.Join(dir, upgrade.CheckpointFile)); err == nil {
		report.Checkpoint = true
	}
	return report, nil
}

func renderStatus(w io.Writer, r *statusReport) {
	fmt.Fprintln(w, headingStyle.Render("Builds"))
	if len(r.Builds) == 0 {
		fmt.Fprintln(w, labelStyle.Render("  no cached builds"))
	} else {
		rows := make([][]string, 0, len(r.Builds))
		for _, b := range r.Builds {
			rows = append(rows, []string{
				"#" + strconv.Itoa(b.IssueNumber),
				string(b.Status),
				b.Branch,
				shortSHA(b.CommitSHA),
				formatTime(b.StartedAt),
			})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(labelStyle).
			Headers("ISSUE", "STATUS", "BRANCH", "COMMIT", "STARTED").
			Rows(rows...)
		fmt.Fprintln(w, t.Render())
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headingStyle.Render("Self-update"))
	renderUpdateState(w, r.Update)
	if r.Checkpoint {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("checkpoint:"), "pending restore")
	}
}

func renderUpdateState(w io.Writer, u upgrade.UpdateState) {
	breaker := okStyle.Render("armed")
	if u.Disabled {
		breaker = warnStyle.Render("tripped (run 'warden update reset')")
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("breaker:   "), breaker)
	fmt.Fprintf(w, "  %s %d/%d\n", labelStyle.Render("failures:  "), u.ConsecutiveFailures, u.MaxConsecutiveFailures)
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("last check:"), formatTime(u.LastCheck))
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("last ok:   "), formatTime(u.LastSuccess))
	if u.LastFailure != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("last error:"), u.LastFailure)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
