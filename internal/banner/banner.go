package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/warden/internal/config"
)

// Tagline is the project tagline
const Tagline = "Issues in, pull requests out"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// Startup prints the watch startup banner.
func Startup(w io.Writer, version, repo string, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("WARDEN v"+strings.TrimPrefix(version, "v")), dimStyle.Render("│ "+Tagline))
	fmt.Fprintln(w, dimStyle.Render(rule))

	labels := cfg.GitHub.Labels
	row := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render(fmt.Sprintf("%-9s", k+":")), v)
	}
	row("Repo", repo)
	row("Labels", strings.Join(labels.StageLabels(), ", "))
	if cfg.GitHub.CommandPrefix != "" {
		row("Commands", cfg.GitHub.CommandPrefix+" plan|build|changes")
	}
	row("Agent", cfg.Agent.Backend)
	row("Interval", cfg.Watch.Interval.String())
	update := cfg.Update.Policy
	if cfg.Update.Schedule != "" {
		update += " (" + cfg.Update.Schedule + ")"
	}
	row("Updates", update)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Watching... (Ctrl+C to stop)")
	fmt.Fprintln(w, dimStyle.Render(rule))
	fmt.Fprintln(w)
}
