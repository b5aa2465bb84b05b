package health

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/upgrade"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// HealthReport contains all health check results
type HealthReport struct {
	Dependencies []Check
	Config       []Check
	Features     []FeatureStatus
}

// Probe abstracts the host so checks can run against a fake in tests.
type Probe struct {
	LookPath func(string) (string, error)
	Version  func(cmd string, args ...string) string
	Getenv   func(string) string
}

// HostProbe inspects the real machine.
func HostProbe() Probe {
	return Probe{
		LookPath: exec.LookPath,
		Version:  getCommandVersion,
		Getenv:   os.Getenv,
	}
}

// RunChecks performs all health checks based on config
func RunChecks(cfg *config.Config, p Probe) *HealthReport {
	return &HealthReport{
		Dependencies: checkDependencies(cfg, p),
		Config:       checkConfig(cfg, p),
		Features:     checkFeatures(cfg),
	}
}

func agentCommand(cfg *agent.Config) string {
	if cfg.Command != "" {
		return cfg.Command
	}
	if cfg.Backend == agent.BackendOpenCode {
		return "opencode"
	}
	return "claude"
}

func checkDependencies(cfg *config.Config, p Probe) []Check {
	checks := []Check{}

	if version := p.Version("git", "--version"); version != "" {
		checks = append(checks, Check{Name: "git", Status: StatusOK, Message: version})
	} else {
		checks = append(checks, Check{
			Name:    "git",
			Status:  StatusError,
			Message: "not found",
			Fix:     "install git and make sure it is on PATH",
		})
	}

	cmd := agentCommand(cfg.Agent)
	if _, err := p.LookPath(cmd); err == nil {
		checks = append(checks, Check{Name: cmd, Status: StatusOK, Message: "installed"})
	} else {
		fix := "npm install -g @anthropic-ai/claude-code"
		if cfg.Agent.Backend == agent.BackendOpenCode {
			fix = "npm install -g opencode-ai"
		}
		checks = append(checks, Check{Name: cmd, Status: StatusError, Message: "not found", Fix: fix})
	}

	if test := cfg.Watch.TestCommand; test != "" {
		bin := strings.Fields(test)[0]
		if _, err := p.LookPath(bin); err == nil {
			checks = append(checks, Check{Name: bin, Status: StatusOK, Message: "test runner"})
		} else {
			checks = append(checks, Check{
				Name:    bin,
				Status:  StatusWarning,
				Message: "test runner not on PATH",
				Fix:     "install it or change watch.test_command",
			})
		}
	}
	return checks
}

func checkConfig(cfg *config.Config, p Probe) []Check {
	checks := []Check{}

	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{Name: "config", Status: StatusError, Message: err.Error(), Fix: "warden config validate"})
	} else {
		checks = append(checks, Check{Name: "config", Status: StatusOK, Message: "valid"})
	}

	if cfg.GitHub.Token != "" || p.Getenv("GITHUB_TOKEN") != "" {
		checks = append(checks, Check{Name: "github token", Status: StatusOK, Message: "configured"})
	} else {
		checks = append(checks, Check{
			Name:    "github token",
			Status:  StatusError,
			Message: "missing",
			Fix:     "set github.token or export GITHUB_TOKEN",
		})
	}

	if info, err := os.Stat(filepath.Join(cfg.Watch.RepoPath, ".git")); err == nil && (info.IsDir() || info.Mode().IsRegular()) {
		checks = append(checks, Check{Name: "repo path", Status: StatusOK, Message: cfg.Watch.RepoPath})
	} else {
		checks = append(checks, Check{
			Name:    "repo path",
			Status:  StatusError,
			Message: cfg.Watch.RepoPath + " is not a git checkout",
			Fix:     "set watch.repo_path or pass --repo-path",
		})
	}

	if err := os.MkdirAll(cfg.State.Dir, 0755); err != nil {
		checks = append(checks, Check{Name: "state dir", Status: StatusError, Message: err.Error(), Fix: "set state.dir to a writable directory"})
	} else {
		checks = append(checks, Check{Name: "state dir", Status: StatusOK, Message: cfg.State.Dir})
	}

	if cfg.GitHub.BotLogin == "" {
		checks = append(checks, Check{
			Name:    "bot login",
			Status:  StatusWarning,
			Message: "unset, markers from any author are trusted",
			Fix:     "set github.bot_login to the account warden posts as",
		})
	} else {
		checks = append(checks, Check{Name: "bot login", Status: StatusOK, Message: cfg.GitHub.BotLogin})
	}
	return checks
}

func checkFeatures(cfg *config.Config) []FeatureStatus {
	features := []FeatureStatus{}

	updateOn := cfg.Update.Policy != config.PolicyOff
	update := FeatureStatus{Name: "Self-update", Enabled: updateOn, Status: boolToStatus(updateOn), Note: cfg.Update.Policy}
	if updateOn {
		tracker, err := upgrade.LoadTracker(filepath.Join(cfg.State.Dir, upgrade.StateFile), cfg.Update.MaxConsecutiveFailures)
		switch {
		case err != nil:
			update.Status = StatusWarning
			update.Note = "unreadable update state"
		case tracker.Disabled():
			update.Status = StatusWarning
			update.Note = "disabled after repeated failures, run 'warden update reset'"
		}
	}
	features = append(features, update)

	hasTests := cfg.Watch.TestCommand != ""
	features = append(features, FeatureStatus{Name: "Verification", Enabled: hasTests, Status: boolToStatus(hasTests)})

	hasCron := cfg.Update.Schedule != ""
	features = append(features, FeatureStatus{Name: "Update schedule", Enabled: hasCron, Status: boolToStatus(hasCron), Note: cfg.Update.Schedule})

	return features
}

// Summary counts errors and warnings across dependencies and config.
func (r *HealthReport) Summary() (errors, warnings int) {
	for _, group := range [][]Check{r.Dependencies, r.Config} {
		for _, c := range group {
			switch c.Status {
			case StatusError:
				errors++
			case StatusWarning:
				warnings++
			}
		}
	}
	return errors, warnings
}

// ReadyToStart reports whether nothing blocks `warden watch`.
func (r *HealthReport) ReadyToStart() bool {
	errors, _ := r.Summary()
	return errors == 0
}

// getCommandVersion runs a command and returns its version string
func getCommandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if strings.Contains(version, " ") {
		for _, p := range strings.Fields(version) {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

var statusColors = map[Status]lipgloss.Color{
	StatusOK:       lipgloss.Color("#7ec699"),
	StatusWarning:  lipgloss.Color("#e5c07b"),
	StatusError:    lipgloss.Color("#d48a8a"),
	StatusDisabled: lipgloss.Color("243"),
}

// ColorSymbol returns Symbol styled for a terminal.
func (s Status) ColorSymbol() string {
	c, ok := statusColors[s]
	if !ok {
		return s.Symbol()
	}
	return lipgloss.NewStyle().Foreground(c).Render(s.Symbol())
}
