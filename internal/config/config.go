// Package config loads warden's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/fsutil"
	"github.com/alekspetrov/warden/internal/logging"
)

// Update policies
const (
	PolicyOff   = "off"
	PolicyExact = "exact"
	PolicyPatch = "patch"
	PolicyMinor = "minor"
	PolicyMajor = "major"
)

// Bounds for the self-update check interval.
const (
	MinUpdateInterval = 300 * time.Second
	MaxUpdateInterval = 86400 * time.Second
)

// Config represents the main configuration
type Config struct {
	Version string          `yaml:"version"`
	GitHub  *GitHubConfig   `yaml:"github"`
	Watch   *WatchConfig    `yaml:"watch"`
	Agent   *agent.Config   `yaml:"agent"`
	Update  *UpdateConfig   `yaml:"update"`
	State   *StateConfig    `yaml:"state"`
	Logging *logging.Config `yaml:"logging"`
}

// GitHubConfig holds hosting platform settings
type GitHubConfig struct {
	Token string `yaml:"token"`
	// BotLogin, when set, is the only author whose markers are trusted.
	BotLogin      string        `yaml:"bot_login"`
	APIURL        string        `yaml:"api_url,omitempty"`
	Labels        *LabelsConfig `yaml:"labels"`
	CommandPrefix string        `yaml:"command_prefix"`
}

// LabelsConfig maps workflow stages to label names
type LabelsConfig struct {
	Plan           string `yaml:"plan"`
	Build          string `yaml:"build"`
	RequestChanges string `yaml:"request_changes"`
}

// WatchConfig holds poll loop settings
type WatchConfig struct {
	Interval         time.Duration `yaml:"interval"`
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	RepoPath         string        `yaml:"repo_path"`
	BaseBranch       string        `yaml:"base_branch"`
	WorktreeDir      string        `yaml:"worktree_dir"`
	TestCommand      string        `yaml:"test_command"`
	MaxBuildAttempts int           `yaml:"max_build_attempts"`
	// Lookback bounds how far back the first tick scans for triggers.
	Lookback time.Duration `yaml:"lookback"`
}

// UpdateConfig holds self-update settings
type UpdateConfig struct {
	Policy                 string        `yaml:"policy"`
	Interval               time.Duration `yaml:"interval"`
	Schedule               string        `yaml:"schedule,omitempty"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ReleaseRepo            string        `yaml:"release_repo"`
	PinnedVersion          string        `yaml:"pinned_version,omitempty"`
}

// StateConfig holds local state locations
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		GitHub: &GitHubConfig{
			Labels: &LabelsConfig{
				Plan:           "plan",
				Build:          "build",
				RequestChanges: "request-changes",
			},
			CommandPrefix: "/warden",
		},
		Watch: &WatchConfig{
			Interval:         60 * time.Second,
			StageTimeout:     45 * time.Minute,
			RepoPath:         ".",
			BaseBranch:       "main",
			MaxBuildAttempts: 3,
			Lookback:         24 * time.Hour,
		},
		Agent: agent.DefaultConfig(),
		Update: &UpdateConfig{
			Policy:                 PolicyMinor,
			Interval:               time.Hour,
			MaxConsecutiveFailures: 3,
			ReleaseRepo:            "alekspetrov/warden",
		},
		State: &StateConfig{
			Dir: filepath.Join(homeDir, ".warden"),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.fillDefaults()

	// Expand paths
	config.State.Dir = expandPath(config.State.Dir)
	config.Watch.RepoPath = expandPath(config.Watch.RepoPath)
	config.Watch.WorktreeDir = expandPath(config.Watch.WorktreeDir)

	return config, nil
}

// fillDefaults restores sections a config file set to null.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.GitHub == nil {
		c.GitHub = def.GitHub
	}
	if c.GitHub.Labels == nil {
		c.GitHub.Labels = def.GitHub.Labels
	}
	if c.Watch == nil {
		c.Watch = def.Watch
	}
	if c.Agent == nil {
		c.Agent = def.Agent
	}
	if c.Update == nil {
		c.Update = def.Update
	}
	if c.State == nil {
		c.State = def.State
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".warden", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GitHub == nil || c.Watch == nil || c.Agent == nil || c.Update == nil || c.State == nil {
		return fmt.Errorf("incomplete configuration")
	}

	labels := c.GitHub.Labels
	if labels == nil || labels.Plan == "" || labels.Build == "" || labels.RequestChanges == "" {
		return fmt.Errorf("all workflow labels (plan, build, request_changes) are required")
	}
	if strings.EqualFold(labels.Plan, labels.Build) ||
		strings.EqualFold(labels.Plan, labels.RequestChanges) ||
		strings.EqualFold(labels.Build, labels.RequestChanges) {
		return fmt.Errorf("workflow labels must be distinct")
	}
	if c.GitHub.CommandPrefix != "" && strings.ContainsAny(c.GitHub.CommandPrefix, " \t\n") {
		return fmt.Errorf("invalid command prefix %q: must not contain whitespace", c.GitHub.CommandPrefix)
	}

	if c.Watch.Interval <= 0 {
		return fmt.Errorf("invalid watch interval: %s", c.Watch.Interval)
	}
	if c.Watch.StageTimeout <= 0 {
		return fmt.Errorf("invalid stage timeout: %s", c.Watch.StageTimeout)
	}
	if c.Watch.MaxBuildAttempts < 1 {
		return fmt.Errorf("invalid max_build_attempts: %d (must be >= 1)", c.Watch.MaxBuildAttempts)
	}

	switch c.Agent.Backend {
	case agent.BackendClaudeCode, agent.BackendOpenCode, "":
	default:
		return fmt.Errorf("invalid agent backend %q: must be one of %s, %s", c.Agent.Backend, agent.BackendClaudeCode, agent.BackendOpenCode)
	}
	if c.Agent.Timeout < 0 || c.Agent.PollInterval < 0 {
		return fmt.Errorf("agent timeout and poll interval must not be negative")
	}

	switch c.Update.Policy {
	case PolicyOff, PolicyExact, PolicyPatch, PolicyMinor, PolicyMajor:
	default:
		return fmt.Errorf("invalid update policy %q: must be one of off, exact, patch, minor, major", c.Update.Policy)
	}
	if c.Update.Policy == PolicyExact && c.Update.PinnedVersion == "" {
		return fmt.Errorf("update policy exact requires pinned_version")
	}
	if c.Update.Policy != PolicyOff && c.Update.ReleaseRepo == "" {
		return fmt.Errorf("update.release_repo is required unless policy is off")
	}
	if c.Update.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("invalid max_consecutive_failures: %d (must be >= 1)", c.Update.MaxConsecutiveFailures)
	}
	if c.Update.Schedule != "" {
		if _, err := cron.ParseStandard(c.Update.Schedule); err != nil {
			return fmt.Errorf("invalid update schedule %q: %w", c.Update.Schedule, err)
		}
	}

	return nil
}

// EffectiveInterval returns the update check interval clamped to
// [MinUpdateInterval, MaxUpdateInterval].
func (u *UpdateConfig) EffectiveInterval() time.Duration {
	switch {
	case u.Interval < MinUpdateInterval:
		return MinUpdateInterval
	case u.Interval > MaxUpdateInterval:
		return MaxUpdateInterval
	default:
		return u.Interval
	}
}

// StageLabels returns the labels in stage order: plan, build, request-changes.
func (l *LabelsConfig) StageLabels() []string {
	return []string{l.Plan, l.Build, l.RequestChanges}
}
