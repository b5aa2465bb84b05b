package agent

import "time"

// Config selects and tunes the agent backend.
type Config struct {
	// Backend is "claude-code" (default) or "opencode".
	Backend string `yaml:"backend"`
	// Command overrides the binary name or path.
	Command string `yaml:"command,omitempty"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
	// Model is passed through when the backend supports it.
	Model string `yaml:"model,omitempty"`
	// Timeout is the default hard timeout per invocation.
	Timeout time.Duration `yaml:"timeout"`
	// PollInterval is how often child liveness is checked.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns claude-code with a 30 minute hard timeout.
func DefaultConfig() *Config {
	return &Config{
		Backend:      BackendClaudeCode,
		Timeout:      30 * time.Minute,
		PollInterval: DefaultPollInterval,
	}
}
