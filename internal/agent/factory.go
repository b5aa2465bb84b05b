package agent

import "fmt"

// New creates the Executor selected by cfg.Backend.
func New(cfg *Config) (Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case BackendClaudeCode, "":
		return NewClaudeCode(cfg), nil
	case BackendOpenCode:
		return NewOpenCode(cfg), nil
	default:
		return nil, fmt.Errorf("unknown agent backend: %s", cfg.Backend)
	}
}
