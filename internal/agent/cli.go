package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/logging"
)

// CLIExecutor runs a coding-agent CLI once per invocation.
type CLIExecutor struct {
	name           string
	command        string
	buildArgs      func(prompt string) (args []string, stdin string)
	extraArgs      []string
	defaultTimeout time.Duration
	supervisor     *Supervisor
	lookPath       func(string) (string, error)
	log            *slog.Logger
}

// NewClaudeCode creates the Claude Code variant. The prompt is fed on stdin
// so that large prompts are not limited by argv size.
func NewClaudeCode(cfg *Config) *CLIExecutor {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	model := cfg.Model
	return newCLIExecutor(BackendClaudeCode, command, cfg, func(prompt string) ([]string, string) {
		args := []string{
			"-p",
			"--output-format", "text",
			"--dangerously-skip-permissions",
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args, prompt
	})
}

// NewOpenCode creates the OpenCode variant.
func NewOpenCode(cfg *Config) *CLIExecutor {
	command := cfg.Command
	if command == "" {
		command = "opencode"
	}
	model := cfg.Model
	return newCLIExecutor(BackendOpenCode, command, cfg, func(prompt string) ([]string, string) {
		args := []string{"run"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return append(args, prompt), ""
	})
}

func newCLIExecutor(name, command string, cfg *Config, build func(string) ([]string, string)) *CLIExecutor {
	return &CLIExecutor{
		name:           name,
		command:        command,
		buildArgs:      build,
		extraArgs:      cfg.ExtraArgs,
		defaultTimeout: cfg.Timeout,
		supervisor:     NewSupervisor(cfg.PollInterval),
		lookPath:       exec.LookPath,
		log:            logging.WithComponent("agent." + name),
	}
}

// Name returns the backend identifier.
func (e *CLIExecutor) Name() string {
	return e.name
}

// Available reports whether the agent binary can be found.
func (e *CLIExecutor) Available() bool {
	_, err := e.lookPath(e.command)
	return err == nil
}

// Invoke runs the agent in req.Dir and returns its stdout as Text.
func (e *CLIExecutor) Invoke(ctx context.Context, req Request) (*Result, error) {
	path, err := e.lookPath(e.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, e.command)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	args, stdin := e.buildArgs(req.Prompt)
	args = append(args, e.extraArgs...)

	e.log.Info("Invoking agent",
		slog.String("dir", req.Dir),
		slog.Duration("timeout", timeout),
		slog.Int("prompt_bytes", len(req.Prompt)),
	)

	res, err := e.supervisor.Run(ctx, ProcessSpec{
		Command: path,
		Args:    args,
		Dir:     req.Dir,
		Stdin:   stdin,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &ExitError{Code: res.ExitCode, Stderr: lastLine(res.Stderr)}
	}

	e.log.Info("Agent finished", slog.Duration("duration", res.Duration))
	return &Result{
		Text:       strings.TrimSpace(res.Stdout),
		ExitStatus: res.ExitCode,
		Duration:   res.Duration,
	}, nil
}

// lastLine returns the last non-empty line of s, truncated for comments.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 300 {
		line = line[:300] + "..."
	}
	return line
}
