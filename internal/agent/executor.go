// Package agent wraps the external coding agent. The agent is opaque: it gets
// a prompt and a working directory and returns text. Every invocation runs as
// a separate OS process under a bounded, polled supervisor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend identifiers
const (
	BackendClaudeCode = "claude-code"
	BackendOpenCode   = "opencode"
)

var (
	// ErrUnavailable means the agent binary or provider cannot be reached.
	ErrUnavailable = errors.New("agent unavailable")
	// ErrTimeout means the invocation exceeded its hard timeout and was killed.
	ErrTimeout = errors.New("agent timed out")
	// ErrUnverifiable means the agent replied but not in the requested shape.
	ErrUnverifiable = errors.New("agent output unverifiable")
)

// ExitError reports a non-zero exit status from the agent process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with status %d", e.Code)
	}
	return fmt.Sprintf("agent exited with status %d: %s", e.Code, e.Stderr)
}

// FailureKind classifies agent failures for status comments.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureUnavailable  FailureKind = "unavailable"
	FailureTimeout      FailureKind = "timeout"
	FailureNonzeroExit  FailureKind = "nonzero_exit"
	FailureUnverifiable FailureKind = "unverifiable"
	FailureOther        FailureKind = "other"
)

// Classify maps an invocation error to its FailureKind.
func Classify(err error) FailureKind {
	var exitErr *ExitError
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrUnavailable):
		return FailureUnavailable
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.As(err, &exitErr):
		return FailureNonzeroExit
	case errors.Is(err, ErrUnverifiable):
		return FailureUnverifiable
	default:
		return FailureOther
	}
}

// Request is one agent invocation.
type Request struct {
	Prompt string
	Dir    string
	// Timeout bounds the invocation; zero means the executor default.
	Timeout time.Duration
}

// Result is the raw outcome of a successful invocation.
type Result struct {
	Text       string
	ExitStatus int
	Duration   time.Duration
}

// Executor is the capability every agent backend provides.
type Executor interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}
