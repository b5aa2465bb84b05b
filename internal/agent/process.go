package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/logging"
)

const (
	// DefaultPollInterval is how often a supervised process is checked.
	DefaultPollInterval = 2 * time.Second
	// killGrace bounds how long we wait for a killed process to be reaped.
	killGrace = 5 * time.Second
	// maxCapture caps captured stdout/stderr per stream.
	maxCapture = 4 << 20
)

// ProcessSpec describes a child process.
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
}

// ProcessResult is what a finished child produced.
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Supervisor runs child processes and tracks their liveness with a bounded
// polling wait. A child that outlives its timeout, or whose context is
// cancelled, has its whole process group killed.
type Supervisor struct {
	PollInterval time.Duration
	log          *slog.Logger
}

// NewSupervisor creates a Supervisor polling at interval.
func NewSupervisor(interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Supervisor{
		PollInterval: interval,
		log:          logging.WithComponent("agent.supervisor"),
	}
}

// Run starts the process described by spec and waits for it, at most timeout.
// It returns ErrTimeout when the hard timeout fires, the context error when
// ctx is cancelled, and a ProcessResult (possibly with a non-zero ExitCode)
// otherwise.
func (s *Supervisor) Run(ctx context.Context, spec ProcessSpec, timeout time.Duration) (*ProcessResult, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	stdout := &cappedBuffer{limit: maxCapture}
	stderr := &cappedBuffer{limit: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid
	s.log.Debug("child started", slog.Int("pid", pid), slog.String("command", spec.Command))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			return s.finish(waitErr, stdout, stderr, start)
		default:
		}

		if err := ctx.Err(); err != nil {
			s.kill(cmd, done)
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			s.log.Warn("child exceeded hard timeout, killing",
				slog.Int("pid", pid),
				slog.Duration("timeout", timeout),
			)
			s.kill(cmd, done)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		select {
		case waitErr := <-done:
			return s.finish(waitErr, stdout, stderr, start)
		case <-ticker.C:
			s.log.Debug("child alive", slog.Int("pid", pid), slog.Duration("elapsed", time.Since(start)))
		case <-ctx.Done():
		}
	}
}

func (s *Supervisor) finish(waitErr error, stdout, stderr *cappedBuffer, start time.Time) (*ProcessResult, error) {
	res := &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (s *Supervisor) kill(cmd *exec.Cmd, done <-chan error) {
	if err := killProcessGroup(cmd); err != nil {
		s.log.Warn("failed to kill child", slog.Any("error", err))
	}
	select {
	case <-done:
	case <-time.After(killGrace):
		s.log.Error("child not reaped after kill", slog.Int("pid", cmd.Process.Pid))
	}
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
