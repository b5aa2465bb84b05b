package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/logging"
)

// shutdownGrace is how long a child gets to exit after an interrupt.
const shutdownGrace = 30 * time.Second

// BinaryInstaller installs a release over the supervised binary.
// *Installer implements it.
type BinaryInstaller interface {
	Install(ctx context.Context, release *github.Release) error
}

// Supervisor is the reference implementation of the restart contract: it
// runs the watcher as a child and, whenever the child exits with
// ExitCodeRestartForUpdate, installs the latest release and starts it again.
type Supervisor struct {
	binary    string
	args      []string
	installer BinaryInstaller
	source    ReleaseSource
	owner     string
	repo      string
	log       *slog.Logger
}

// NewSupervisor creates a Supervisor for binary run with args.
func NewSupervisor(binary string, args []string, installer BinaryInstaller, source ReleaseSource, releaseRepo string) (*Supervisor, error) {
	owner, repo, err := github.ParseRepo(releaseRepo)
	if err != nil {
		return nil, fmt.Errorf("release repo: %w", err)
	}
	return &Supervisor{
		binary:    binary,
		args:      args,
		installer: installer,
		source:    source,
		owner:     owner,
		repo:      repo,
		log:       logging.WithComponent("supervisor"),
	}, nil
}

// Run supervises until the child exits with any status other than
// ExitCodeRestartForUpdate, and returns that status.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	for restarts := 0; ; restarts++ {
		code, err := s.runChild(ctx)
		if err != nil {
			return 1, err
		}
		if code != ExitCodeRestartForUpdate {
			s.log.Info("watcher exited", slog.Int("code", code), slog.Int("restarts", restarts))
			return code, nil
		}
		if ctx.Err() != nil {
			return code, nil
		}

		s.log.Info("watcher requested update")
		if err := s.update(ctx); err != nil {
			// The restarted watcher sees it is still on the old version
			// and counts the failure itself.
			s.log.Error("update failed, restarting current binary", slog.Any("error", err))
		}
	}
}

func (s *Supervisor) update(ctx context.Context) error {
	release, err := s.source.GetLatestRelease(ctx, s.owner, s.repo)
	if err != nil {
		return fmt.Errorf("fetch latest release: %w", err)
	}
	if release == nil {
		return errors.New("no release published")
	}
	if err := s.installer.Install(ctx, release); err != nil {
		return err
	}
	s.log.Info("installed update", slog.String("version", release.TagName))
	return nil
}

func (s *Supervisor) runChild(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, s.binary, s.args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = shutdownGrace

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("run %s: %w", s.binary, err)
}
