package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/banner"
	"github.com/alekspetrov/warden/internal/build"
	"github.com/alekspetrov/warden/internal/changereq"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/plan"
	"github.com/alekspetrov/warden/internal/state"
	"github.com/alekspetrov/warden/internal/upgrade"
	"github.com/alekspetrov/warden/internal/watch"
	"github.com/alekspetrov/warden/internal/workflow"
	"github.com/alekspetrov/warden/internal/worktree"
)

// processedRetention is how long cached trigger keys are kept.
const processedRetention = 30 * 24 * time.Hour

func newWatchCmd() *cobra.Command {
	var (
		interval time.Duration
		once     bool
		repoPath string
	)

	cmd := &cobra.Command{
		Use:   "watch <owner/repo>",
		Short: "Watch a repository and run the plan/build/change-request workflow",
		Long: `Poll a repository for workflow labels (plan, build, request-changes) and
slash commands, and run the matching stage for each issue or pull request.

When a newer permitted release is found between ticks, warden checkpoints its
state and exits with status 75 so a supervisor can upgrade and restart it.

Examples:
  warden watch acme/api
  warden watch acme/api --interval 2m --repo-path ~/src/api
  warden watch acme/api --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.Watch.Interval = interval
			}
			if repoPath != "" {
				cfg.Watch.RepoPath = repoPath
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, args[0], once, cmd.Flags().Changed("interval"))
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", watch.DefaultInterval, "poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "local clone of the repository (overrides watch.repo_path)")

	return cmd
}

func githubToken(cfg *config.Config) (string, error) {
	if cfg.GitHub.Token != "" {
		return cfg.GitHub.Token, nil
	}
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("github token not configured: set github.token or GITHUB_TOKEN")
}

func newGitHubClient(cfg *config.Config) (*github.Client, error) {
	token, err := githubToken(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.GitHub.APIURL != "" {
		return github.NewClientWithBaseURL(token, cfg.GitHub.APIURL), nil
	}
	return github.NewClient(token), nil
}

// newCheckpointer builds the self-update bracket around the poll loop.
func newCheckpointer(cfg *config.Config, client *github.Client, auditLog audit.Recorder) (*upgrade.Checkpointer, error) {
	dir := cfg.State.Dir
	tracker, err := upgrade.LoadTracker(filepath.Join(dir, upgrade.StateFile), cfg.Update.MaxConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	checker, err := upgrade.NewChecker(client, version, cfg.Update)
	if err != nil {
		return nil, err
	}
	return upgrade.NewCheckpointer(dir, version, checker, tracker, auditLog), nil
}

// worktreeRoot places checkouts under the state directory, outside the main
// checkout, unless watch.worktree_dir is set.
func worktreeRoot(cfg *config.Config, owner, repo string) string {
	if cfg.Watch.WorktreeDir != "" {
		return cfg.Watch.WorktreeDir
	}
	return filepath.Join(cfg.State.Dir, "worktrees", owner, repo)
}

func runWatch(ctx context.Context, cfg *config.Config, fullName string, once, intervalFlag bool) error {
	log := logging.WithComponent("watch")

	owner, repo, err := github.ParseRepo(fullName)
	if err != nil {
		return err
	}
	client, err := newGitHubClient(cfg)
	if err != nil {
		return err
	}
	executor, err := agent.New(cfg.Agent)
	if err != nil {
		return err
	}

	store, err := state.Open(filepath.Join(cfg.State.Dir, state.DBName))
	if err != nil {
		return fmt.Errorf("open state cache: %w", err)
	}
	defer func() { _ = store.Close() }()
	if n, err := store.PurgeProcessed(ctx, processedRetention); err != nil {
		log.Warn("failed to purge trigger cache", slog.Any("error", err))
	} else if n > 0 {
		log.Debug("purged trigger cache", slog.Int64("rows", n))
	}

	auditLog, err := audit.Open(filepath.Join(cfg.State.Dir, audit.FileName), version)
	if err != nil {
		return err
	}

	labels := cfg.GitHub.Labels
	rc := &workflow.RunContext{
		Owner:     owner,
		Repo:      repo,
		Platform:  client,
		Agent:     executor,
		Worktrees: worktree.NewManager(cfg.Watch.RepoPath, worktreeRoot(cfg, owner, repo)),
		Cache:     store,
		Labels: workflow.Labels{
			Plan:           labels.Plan,
			Build:          labels.Build,
			RequestChanges: labels.RequestChanges,
		},
		CommandPrefix:    cfg.GitHub.CommandPrefix,
		BotLogin:         cfg.GitHub.BotLogin,
		RepoPath:         cfg.Watch.RepoPath,
		BaseBranch:       cfg.Watch.BaseBranch,
		StageTimeout:     cfg.Watch.StageTimeout,
		AgentTimeout:     cfg.Agent.Timeout,
		TestCommand:      cfg.Watch.TestCommand,
		MaxBuildAttempts: cfg.Watch.MaxBuildAttempts,
		Audit:            auditLog,
		Log:              log,
	}
	router := watch.NewRouter(rc, plan.NewStage(rc), build.NewStage(rc), changereq.NewStage(rc))

	checkpointer, err := newCheckpointer(cfg, client, auditLog)
	if err != nil {
		return fmt.Errorf("init self-update: %w", err)
	}
	restored, err := checkpointer.Restore()
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	interval := cfg.Watch.Interval
	opts := []watch.PollerOption{
		watch.WithCache(store),
		watch.WithLookback(cfg.Watch.Lookback),
		watch.WithTickHook(checkpointer.AfterTick),
	}
	if restored != nil {
		if restored.Repo != rc.FullName() {
			log.Warn("checkpoint is for another repository, ignoring",
				slog.String("checkpoint_repo", restored.Repo),
				slog.String("repo", rc.FullName()),
			)
		} else {
			if !intervalFlag && restored.Interval > 0 {
				interval = restored.Interval
			}
			if restored.Provider != "" && restored.Provider != executor.Name() {
				log.Warn("agent provider changed since checkpoint",
					slog.String("was", restored.Provider),
					slog.String("now", executor.Name()),
				)
			}
			opts = append(opts, watch.WithRestoredState(restored))
		}
	}
	opts = append(opts, watch.WithInterval(interval))

	poller := watch.NewPoller(rc, router, opts...)
	if once {
		return poller.RunOnce(ctx)
	}
	banner.Startup(os.Stdout, version, rc.FullName(), cfg)
	return poller.Run(ctx)
}
