package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/worktree"
)

// Platform is the hosting-platform surface the workflow consumes.
// *github.Client implements it.
type Platform interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	ListIssues(ctx context.Context, owner, repo string, opts *github.ListIssuesOptions) ([]*github.Issue, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.Comment, error)
	ListRepoComments(ctx context.Context, owner, repo string, since time.Time) ([]*github.Comment, error)
	ListIssueEvents(ctx context.Context, owner, repo string, since time.Time) ([]*github.IssueEvent, error)
	AddComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
	UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*github.Comment, error)
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	FindPRByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo string, input *github.PullRequestInput) (*github.PullRequest, error)
	ListReviewComments(ctx context.Context, owner, repo string, number int) ([]*github.ReviewComment, error)
}

// Worktrees provides isolated checkouts. *worktree.Manager implements it.
type Worktrees interface {
	Ensure(ctx context.Context, b worktree.BranchInfo) (*worktree.Info, error)
}

// BuildStateCache stores the last known BuildState per issue. It is a
// performance cache only and may be nil.
type BuildStateCache interface {
	SaveBuildState(ctx context.Context, st BuildState) error
}

// RunContext is everything a stage needs, built once at startup and passed
// explicitly from the poller to each stage.
type RunContext struct {
	Owner string
	Repo  string

	Platform  Platform
	Agent     agent.Executor
	Worktrees Worktrees
	Cache     BuildStateCache

	Labels        Labels
	CommandPrefix string
	// BotLogin restricts trusted markers to one author when set.
	BotLogin string

	// RepoPath is the main checkout, used for read-only agent runs.
	RepoPath         string
	BaseBranch       string
	StageTimeout     time.Duration
	AgentTimeout     time.Duration
	TestCommand      string
	MaxBuildAttempts int

	// Audit receives stage failures alongside the self-update records.
	Audit audit.Recorder
	Log   *slog.Logger
}

// FullName returns "owner/repo".
func (rc *RunContext) FullName() string {
	return rc.Owner + "/" + rc.Repo
}

// Logger returns the run logger enriched with ctx values.
func (rc *RunContext) Logger(ctx context.Context) *slog.Logger {
	base := rc.Log
	if base == nil {
		base = logging.Logger()
	}
	return logging.FromContext(ctx, base)
}

// Snapshot fetches an issue's comments and derives its state.
func (rc *RunContext) Snapshot(ctx context.Context, number int) (*Snapshot, []*github.Comment, error) {
	comments, err := rc.Platform.ListIssueComments(ctx, rc.Owner, rc.Repo, number)
	if err != nil {
		return nil, nil, fmt.Errorf("list comments for #%d: %w", number, err)
	}
	return Derive(comments, rc.BotLogin), comments, nil
}

// Comment posts a comment on an issue or PR.
func (rc *RunContext) Comment(ctx context.Context, number int, body string) (*github.Comment, error) {
	c, err := rc.Platform.AddComment(ctx, rc.Owner, rc.Repo, number, body)
	if err != nil {
		return nil, fmt.Errorf("comment on #%d: %w", number, err)
	}
	return c, nil
}

// RemoveLabel removes a stage's label from an issue or PR.
func (rc *RunContext) RemoveLabel(ctx context.Context, number int, stage Stage) error {
	label := rc.Labels.LabelFor(stage)
	if label == "" {
		return nil
	}
	if err := rc.Platform.RemoveLabel(ctx, rc.Owner, rc.Repo, number, label); err != nil {
		return fmt.Errorf("remove label %q from #%d: %w", label, number, err)
	}
	return nil
}

// RecordBuild writes st to the cache when one is configured. Cache errors are
// logged and otherwise ignored.
func (rc *RunContext) RecordBuild(ctx context.Context, st BuildState) {
	if rc.Cache == nil {
		return
	}
	if err := rc.Cache.SaveBuildState(ctx, st); err != nil {
		rc.Logger(ctx).Warn("failed to cache build state",
			slog.Int("issue", st.IssueNumber),
			slog.Any("error", err),
		)
	}
}

// RecordFailure appends a stage failure to the audit log when one is
// configured. Audit errors are logged and otherwise ignored.
func (rc *RunContext) RecordFailure(ctx context.Context, stage Stage, trigger string, issue int, reason string) {
	if rc.Audit == nil {
		return
	}
	if err := rc.Audit.Record(audit.EventFailure, map[string]any{
		"stage":   string(stage),
		"trigger": trigger,
		"issue":   issue,
		"reason":  reason,
	}); err != nil {
		rc.Logger(ctx).Warn("failed to record audit entry",
			slog.Int("issue", issue),
			slog.Any("error", err),
		)
	}
}

// InvokeAgent runs the agent with the configured timeout.
func (rc *RunContext) InvokeAgent(ctx context.Context, prompt, dir string) (*agent.Result, error) {
	return rc.Agent.Invoke(ctx, agent.Request{Prompt: prompt, Dir: dir, Timeout: rc.AgentTimeout})
}

// IssueView is an issue together with its comment thread and derived state,
// fetched once per routed trigger.
type IssueView struct {
	Issue    *github.Issue
	Comments []*github.Comment
	Snapshot *Snapshot
}

// HumanComments returns the thread without bot comments, markers stripped.
func (v *IssueView) HumanComments(botLogin string) []*github.Comment {
	var out []*github.Comment
	for _, c := range v.Comments {
		if botLogin != "" && strings.EqualFold(c.User.Login, botLogin) {
			continue
		}
		if len(ParseMarkers(c.Body)) > 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
