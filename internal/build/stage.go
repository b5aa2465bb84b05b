package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/gitsync"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/plan"
	"github.com/alekspetrov/warden/internal/workflow"
	"github.com/alekspetrov/warden/internal/worktree"
)

const (
	commitPrefix = "warden"
	// reportTimeout bounds status reporting after the stage context ended.
	reportTimeout = 30 * time.Second
)

// ErrNoPlan means the issue has no live plan to build from.
var ErrNoPlan = errors.New("issue has no plan")

// Failure reasons recorded on failed build markers besides agent.FailureKind.
const (
	reasonCommit       = "commit_failed"
	reasonDiff         = "diff_failed"
	reasonPushRejected = "push_rejected"
	reasonPush         = "push_failed"
)

// Stage implements an issue from its live plan in an isolated worktree,
// verifies the result, and opens a pull request when it is complete.
type Stage struct {
	rc  *workflow.RunContext
	log *slog.Logger
	now func() time.Time
}

// NewStage creates a build stage.
func NewStage(rc *workflow.RunContext) *Stage {
	return &Stage{rc: rc, log: logging.WithComponent("build"), now: time.Now}
}

// attempt carries what every outcome of one build needs.
type attempt struct {
	issue   *github.Issue
	trigger workflow.Trigger
	branch  string
	number  int
	started time.Time
	git     *gitsync.Client
}

// Run executes one build attempt. Outcomes the agent is responsible for
// (failure, incomplete work) are reported on the issue and return nil; an
// error means the attempt could not be recorded and should be retried.
func (s *Stage) Run(ctx context.Context, view *workflow.IssueView, t workflow.Trigger) error {
	issue := view.Issue
	snap := view.Snapshot
	if snap.PlanComment == nil {
		return fmt.Errorf("%w: #%d", ErrNoPlan, issue.Number)
	}
	livePlan := plan.Live(snap.PlanComment.Body)
	if strings.TrimSpace(livePlan) == "" {
		return fmt.Errorf("%w: plan comment %d has no live section", ErrNoPlan, snap.PlanComment.ID)
	}

	branch := BranchName(issue.Number, issue.Title)
	var followUps []string
	if last := snap.LastBuild; last != nil && last.Status != workflow.BuildPRCreated {
		if last.Branch != "" {
			branch = last.Branch
		}
		if last.Comment != nil {
			followUps = FollowUps(last.Comment.Body)
		}
	}

	at := &attempt{
		issue:   issue,
		trigger: t,
		branch:  branch,
		number:  snap.Attempts + 1,
		started: s.now(),
	}
	log := s.log.With(
		slog.Int("issue", issue.Number),
		slog.String("branch", branch),
		slog.Int("attempt", at.number),
	)
	s.record(ctx, at, workflow.BuildImplementing, "")

	wt, err := s.rc.Worktrees.Ensure(ctx, worktree.BranchInfo{
		HeadRef: branch,
		BaseRef: s.rc.BaseBranch,
		Create:  true,
	})
	if err != nil {
		return fmt.Errorf("prepare worktree for %s: %w", branch, err)
	}
	at.git = gitsync.New(wt.Path)

	log.Info("build started", slog.String("worktree", wt.Path), slog.Int("follow_ups", len(followUps)))
	if _, err := s.rc.InvokeAgent(ctx, executionPrompt(issue, livePlan, followUps), wt.Path); err != nil {
		return s.failed(ctx, at, string(agent.Classify(err)), err)
	}

	s.record(ctx, at, workflow.BuildVerifying, "")
	if _, err := at.git.CommitLocal(ctx, gitsync.Request{
		Branch:  branch,
		Prefix:  commitPrefix,
		Summary: fmt.Sprintf("implement #%d %s", issue.Number, issue.Title),
	}); err != nil {
		return s.failed(ctx, at, reasonCommit, err)
	}

	diff, err := at.git.Diff(ctx, s.baseRef())
	if err != nil {
		return s.failed(ctx, at, reasonDiff, err)
	}
	if strings.TrimSpace(diff) == "" {
		log.Warn("agent produced no changes")
		return s.incomplete(ctx, at, &Verdict{
			Summary:   "The agent finished without changing any files.",
			FollowUps: []string{"Implement the plan; no changes were produced"},
		})
	}

	res, err := s.rc.InvokeAgent(ctx, verificationPrompt(issue, livePlan, diff), wt.Path)
	if err != nil {
		return s.failed(ctx, at, string(agent.Classify(err)), err)
	}
	var v Verdict
	if err := agent.DecodeJSON(res.Text, &v); err != nil {
		return s.failed(ctx, at, string(agent.FailureUnverifiable), err)
	}

	if !v.Complete || unmet(v.Criteria) > 0 {
		log.Info("build incomplete", slog.Int("unmet", unmet(v.Criteria)))
		return s.incomplete(ctx, at, &v)
	}
	return s.complete(ctx, at, &v)
}

func (s *Stage) baseRef() string {
	base := s.rc.BaseBranch
	if base == "" {
		base = "main"
	}
	return "origin/" + base
}

func (s *Stage) complete(ctx context.Context, at *attempt, v *Verdict) error {
	if err := at.git.Push(ctx, at.branch); err != nil {
		if errors.Is(err, gitsync.ErrPushRejected) {
			return s.failed(ctx, at, reasonPushRejected, err)
		}
		return s.failed(ctx, at, reasonPush, err)
	}
	sha, err := at.git.Head(ctx)
	if err != nil {
		return err
	}

	pr, err := s.rc.Platform.FindPRByBranch(ctx, s.rc.Owner, s.rc.Repo, at.branch)
	if err != nil {
		return fmt.Errorf("look up PR for %s: %w", at.branch, err)
	}
	if pr == nil {
		pr, err = s.rc.Platform.CreatePullRequest(ctx, s.rc.Owner, s.rc.Repo, &github.PullRequestInput{
			Title: at.issue.Title,
			Body:  pullRequestBody(at.issue, v),
			Head:  at.branch,
			Base:  s.rc.BaseBranch,
		})
		if err != nil {
			return fmt.Errorf("create PR for %s: %w", at.branch, err)
		}
	}

	marker := workflow.NewMarker(workflow.MarkerBuild,
		workflow.AttrStatus, workflow.BuildMarkerComplete,
		workflow.AttrPR, fmt.Sprint(pr.Number),
		workflow.AttrBranch, at.branch,
		workflow.AttrCommit, sha,
		workflow.AttrTrigger, at.trigger.Key,
	)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n**Build complete.** Opened #%d from `%s`.\n\n", marker, pr.Number, at.branch)
	writeVerdict(&b, v)
	if _, err := s.rc.Comment(ctx, at.issue.Number, b.String()); err != nil {
		return err
	}

	s.record(ctx, at, workflow.BuildPRCreated, sha)
	s.log.Info("pull request ready",
		slog.Int("issue", at.issue.Number),
		slog.Int("pr", pr.Number),
		slog.String("commit", sha),
		slog.Duration("duration", s.now().Sub(at.started)),
	)
	return s.rc.RemoveLabel(ctx, at.issue.Number, workflow.StageBuild)
}

// incomplete keeps the work as a local commit and lists what is missing. The
// build label stays so the next tick resumes.
func (s *Stage) incomplete(ctx context.Context, at *attempt, v *Verdict) error {
	ctx, cancel := reportContext(ctx)
	defer cancel()

	sha, _ := at.git.Head(ctx)
	marker := workflow.NewMarker(workflow.MarkerBuild,
		workflow.AttrStatus, workflow.BuildMarkerIncomplete,
		workflow.AttrBranch, at.branch,
		workflow.AttrCommit, sha,
		workflow.AttrTrigger, at.trigger.Key,
	)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n**Build incomplete** (attempt %d of %d). Work so far is committed locally on `%s`.\n\n",
		marker, at.number, s.maxAttempts(), at.branch)
	writeVerdict(&b, v)
	followUps := v.FollowUps
	if len(followUps) == 0 {
		for _, c := range v.Criteria {
			if !c.Met {
				followUps = append(followUps, c.Text)
			}
		}
	}
	if len(followUps) > 0 {
		b.WriteString(followUpHeading + "\n\n")
		for _, f := range followUps {
			fmt.Fprintf(&b, "- [ ] %s\n", oneLine(f))
		}
	}
	if _, err := s.rc.Comment(ctx, at.issue.Number, b.String()); err != nil {
		return err
	}
	s.record(ctx, at, workflow.BuildIncomplete, sha)
	return s.exhaustIfLast(ctx, at)
}

// failed preserves whatever the agent left behind as a local commit and
// reports the failure reason.
func (s *Stage) failed(ctx context.Context, at *attempt, reason string, cause error) error {
	ctx, cancel := reportContext(ctx)
	defer cancel()

	s.log.Warn("build failed",
		slog.Int("issue", at.issue.Number),
		slog.String("reason", reason),
		slog.Any("error", cause),
	)
	s.rc.RecordFailure(ctx, workflow.StageBuild, at.trigger.Key, at.issue.Number, reason)

	var sha string
	if at.git != nil {
		if res, err := at.git.CommitLocal(ctx, gitsync.Request{
			Branch:  at.branch,
			Prefix:  commitPrefix,
			Summary: fmt.Sprintf("partial work for #%d", at.issue.Number),
		}); err != nil {
			s.log.Warn("could not preserve partial work", slog.Any("error", err))
		} else if res.CommitSHA != "" {
			sha = res.CommitSHA
		}
		if sha == "" {
			sha, _ = at.git.Head(ctx)
		}
	}

	marker := workflow.NewMarker(workflow.MarkerBuild,
		workflow.AttrStatus, workflow.BuildMarkerFailed,
		workflow.AttrReason, reason,
		workflow.AttrBranch, at.branch,
		workflow.AttrCommit, sha,
		workflow.AttrTrigger, at.trigger.Key,
	)
	body := fmt.Sprintf("%s\n**Build failed** (attempt %d of %d, `%s`).\n\n```\n%s\n```\n\nThe branch `%s` is preserved.\n",
		marker, at.number, s.maxAttempts(), reason, oneLine(cause.Error()), at.branch)
	if reason == reasonPushRejected {
		body += "\nThe remote branch has diverged. Resolve it by hand; it is never force-pushed.\n"
	}
	if _, err := s.rc.Comment(ctx, at.issue.Number, body); err != nil {
		return err
	}
	s.record(ctx, at, workflow.BuildFailed, sha)
	return s.exhaustIfLast(ctx, at)
}

func (s *Stage) exhaustIfLast(ctx context.Context, at *attempt) error {
	if at.number < s.maxAttempts() {
		return nil
	}
	marker := workflow.NewMarker(workflow.MarkerBuild,
		workflow.AttrStatus, workflow.BuildMarkerExhausted,
		workflow.AttrBranch, at.branch,
	)
	body := fmt.Sprintf("%s\nGiving up after %d attempts and removing the `%s` label. Re-apply it to try again.\n",
		marker, at.number, s.rc.Labels.LabelFor(workflow.StageBuild))
	if _, err := s.rc.Comment(ctx, at.issue.Number, body); err != nil {
		return err
	}
	s.log.Warn("build attempts exhausted", slog.Int("issue", at.issue.Number), slog.Int("attempts", at.number))
	return s.rc.RemoveLabel(ctx, at.issue.Number, workflow.StageBuild)
}

func (s *Stage) maxAttempts() int {
	if s.rc.MaxBuildAttempts <= 0 {
		return 1
	}
	return s.rc.MaxBuildAttempts
}

func (s *Stage) record(ctx context.Context, at *attempt, status workflow.BuildStatus, sha string) {
	s.rc.RecordBuild(ctx, workflow.BuildState{
		IssueNumber: at.issue.Number,
		Branch:      at.branch,
		Status:      status,
		CommitSHA:   sha,
		StartedAt:   at.started,
	})
}

// reportContext survives cancellation of the stage context so a timed-out
// attempt still gets reported.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}

func pullRequestBody(issue *github.Issue, v *Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Closes #%d\n\n", issue.Number)
	writeVerdict(&b, v)
	return b.String()
}

func writeVerdict(b *strings.Builder, v *Verdict) {
	if s := strings.TrimSpace(v.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	if len(v.Criteria) == 0 {
		return
	}
	b.WriteString("### Acceptance criteria\n\n")
	for _, c := range v.Criteria {
		box := " "
		if c.Met {
			box = "x"
		}
		fmt.Fprintf(b, "- [%s] %s\n", box, oneLine(c.Text))
	}
	b.WriteString("\n")
}

func unmet(criteria []Criterion) int {
	n := 0
	for _, c := range criteria {
		if !c.Met {
			n++
		}
	}
	return n
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
