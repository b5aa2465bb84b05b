// Package changereq applies requested changes directly to an open pull
// request branch.
package changereq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/changeset"
	"github.com/alekspetrov/warden/internal/gitsync"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/workflow"
	"github.com/alekspetrov/warden/internal/worktree"
)

const (
	commitPrefix = "warden(changes)"
	// maxTestOutput is how much of a failing test run is quoted back.
	maxTestOutput      = 4000
	defaultTestTimeout = 20 * time.Minute
)

// Analysis is the JSON shape the agent returns for a change request.
type Analysis struct {
	Summary         string                 `json:"summary"`
	Changes         []changeset.FileChange `json:"changes"`
	RequiresTestRun bool                   `json:"requires_test_run"`
}

// Request is one change request against a pull request.
type Request struct {
	PRNumber    int
	RequestedBy string
	Analysis
}

// TestRunner runs the repository's test command in dir.
type TestRunner interface {
	Run(ctx context.Context, spec agent.ProcessSpec, timeout time.Duration) (*agent.ProcessResult, error)
}

// Stage turns review feedback on an open PR into a committed, pushed change.
type Stage struct {
	rc    *workflow.RunContext
	tests TestRunner
	log   *slog.Logger
}

// NewStage creates a change request stage. Test commands run under the same
// process supervisor as the agent.
func NewStage(rc *workflow.RunContext) *Stage {
	return &Stage{
		rc:    rc,
		tests: agent.NewSupervisor(0),
		log:   logging.WithComponent("changereq"),
	}
}

// Run handles a request-changes trigger on the PR in view.
func (s *Stage) Run(ctx context.Context, view *workflow.IssueView, t workflow.Trigger) error {
	number := view.Issue.Number
	log := s.log.With(slog.Int("pr", number), slog.String("trigger", t.Key))

	pr, err := s.rc.Platform.GetPullRequest(ctx, s.rc.Owner, s.rc.Repo, number)
	if err != nil {
		return fmt.Errorf("get PR #%d: %w", number, err)
	}
	if !pr.IsOpen() {
		log.Info("pull request is not open, skipping")
		return s.report(ctx, number, t, workflow.ChangesMarkerClosed, "",
			fmt.Sprintf("#%d is %s; change requests only apply to open pull requests.", number, pr.State))
	}

	wt, err := s.rc.Worktrees.Ensure(ctx, worktree.BranchInfo{
		HeadRef:  pr.Head.Ref,
		BaseRef:  pr.Base.Ref,
		PRNumber: number,
	})
	if err != nil {
		return fmt.Errorf("prepare worktree for %s: %w", pr.Head.Ref, err)
	}

	reviews, err := s.rc.Platform.ListReviewComments(ctx, s.rc.Owner, s.rc.Repo, number)
	if err != nil {
		return fmt.Errorf("list review comments for #%d: %w", number, err)
	}

	res, err := s.rc.InvokeAgent(ctx, s.prompt(view, pr, reviews), wt.Path)
	if err != nil {
		return fmt.Errorf("change request agent: %w", err)
	}
	req := Request{PRNumber: number, RequestedBy: t.Actor}
	if err := agent.DecodeJSON(res.Text, &req.Analysis); err != nil {
		return fmt.Errorf("change request agent reply: %w", err)
	}
	if len(req.Changes) == 0 {
		return s.report(ctx, number, t, workflow.ChangesMarkerEmpty, "",
			"No file changes were needed. "+strings.TrimSpace(req.Summary))
	}

	batch, err := changeset.NewApplicator(wt.Path).Apply(req.Changes)
	if err != nil {
		return fmt.Errorf("apply %d change(s): %w", len(req.Changes), err)
	}

	if req.RequiresTestRun && s.rc.TestCommand != "" {
		out, testErr := s.runTests(ctx, wt.Path)
		if testErr != nil {
			if rbErr := batch.Rollback(); rbErr != nil {
				return fmt.Errorf("tests failed (%v) and rollback failed: %w", testErr, rbErr)
			}
			log.Warn("tests failed, change batch rolled back", slog.Any("error", testErr))
			return s.report(ctx, number, t, workflow.ChangesMarkerTestsFailed, "",
				fmt.Sprintf("The requested changes were applied but `%s` failed, so they were rolled back.\n\n```\n%s\n```",
					s.rc.TestCommand, tail(out, maxTestOutput)))
		}
	}
	batch.Commit()

	notes := make([]gitsync.FileNote, 0, len(req.Changes))
	for _, ch := range req.Changes {
		notes = append(notes, gitsync.FileNote{Path: ch.Path, Description: ch.Description})
	}
	summary := req.Summary
	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("address review on #%d", number)
	}
	result, err := gitsync.New(wt.Path).Sync(ctx, gitsync.Request{
		Branch:   pr.Head.Ref,
		Prefix:   commitPrefix,
		Summary:  summary,
		Files:    notes,
		CoAuthor: gitsync.NoreplyAuthor(req.RequestedBy),
	})
	switch {
	case errors.Is(err, gitsync.ErrPushRejected):
		return s.report(ctx, number, t, workflow.ChangesMarkerPushRejected, result.CommitSHA,
			fmt.Sprintf("The changes are committed locally (`%s`) but the push to `%s` was rejected because the branch has moved. Please rebase or merge by hand; warden never force-pushes.\n\n```\n%s\n```",
				short(result.CommitSHA), pr.Head.Ref, result.Detail))
	case err != nil:
		return fmt.Errorf("sync %s: %w", pr.Head.Ref, err)
	case result.Status == gitsync.StatusNothingToSync:
		return s.report(ctx, number, t, workflow.ChangesMarkerEmpty, "",
			"The requested changes were already present on the branch.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pushed `%s` to `%s`.\n\n%s\n\n", short(result.CommitSHA), pr.Head.Ref, strings.TrimSpace(req.Summary))
	for _, n := range notes {
		fmt.Fprintf(&b, "- `%s`", n.Path)
		if n.Description != "" {
			fmt.Fprintf(&b, ": %s", n.Description)
		}
		b.WriteString("\n")
	}
	log.Info("change request applied", slog.Int("files", len(notes)), slog.String("commit", result.CommitSHA))
	return s.report(ctx, number, t, workflow.ChangesMarkerApplied, result.CommitSHA, b.String())
}

// report posts the outcome with its marker and clears the trigger label.
func (s *Stage) report(ctx context.Context, number int, t workflow.Trigger, status, sha, text string) error {
	marker := workflow.NewMarker(workflow.MarkerChanges,
		workflow.AttrStatus, status,
		workflow.AttrPR, fmt.Sprint(number),
		workflow.AttrCommit, sha,
		workflow.AttrTrigger, t.Key,
	)
	if _, err := s.rc.Comment(ctx, number, marker.String()+"\n"+text); err != nil {
		return err
	}
	return s.rc.RemoveLabel(ctx, number, workflow.StageChangeRequest)
}

func (s *Stage) runTests(ctx context.Context, dir string) (string, error) {
	timeout := s.rc.StageTimeout
	if timeout <= 0 {
		timeout = defaultTestTimeout
	}
	res, err := s.tests.Run(ctx, agent.ProcessSpec{
		Command: "sh",
		Args:    []string{"-c", s.rc.TestCommand},
		Dir:     dir,
	}, timeout)
	if err != nil {
		return "", err
	}
	out := res.Stdout + res.Stderr
	if res.ExitCode != 0 {
		return out, fmt.Errorf("test command exited with status %d", res.ExitCode)
	}
	return out, nil
}

func (s *Stage) prompt(view *workflow.IssueView, pr *github.PullRequest, reviews []*github.ReviewComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Changes were requested on pull request #%d in the repository in the current directory (branch `%s`). Do not modify any files; describe the changes instead.\n\n",
		pr.Number, pr.Head.Ref)
	fmt.Fprintf(&b, "## Pull request: %s\n\n%s\n\n", pr.Title, strings.TrimSpace(pr.Body))

	if comments := view.HumanComments(s.rc.BotLogin); len(comments) > 0 {
		b.WriteString("## Discussion\n\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "**@%s**: %s\n\n", c.User.Login, strings.TrimSpace(c.Body))
		}
	}
	if len(reviews) > 0 {
		b.WriteString("## Review comments\n\n")
		for _, r := range reviews {
			loc := r.Path
			if r.Line > 0 {
				loc = fmt.Sprintf("%s:%d", r.Path, r.Line)
			}
			fmt.Fprintf(&b, "- `%s` (@%s): %s\n", loc, r.User.Login, strings.TrimSpace(r.Body))
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Output

Reply with a single JSON object and nothing else. Paths are relative to the repository root; "content" is the complete new file content for create and edit.

` + "```json" + `
{"summary": "what changes and why", "requires_test_run": true, "changes": [{"path": "dir/file.go", "action": "edit", "content": "...", "description": "one line"}]}
` + "```\n")
	return b.String()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
