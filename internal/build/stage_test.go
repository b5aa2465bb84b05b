package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alekspetrov/warden/internal/agent"
	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/plan"
	"github.com/alekspetrov/warden/internal/testutil"
	"github.com/alekspetrov/warden/internal/workflow"
	"github.com/alekspetrov/warden/internal/worktree"
)

type fixture struct {
	repo     *testutil.GitRepo
	platform *testutil.FakePlatform
	agent    *testutil.FakeAgent
	audit    *testutil.FakeAudit
	rc       *workflow.RunContext
	stage    *Stage
}

func newFixture(t *testing.T, maxAttempts int, steps ...testutil.AgentStep) *fixture {
	t.Helper()
	repo := testutil.NewGitRepo(t)
	p := testutil.NewFakePlatform()
	a := testutil.NewFakeAgent(steps...)
	rec := &testutil.FakeAudit{}
	rc := &workflow.RunContext{
		Owner:            p.Owner,
		Repo:             p.Repo,
		Platform:         p,
		Agent:            a,
		Worktrees:        worktree.NewManager(repo.Dir, filepath.Join(t.TempDir(), "worktrees")),
		Labels:           workflow.DefaultLabels(),
		BotLogin:         p.BotLogin,
		RepoPath:         repo.Dir,
		BaseBranch:       "main",
		MaxBuildAttempts: maxAttempts,
		Audit:            rec,
	}
	return &fixture{repo: repo, platform: p, agent: a, audit: rec, rc: rc, stage: NewStage(rc)}
}

// planned adds issue #42 carrying the build label and a posted plan.
func (f *fixture) planned(t *testing.T) {
	t.Helper()
	f.platform.AddIssue(42, "Add login", "Users need to log in.\n\n- [ ] login.go exists", "build")
	body := plan.Render(&plan.Document{
		IssueNumber: 42,
		Iteration:   1,
		Trigger:     "event:1",
		Summary:     "Add a login handler.",
		Tasks:       []string{"Create login.go"},
	})
	_, err := f.platform.AddComment(context.Background(), f.platform.Owner, f.platform.Repo, 42, body)
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, key string) error {
	t.Helper()
	ctx := context.Background()
	issue, err := f.platform.GetIssue(ctx, f.rc.Owner, f.rc.Repo, 42)
	require.NoError(t, err)
	snap, comments, err := f.rc.Snapshot(ctx, 42)
	require.NoError(t, err)
	view := &workflow.IssueView{Issue: issue, Comments: comments, Snapshot: snap}
	return f.stage.Run(ctx, view, workflow.Trigger{Key: key, Stage: workflow.StageBuild, IssueNumber: 42})
}

func (f *fixture) snapshot(t *testing.T) *workflow.Snapshot {
	t.Helper()
	return workflow.Derive(f.platform.CommentsOn(42), f.platform.BotLogin)
}

func lastComment(p *testutil.FakePlatform, number int) string {
	comments := p.CommentsOn(number)
	if len(comments) == 0 {
		return ""
	}
	return comments[len(comments)-1].Body
}

func TestBuildCompleteOpensPullRequest(t *testing.T) {
	f := newFixture(t, 3,
		testutil.WriteFiles(map[string]string{"login.go": "package main\n"}, "done"),
		testutil.ReplyJSON(Verdict{
			Complete: true,
			Summary:  "Adds login.go.",
			Criteria: []Criterion{{Text: "login.go exists", Met: true}},
		}),
	)
	f.planned(t)

	require.NoError(t, f.run(t, "event:7"))

	prs := f.platform.PullRequests()
	require.Len(t, prs, 1)
	branch := BranchName(42, "Add login")
	assert.Equal(t, branch, prs[0].Head.Ref)
	assert.Equal(t, "main", prs[0].Base.Ref)
	assert.Contains(t, prs[0].Body, "Closes #42")
	assert.Contains(t, prs[0].Body, "- [x] login.go exists")
	assert.True(t, f.repo.RemoteHas(t, branch), "branch should be pushed")

	snap := f.snapshot(t)
	assert.Equal(t, workflow.StatusPRCreated, snap.Status)
	assert.Equal(t, prs[0].Number, snap.PRNumber)
	assert.True(t, snap.Handled("event:7"))
	assert.False(t, f.platform.IssueHasLabel(42, "build"))

	assert.Contains(t, f.agent.Prompts()[0], "Create login.go")
	assert.Contains(t, f.agent.Prompts()[1], "+package main")
}

func TestBuildReusesExistingPullRequest(t *testing.T) {
	f := newFixture(t, 3,
		testutil.WriteFiles(map[string]string{"login.go": "package main\n"}, "done"),
		testutil.ReplyJSON(Verdict{Complete: true, Summary: "ok"}),
	)
	f.planned(t)
	f.platform.AddPullRequest(7, BranchName(42, "Add login"), "main", "Add login", "")

	require.NoError(t, f.run(t, "event:7"))
	assert.Len(t, f.platform.PullRequests(), 1)
	assert.Equal(t, 7, f.snapshot(t).PRNumber)
}

func TestBuildIncompleteThenResume(t *testing.T) {
	f := newFixture(t, 3,
		testutil.WriteFiles(map[string]string{"login.go": "package main\n"}, "half done"),
		testutil.ReplyJSON(Verdict{
			Complete:  false,
			Summary:   "Handler exists, tests missing.",
			Criteria:  []Criterion{{Text: "login.go exists", Met: true}, {Text: "tests pass", Met: false}},
			FollowUps: []string{"Add login_test.go"},
		}),
		testutil.WriteFiles(map[string]string{"login_test.go": "package main\n"}, "done"),
		testutil.ReplyJSON(Verdict{Complete: true, Summary: "All done."}),
	)
	f.planned(t)
	branch := BranchName(42, "Add login")

	require.NoError(t, f.run(t, "event:7"))

	assert.Empty(t, f.platform.PullRequests(), "incomplete work must not open a PR")
	assert.False(t, f.repo.RemoteHas(t, branch), "incomplete work must not be pushed")
	assert.NotEmpty(t, testutil.Git(t, f.repo.Dir, "rev-parse", "--verify", branch))
	assert.True(t, f.platform.IssueHasLabel(42, "build"), "label stays for resume")

	body := lastComment(f.platform, 42)
	assert.Contains(t, body, "### Follow-up tasks")
	assert.Contains(t, body, "- [ ] Add login_test.go")
	assert.Equal(t, []string{"Add login_test.go"}, FollowUps(body))

	snap := f.snapshot(t)
	assert.Equal(t, workflow.StatusIncomplete, snap.Status)
	assert.Equal(t, 1, snap.Attempts)
	assert.True(t, snap.Resumable(3))
	require.NotNil(t, snap.LastBuild)
	assert.Equal(t, branch, snap.LastBuild.Branch)

	resumeKey := workflow.ResumeKey(42, snap.LastBuild.Comment.ID)
	require.NoError(t, f.run(t, resumeKey))

	prompt := f.agent.Prompts()[2]
	assert.Contains(t, prompt, "Add login_test.go")
	assert.Contains(t, prompt, "Do not redo it")

	prs := f.platform.PullRequests()
	require.Len(t, prs, 1)
	assert.Equal(t, branch, prs[0].Head.Ref)
	assert.True(t, f.repo.RemoteHas(t, branch))
	snap = f.snapshot(t)
	assert.Equal(t, workflow.StatusPRCreated, snap.Status)
	assert.True(t, snap.Handled(resumeKey))
}

func TestBuildAgentFailurePreservesBranch(t *testing.T) {
	partial := func(req agent.Request) (*agent.Result, error) {
		if err := os.WriteFile(filepath.Join(req.Dir, "partial.go"), []byte("package main\n"), 0o644); err != nil {
			return nil, err
		}
		return nil, agent.ErrTimeout
	}
	f := newFixture(t, 1, partial)
	f.planned(t)
	branch := BranchName(42, "Add login")

	require.NoError(t, f.run(t, "event:7"))

	comments := f.platform.CommentsOn(42)
	require.Len(t, comments, 3, "plan, failure, exhaustion")
	assert.Contains(t, comments[1].Body, "status=failed")
	assert.Contains(t, comments[1].Body, "reason=timeout")
	assert.Contains(t, comments[2].Body, "status=exhausted")

	assert.Equal(t, "package main", testutil.Git(t, f.repo.Dir, "show", branch+":partial.go"))
	assert.False(t, f.platform.IssueHasLabel(42, "build"), "exhausted builds drop the label")
	assert.Empty(t, f.platform.PullRequests())

	snap := f.snapshot(t)
	assert.True(t, snap.Exhausted)
	assert.False(t, snap.Resumable(1))
	assert.True(t, snap.Handled("event:7"))

	failures := f.audit.Events(audit.EventFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, map[string]any{
		"stage":   "build",
		"trigger": "event:7",
		"issue":   42,
		"reason":  "timeout",
	}, failures[0].Details)
}

func TestBuildUnverifiableVerdict(t *testing.T) {
	f := newFixture(t, 3,
		testutil.WriteFiles(map[string]string{"login.go": "package main\n"}, "done"),
		testutil.Reply("looks good to me"),
	)
	f.planned(t)

	require.NoError(t, f.run(t, "event:7"))

	body := lastComment(f.platform, 42)
	assert.Contains(t, body, "reason=unverifiable")
	assert.True(t, f.platform.IssueHasLabel(42, "build"))
	assert.Empty(t, f.platform.PullRequests())
}

func TestBuildNoChangesIsIncomplete(t *testing.T) {
	f := newFixture(t, 3, testutil.Reply("nothing to do"))
	f.planned(t)

	require.NoError(t, f.run(t, "event:7"))

	assert.Len(t, f.agent.Calls, 1, "no verification without a diff")
	assert.Equal(t, workflow.StatusIncomplete, f.snapshot(t).Status)
}

func TestBuildRequiresPlan(t *testing.T) {
	f := newFixture(t, 3)
	f.platform.AddIssue(42, "Add login", "body", "build")

	err := f.run(t, "event:7")
	assert.True(t, errors.Is(err, ErrNoPlan), "err = %v", err)
	assert.Empty(t, f.agent.Calls)
	assert.Empty(t, f.platform.CommentsOn(42))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "warden/issue-42-add-login-page", BranchName(42, "Add login page!"))
	assert.Equal(t, "warden/issue-7", BranchName(7, "???"))
	name := BranchName(1, strings.Repeat("long title ", 10))
	assert.LessOrEqual(t, len(strings.TrimPrefix(name, "warden/issue-1-")), 40)
	assert.False(t, strings.HasSuffix(name, "-"))
}

func TestFollowUpsStopsAtNextHeading(t *testing.T) {
	body := "intro\n\n### Follow-up tasks\n\n- [ ] one\n- two\n\n### Other\n- three\n"
	assert.Equal(t, []string{"one", "two"}, FollowUps(body))
	assert.Nil(t, FollowUps("no list here"))
}
