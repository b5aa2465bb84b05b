package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/adapters/github"
)

// FakePlatform is an in-memory GitHub. Every created object advances a fake
// clock by one second so ordering by time is deterministic.
type FakePlatform struct {
	mu sync.Mutex

	Owner string
	Repo  string
	// BotLogin authors every comment the code under test posts.
	BotLogin string

	issues         map[int]*github.Issue
	comments       map[int][]*github.Comment
	events         []*github.IssueEvent
	prs            map[int]*github.PullRequest
	reviewComments map[int][]*github.ReviewComment
	release        *github.Release

	// Errors injects a failure for the named method (e.g. "AddComment").
	Errors map[string]error

	RemovedLabels []string
	clock         time.Time
	nextID        int64
	nextPR        int
}

// NewFakePlatform creates an empty fake for owner/repo.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		Owner:          "owner",
		Repo:           "repo",
		BotLogin:       BotLogin,
		issues:         map[int]*github.Issue{},
		comments:       map[int][]*github.Comment{},
		prs:            map[int]*github.PullRequest{},
		reviewComments: map[int][]*github.ReviewComment{},
		Errors:         map[string]error{},
		clock:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		nextID:         1000,
		nextPR:         100,
	}
}

func (f *FakePlatform) tick() (int64, time.Time) {
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	return f.nextID, f.clock
}

// Now returns the fake clock.
func (f *FakePlatform) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *FakePlatform) fail(method string) error {
	if err, ok := f.Errors[method]; ok {
		return err
	}
	return nil
}

// AddIssue creates an open issue.
func (f *FakePlatform) AddIssue(number int, title, body string, labels ...string) *github.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, now := f.tick()
	issue := &github.Issue{
		ID:        id,
		Number:    number,
		Title:     title,
		Body:      body,
		State:     github.StateOpen,
		User:      github.User{Login: "reporter"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range labels {
		issue.Labels = append(issue.Labels, github.Label{Name: l})
	}
	f.issues[number] = issue
	return issue
}

// AddPullRequest registers an open PR and its issue twin.
func (f *FakePlatform) AddPullRequest(number int, head, base, title, body string) *github.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addPRLocked(number, head, base, title, body)
}

func (f *FakePlatform) addPRLocked(number int, head, base, title, body string) *github.PullRequest {
	id, now := f.tick()
	pr := &github.PullRequest{
		ID:        id,
		Number:    number,
		State:     github.StateOpen,
		Title:     title,
		Body:      body,
		HTMLURL:   fmt.Sprintf("https://github.com/%s/%s/pull/%d", f.Owner, f.Repo, number),
		Head:      github.PRRef{Ref: head},
		Base:      github.PRRef{Ref: base},
		User:      github.User{Login: f.BotLogin},
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.prs[number] = pr
	f.issues[number] = &github.Issue{
		ID:          id,
		Number:      number,
		Title:       title,
		Body:        body,
		State:       github.StateOpen,
		PullRequest: &github.IssuePRLinks{HTMLURL: pr.HTMLURL},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return pr
}

// ClosePullRequest marks a PR closed.
func (f *FakePlatform) ClosePullRequest(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[number]; ok {
		pr.State = github.StateClosed
	}
}

// ApplyLabel puts a label on an issue and records a labeled event.
func (f *FakePlatform) ApplyLabel(number int, label, actor string) *github.IssueEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		panic(fmt.Sprintf("fake platform: no issue #%d", number))
	}
	if !github.HasLabel(issue, label) {
		issue.Labels = append(issue.Labels, github.Label{Name: label})
	}
	id, now := f.tick()
	ev := &github.IssueEvent{
		ID:        id,
		Event:     github.EventLabeled,
		Actor:     github.User{Login: actor},
		Label:     &github.Label{Name: label},
		Issue:     issue,
		CreatedAt: now,
	}
	f.events = append(f.events, ev)
	return ev
}

// DropLabel removes a label without recording an event, as an operator would.
func (f *FakePlatform) DropLabel(number int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLabelLocked(number, label)
}

// UserComment posts a comment as login.
func (f *FakePlatform) UserComment(number int, login, body string) *github.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCommentLocked(number, login, body)
}

// AddReviewComment adds a line comment on a PR.
func (f *FakePlatform) AddReviewComment(number int, login, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, now := f.tick()
	f.reviewComments[number] = append(f.reviewComments[number], &github.ReviewComment{
		ID: id, Body: body, Path: path, User: github.User{Login: login}, CreatedAt: now,
	})
}

// SetLatestRelease sets what GetLatestRelease returns.
func (f *FakePlatform) SetLatestRelease(r *github.Release) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = r
}

// CommentsOn returns a copy of the comments on an issue or PR.
func (f *FakePlatform) CommentsOn(number int) []*github.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*github.Comment, 0, len(f.comments[number]))
	for _, c := range f.comments[number] {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// PullRequests returns every PR, ordered by number.
func (f *FakePlatform) PullRequests() []*github.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*github.PullRequest, 0, len(f.prs))
	for _, pr := range f.prs {
		cp := *pr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// IssueHasLabel reports whether the issue currently carries label.
func (f *FakePlatform) IssueHasLabel(number int, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	return ok && github.HasLabel(issue, label)
}

func (f *FakePlatform) addCommentLocked(number int, login, body string) *github.Comment {
	id, now := f.tick()
	c := &github.Comment{
		ID:        id,
		Body:      body,
		User:      github.User{Login: login},
		IssueURL:  fmt.Sprintf("https://api.github.com/repos/%s/%s/issues/%d", f.Owner, f.Repo, number),
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.comments[number] = append(f.comments[number], c)
	return c
}

func (f *FakePlatform) removeLabelLocked(number int, label string) {
	issue, ok := f.issues[number]
	if !ok {
		return
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if !strings.EqualFold(l.Name, label) {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
}

// GetIssue implements workflow.Platform.
func (f *FakePlatform) GetIssue(_ context.Context, _, _ string, number int) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetIssue"); err != nil {
		return nil, err
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, &github.APIError{StatusCode: 404, Body: "Not Found"}
	}
	cp := *issue
	cp.Labels = append([]github.Label(nil), issue.Labels...)
	return &cp, nil
}

// ListIssues implements workflow.Platform.
func (f *FakePlatform) ListIssues(_ context.Context, _, _ string, opts *github.ListIssuesOptions) ([]*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListIssues"); err != nil {
		return nil, err
	}
	var out []*github.Issue
	for _, issue := range f.issues {
		if opts != nil && opts.State != "" && opts.State != github.StateAll && issue.State != opts.State {
			continue
		}
		match := true
		if opts != nil {
			for _, l := range opts.Labels {
				if !github.HasLabel(issue, l) {
					match = false
				}
			}
		}
		if match {
			cp := *issue
			cp.Labels = append([]github.Label(nil), issue.Labels...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ListIssueComments implements workflow.Platform.
func (f *FakePlatform) ListIssueComments(_ context.Context, _, _ string, number int) ([]*github.Comment, error) {
	if err := f.failLocked("ListIssueComments"); err != nil {
		return nil, err
	}
	return f.CommentsOn(number), nil
}

func (f *FakePlatform) failLocked(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail(method)
}

// ListRepoComments implements workflow.Platform.
func (f *FakePlatform) ListRepoComments(_ context.Context, _, _ string, since time.Time) ([]*github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListRepoComments"); err != nil {
		return nil, err
	}
	var out []*github.Comment
	for _, list := range f.comments {
		for _, c := range list {
			if since.IsZero() || !c.UpdatedAt.Before(since) {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListIssueEvents implements workflow.Platform.
func (f *FakePlatform) ListIssueEvents(_ context.Context, _, _ string, since time.Time) ([]*github.IssueEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListIssueEvents"); err != nil {
		return nil, err
	}
	var out []*github.IssueEvent
	for _, ev := range f.events {
		if since.IsZero() || !ev.CreatedAt.Before(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddComment implements workflow.Platform.
func (f *FakePlatform) AddComment(_ context.Context, _, _ string, number int, body string) (*github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("AddComment"); err != nil {
		return nil, err
	}
	c := f.addCommentLocked(number, f.BotLogin, body)
	cp := *c
	return &cp, nil
}

// UpdateComment implements workflow.Platform.
func (f *FakePlatform) UpdateComment(_ context.Context, _, _ string, commentID int64, body string) (*github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("UpdateComment"); err != nil {
		return nil, err
	}
	for _, list := range f.comments {
		for _, c := range list {
			if c.ID == commentID {
				_, now := f.tick()
				c.Body = body
				c.UpdatedAt = now
				cp := *c
				return &cp, nil
			}
		}
	}
	return nil, &github.APIError{StatusCode: 404, Body: "Not Found"}
}

// RemoveLabel implements workflow.Platform.
func (f *FakePlatform) RemoveLabel(_ context.Context, _, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("RemoveLabel"); err != nil {
		return err
	}
	f.removeLabelLocked(number, label)
	f.RemovedLabels = append(f.RemovedLabels, fmt.Sprintf("#%d:%s", number, label))
	return nil
}

// GetPullRequest implements workflow.Platform.
func (f *FakePlatform) GetPullRequest(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetPullRequest"); err != nil {
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, &github.APIError{StatusCode: 404, Body: "Not Found"}
	}
	cp := *pr
	return &cp, nil
}

// FindPRByBranch implements workflow.Platform.
func (f *FakePlatform) FindPRByBranch(_ context.Context, _, _, branch string) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FindPRByBranch"); err != nil {
		return nil, err
	}
	for _, pr := range f.prs {
		if pr.Head.Ref == branch && pr.IsOpen() {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, nil
}

// CreatePullRequest implements workflow.Platform.
func (f *FakePlatform) CreatePullRequest(_ context.Context, _, _ string, input *github.PullRequestInput) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreatePullRequest"); err != nil {
		return nil, err
	}
	for _, pr := range f.prs {
		if pr.Head.Ref == input.Head && pr.IsOpen() {
			return nil, &github.APIError{StatusCode: 422, Body: "A pull request already exists"}
		}
	}
	f.nextPR++
	pr := f.addPRLocked(f.nextPR, input.Head, input.Base, input.Title, input.Body)
	cp := *pr
	return &cp, nil
}

// ListReviewComments implements workflow.Platform.
func (f *FakePlatform) ListReviewComments(_ context.Context, _, _ string, number int) ([]*github.ReviewComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListReviewComments"); err != nil {
		return nil, err
	}
	return append([]*github.ReviewComment(nil), f.reviewComments[number]...), nil
}

// GetLatestRelease implements the upgrade release source.
func (f *FakePlatform) GetLatestRelease(_ context.Context, _, _ string) (*github.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetLatestRelease"); err != nil {
		return nil, err
	}
	return f.release, nil
}
