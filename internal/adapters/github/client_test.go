package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClientWithBaseURL("test-token", server.URL)
	c.SetRetryOptions(RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	return c
}

func TestGetIssue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/issues/42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 42, Title: "Add feature", Labels: []Label{{Name: "Plan"}}})
	})

	issue, err := client.GetIssue(context.Background(), "owner", "repo", 42)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Number != 42 || issue.Title != "Add feature" {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if !HasLabel(issue, "plan") {
		t.Error("HasLabel should be case-insensitive")
	}
}

func TestListIssuesFiltersLabels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "open" {
			t.Errorf("state = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]*Issue{
			{Number: 1, Labels: []Label{{Name: "build"}}},
			{Number: 2, Labels: []Label{{Name: "plan"}}},
			{Number: 3, Labels: []Label{{Name: "BUILD"}, {Name: "plan"}}},
		})
	})

	issues, err := client.ListIssues(context.Background(), "owner", "repo", &ListIssuesOptions{
		Labels: []string{"build"},
		State:  StateOpen,
	})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 2 || issues[0].Number != 1 || issues[1].Number != 3 {
		t.Errorf("unexpected filtered issues: %+v", issues)
	}
}

func TestListIssueEventsStopsAtSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pages := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		// Newest first, one event predates since.
		_ = json.NewEncoder(w).Encode([]*IssueEvent{
			{ID: 3, Event: EventLabeled, CreatedAt: since.Add(2 * time.Hour)},
			{ID: 2, Event: EventLabeled, CreatedAt: since.Add(time.Hour)},
			{ID: 1, Event: EventLabeled, CreatedAt: since.Add(-time.Hour)},
		})
	})

	events, err := client.ListIssueEvents(context.Background(), "owner", "repo", since)
	if err != nil {
		t.Fatalf("ListIssueEvents: %v", err)
	}
	if pages != 1 {
		t.Errorf("fetched %d pages, want 1", pages)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != 2 || events[1].ID != 3 {
		t.Errorf("events not oldest-first: %d, %d", events[0].ID, events[1].ID)
	}
}

func TestListIssueCommentsPaginates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		count := perPage
		if page == "2" {
			count = 3
		}
		comments := make([]*Comment, count)
		for i := range comments {
			comments[i] = &Comment{ID: int64(i + 1), Body: "page " + page}
		}
		_ = json.NewEncoder(w).Encode(comments)
	})

	comments, err := client.ListIssueComments(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatalf("ListIssueComments: %v", err)
	}
	if len(comments) != perPage+3 {
		t.Errorf("got %d comments, want %d", len(comments), perPage+3)
	}
}

func TestUpdateComment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/repos/owner/repo/issues/comments/99" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(Comment{ID: 99, Body: body["body"]})
	})

	c, err := client.UpdateComment(context.Background(), "owner", "repo", 99, "edited")
	if err != nil {
		t.Fatalf("UpdateComment: %v", err)
	}
	if c.Body != "edited" {
		t.Errorf("body = %q", c.Body)
	}
}

func TestRemoveLabelIgnoresNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/labels/request-changes") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"message":"Label does not exist"}`)
	})

	if err := client.RemoveLabel(context.Background(), "owner", "repo", 5, "request-changes"); err != nil {
		t.Errorf("RemoveLabel: %v", err)
	}
}

func TestFindPRByBranch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("head"); got != "owner:warden/issue-42-x" {
			t.Errorf("head = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]*PullRequest{{Number: 9, State: StateOpen, Head: PRRef{Ref: "warden/issue-42-x"}}})
	})

	pr, err := client.FindPRByBranch(context.Background(), "owner", "repo", "warden/issue-42-x")
	if err != nil {
		t.Fatalf("FindPRByBranch: %v", err)
	}
	if pr == nil || pr.Number != 9 {
		t.Errorf("unexpected PR: %+v", pr)
	}
}

func TestGetLatestReleaseNone(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rel, err := client.GetLatestRelease(context.Background(), "owner", "repo")
	if err != nil || rel != nil {
		t.Errorf("GetLatestRelease = %v, %v; want nil, nil", rel, err)
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Comment{ID: 1})
	})

	if _, err := client.AddComment(context.Background(), "owner", "repo", 1, "hi"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCommentIssueNumber(t *testing.T) {
	c := &Comment{IssueURL: "https://api.github.com/repos/owner/repo/issues/314"}
	if got := c.IssueNumber(); got != 314 {
		t.Errorf("IssueNumber = %d, want 314", got)
	}
	if got := (&Comment{}).IssueNumber(); got != 0 {
		t.Errorf("empty IssueNumber = %d, want 0", got)
	}
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"owner/repo", false},
		{"ownerrepo", true},
		{"owner/repo/extra", true},
		{"/repo", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, _, err := ParseRepo(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRepo(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}
