package gitsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/alekspetrov/warden/internal/testutil"
)

func TestSyncNothingToSync(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	c := New(repo.Dir)

	res, err := c.Sync(context.Background(), Request{Branch: "main", Prefix: "warden", Summary: "noop"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != StatusNothingToSync {
		t.Errorf("Status = %q, want %q", res.Status, StatusNothingToSync)
	}
}

func TestSyncCommitsAndPushes(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	ctx := context.Background()
	testutil.Git(t, repo.Dir, "checkout", "-b", "warden/issue-7-fix")
	testutil.WriteFile(t, repo.Dir, "fix.go", "package fix\n")
	testutil.WriteFile(t, repo.Dir, "README.md", "# Updated\n")

	c := New(repo.Dir)
	changed, err := c.HasChanges(ctx)
	if err != nil || !changed {
		t.Fatalf("HasChanges = %v, %v", changed, err)
	}

	res, err := c.Sync(ctx, Request{
		Branch:  "warden/issue-7-fix",
		Prefix:  "warden(changes)",
		Summary: "rename handler",
		Files: []FileNote{
			{Path: "fix.go", Description: "add fix package"},
			{Path: "README.md", Description: "document fix"},
		},
		CoAuthor: NoreplyAuthor("octocat"),
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != StatusPushed || res.CommitSHA == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !repo.RemoteHas(t, "warden/issue-7-fix") {
		t.Fatal("branch was not pushed")
	}

	msg := testutil.Git(t, repo.Dir, "log", "-1", "--format=%B")
	if !strings.HasPrefix(msg, "warden(changes): rename handler") {
		t.Errorf("subject wrong: %q", msg)
	}
	for _, want := range []string{"- fix.go: add fix package", "- README.md: document fix", "Co-authored-by: octocat <octocat@users.noreply.github.com>"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	if changed, _ := c.HasChanges(ctx); changed {
		t.Error("worktree should be clean after sync")
	}
}

func TestSyncPushRejectedKeepsLocalCommit(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	ctx := context.Background()

	other := repo.Clone(t)
	testutil.WriteFile(t, other, "theirs.txt", "theirs")
	testutil.Git(t, other, "add", "-A")
	testutil.Git(t, other, "commit", "-m", "diverge")
	testutil.Git(t, other, "push", "origin", "main")

	testutil.WriteFile(t, repo.Dir, "ours.txt", "ours")
	c := New(repo.Dir)
	res, err := c.Sync(ctx, Request{Branch: "main", Prefix: "warden", Summary: "ours"})
	if !errors.Is(err, ErrPushRejected) {
		t.Fatalf("err = %v, want ErrPushRejected", err)
	}
	if res == nil || res.Status != StatusRejected {
		t.Fatalf("unexpected result: %+v", res)
	}

	head, err := c.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != res.CommitSHA {
		t.Errorf("local commit lost: HEAD %s, committed %s", head, res.CommitSHA)
	}
	if got := testutil.Git(t, other, "ls-remote", "origin", "refs/heads/main"); strings.Contains(got, res.CommitSHA) {
		t.Error("remote was overwritten")
	}
}

func TestCommitLocalDefaultsFileList(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	ctx := context.Background()
	testutil.WriteFile(t, repo.Dir, "dir/new.txt", "x")

	c := New(repo.Dir)
	res, err := c.CommitLocal(ctx, Request{Prefix: "warden", Summary: "wip"})
	if err != nil {
		t.Fatalf("CommitLocal: %v", err)
	}
	if !strings.Contains(res.Message, "- dir/new.txt") {
		t.Errorf("message should list changed files:\n%s", res.Message)
	}

	ahead, err := c.Ahead(ctx, "main", "main")
	if err != nil {
		t.Fatalf("Ahead: %v", err)
	}
	if ahead != 1 {
		t.Errorf("Ahead = %d, want 1", ahead)
	}
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "summary only",
			req:  Request{Prefix: "warden", Summary: "add login"},
			want: "warden: add login",
		},
		{
			name: "files and trailer",
			req: Request{
				Prefix:   "warden",
				Summary:  "add login",
				Files:    []FileNote{{Path: "a.go", Description: "new handler"}, {Path: "b.go"}},
				CoAuthor: "Jane <jane@example.com>",
			},
			want: "warden: add login\n\n- a.go: new handler\n- b.go\n\nCo-authored-by: Jane <jane@example.com>\n",
		},
		{
			name: "trailer without files",
			req:  Request{Prefix: "warden", Summary: "x", CoAuthor: "Jane <jane@example.com>"},
			want: "warden: x\n\nCo-authored-by: Jane <jane@example.com>\n",
		},
		{
			name: "empty summary",
			req:  Request{Prefix: "warden"},
			want: "warden: update files",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatMessage(tt.req); got != tt.want {
				t.Errorf("FormatMessage =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestFormatMessageTruncatesSubject(t *testing.T) {
	got := FormatMessage(Request{Prefix: "warden", Summary: strings.Repeat("long ", 30)})
	subject := strings.SplitN(got, "\n", 2)[0]
	if len(subject) > maxSubject {
		t.Errorf("subject length %d > %d", len(subject), maxSubject)
	}
	if !strings.HasSuffix(subject, "...") {
		t.Errorf("truncated subject should end with ellipsis: %q", subject)
	}
}

func TestFormatMessageTruncatesOnRuneBoundary(t *testing.T) {
	// A byte cut at maxSubject-3 would land inside a three-byte rune.
	got := FormatMessage(Request{Prefix: "warden", Summary: strings.Repeat("日本語", 30)})
	subject := strings.SplitN(got, "\n", 2)[0]
	if !utf8.ValidString(subject) {
		t.Fatalf("subject is not valid UTF-8: %q", subject)
	}
	if n := utf8.RuneCountInString(subject); n != maxSubject {
		t.Errorf("subject has %d runes, want %d", n, maxSubject)
	}
	if !strings.HasSuffix(subject, "日...") {
		t.Errorf("subject = %q", subject)
	}
}
