// Package gitsync commits worktree changes and pushes them to the remote
// branch. It never force-pushes.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/alekspetrov/warden/internal/logging"
)

const remoteName = "origin"

// ErrPushRejected means the remote refused the push, usually because the
// branch diverged. The local commit is preserved.
var ErrPushRejected = errors.New("push rejected by remote")

// Status is the outcome of a sync.
type Status string

const (
	StatusNothingToSync Status = "nothing_to_sync"
	StatusCommitted     Status = "committed"
	StatusPushed        Status = "pushed"
	StatusRejected      Status = "rejected"
)

// FileNote describes one changed file for the commit body.
type FileNote struct {
	Path        string
	Description string
}

// Request is one commit (and optional push).
type Request struct {
	Branch  string
	Prefix  string
	Summary string
	Files   []FileNote
	// CoAuthor is "Name <email>" of whoever asked for the change.
	CoAuthor string
}

// Result reports what Sync did.
type Result struct {
	Status    Status
	CommitSHA string
	Message   string
	// Detail carries the remote's rejection output.
	Detail string
}

// Client runs git in one worktree.
type Client struct {
	dir string
	log *slog.Logger
}

// New creates a Client for the worktree at dir.
func New(dir string) *Client {
	return &Client{
		dir: dir,
		log: logging.WithComponent("gitsync"),
	}
}

// Sync commits all uncommitted changes and pushes them to req.Branch. With no
// uncommitted changes it returns StatusNothingToSync and does nothing. A
// rejected push returns StatusRejected together with ErrPushRejected.
func (c *Client) Sync(ctx context.Context, req Request) (*Result, error) {
	res, err := c.CommitLocal(ctx, req)
	if err != nil || res.Status == StatusNothingToSync {
		return res, err
	}
	if err := c.Push(ctx, req.Branch); err != nil {
		if errors.Is(err, ErrPushRejected) {
			res.Status = StatusRejected
			res.Detail = err.Error()
		}
		return res, err
	}
	res.Status = StatusPushed
	return res, nil
}

// CommitLocal stages everything and commits without pushing.
func (c *Client) CommitLocal(ctx context.Context, req Request) (*Result, error) {
	changed, err := c.ChangedFiles(ctx)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		c.log.Debug("nothing to sync", slog.String("dir", c.dir))
		return &Result{Status: StatusNothingToSync}, nil
	}

	files := req.Files
	if len(files) == 0 {
		for _, path := range changed {
			files = append(files, FileNote{Path: path})
		}
	}
	req.Files = files
	msg := FormatMessage(req)

	if _, err := c.git(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := c.git(ctx, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	sha, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}

	c.log.Info("committed", slog.String("sha", sha), slog.Int("files", len(changed)))
	return &Result{Status: StatusCommitted, CommitSHA: sha, Message: msg}, nil
}

// Push pushes HEAD to branch on origin without force.
func (c *Client) Push(ctx context.Context, branch string) error {
	out, err := c.git(ctx, "push", "-u", remoteName, "HEAD:refs/heads/"+branch)
	if err == nil {
		return nil
	}
	if isRejection(out + err.Error()) {
		c.log.Warn("push rejected", slog.String("branch", branch))
		return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(out))
	}
	return fmt.Errorf("failed to push: %w", err)
}

// HasChanges reports whether the worktree has uncommitted modifications.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	files, err := c.ChangedFiles(ctx)
	return len(files) > 0, err
}

// ChangedFiles lists uncommitted paths from `git status --porcelain`.
func (c *Client) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files, nil
}

// Head returns the current commit SHA.
func (c *Client) Head(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get commit SHA: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the diff of HEAD against the merge base with base, including
// uncommitted changes.
func (c *Client) Diff(ctx context.Context, base string) (string, error) {
	mergeBase, err := c.git(ctx, "merge-base", "HEAD", base)
	if err != nil {
		return "", fmt.Errorf("failed to find merge base: %w", err)
	}
	out, err := c.git(ctx, "diff", strings.TrimSpace(mergeBase))
	if err != nil {
		return "", fmt.Errorf("failed to diff: %w", err)
	}
	return out, nil
}

// Ahead counts local commits on HEAD not yet on origin/<branch>. A branch
// that does not exist on the remote counts commits since base.
func (c *Client) Ahead(ctx context.Context, branch, base string) (int, error) {
	ref := remoteName + "/" + branch
	if _, err := c.git(ctx, "rev-parse", "--verify", "--quiet", ref); err != nil {
		ref = base
	}
	out, err := c.git(ctx, "rev-list", "--count", ref+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	var n int
	_, _ = fmt.Sscanf(strings.TrimSpace(out), "%d", &n)
	return n, nil
}

// git runs a git command and returns combined output. On failure the output
// is included in the error.
func (c *Client) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func isRejection(out string) bool {
	out = strings.ToLower(out)
	for _, s := range []string{"[rejected]", "non-fast-forward", "fetch first", "failed to push some refs"} {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}
