// Package worktree keeps one isolated git checkout per branch. A checkout is
// looked up by branch name, so revisiting a branch across triggers reuses the
// same directory.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/logging"
)

const remoteName = "origin"

var (
	// ErrBranchNotFound means the head branch exists neither locally nor on
	// the remote and creation was not requested.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrDiverged means the local checkout and the remote branch have both
	// moved and cannot be fast-forwarded.
	ErrDiverged = errors.New("branch diverged from remote")
)

// BranchInfo names the branch a stage wants to work on.
type BranchInfo struct {
	HeadRef string
	BaseRef string
	// Create allows a missing head branch to be created from BaseRef.
	Create   bool
	PRNumber int
}

// Info describes one isolated checkout.
type Info struct {
	Slug       string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
	PRNumber   int
}

// Active reports whether the checkout still exists on disk. It is computed
// on every call.
func (i *Info) Active() bool {
	st, err := os.Stat(i.Path)
	return err == nil && st.IsDir()
}

// Manager creates and reuses checkouts of repoPath under root.
type Manager struct {
	repoPath string
	root     string
	mu       sync.Mutex
	log      *slog.Logger
}

// NewManager creates a Manager. Checkouts live under root, which defaults to
// <repoPath>/.warden/worktrees. A root inside the main checkout is listed in
// the repository's info/exclude before the first checkout is created.
func NewManager(repoPath, root string) *Manager {
	if root == "" {
		root = filepath.Join(repoPath, ".warden", "worktrees")
	}
	return &Manager{
		repoPath: repoPath,
		root:     root,
		log:      logging.WithComponent("worktree"),
	}
}

// RepoPath returns the main repository path.
func (m *Manager) RepoPath() string {
	return m.repoPath
}

// Ensure returns a synchronized checkout of b.HeadRef, creating one when none
// exists. It fails loudly when the branch cannot be resolved.
func (m *Manager) Ensure(ctx context.Context, b BranchInfo) (*Info, error) {
	if b.HeadRef == "" {
		return nil, fmt.Errorf("%w: empty head ref", ErrBranchNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.git(ctx, m.repoPath, "fetch", "--prune", remoteName); err != nil {
		m.log.Warn("fetch failed, continuing with local refs", slog.Any("error", err))
	}

	existing, err := m.find(ctx, b.HeadRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.Active() {
			m.log.Info("pruning stale worktree", slog.String("path", existing.Path))
			if _, err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
				return nil, fmt.Errorf("prune stale worktree: %w", err)
			}
		} else {
			existing.BaseBranch = b.BaseRef
			existing.PRNumber = b.PRNumber
			if err := m.sync(ctx, existing); err != nil {
				return nil, err
			}
			m.log.Debug("reusing worktree", slog.String("branch", b.HeadRef), slog.String("path", existing.Path))
			return existing, nil
		}
	}

	return m.create(ctx, b)
}

// List returns every checkout under the manager's root.
func (m *Manager) List(ctx context.Context) ([]*Info, error) {
	all, err := m.listPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Info
	for _, info := range all {
		if strings.HasPrefix(info.Path, m.root+string(filepath.Separator)) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *Manager) find(ctx context.Context, branch string) (*Info, error) {
	all, err := m.listPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range all {
		if info.Branch == branch {
			return info, nil
		}
	}
	return nil, nil
}

// listPorcelain parses `git worktree list --porcelain`.
func (m *Manager) listPorcelain(ctx context.Context) ([]*Info, error) {
	out, err := m.git(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var infos []*Info
	var cur *Info
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			path := strings.TrimPrefix(line, "worktree ")
			cur = &Info{Path: path, Slug: filepath.Base(path)}
			if st, err := os.Stat(path); err == nil {
				cur.CreatedAt = st.ModTime()
			}
			infos = append(infos, cur)
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return infos, scanner.Err()
}

func (m *Manager) create(ctx context.Context, b BranchInfo) (*Info, error) {
	slug := Slug(b.HeadRef)
	path := filepath.Join(m.root, slug)
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	if err := m.excludeRoot(ctx); err != nil {
		m.log.Warn("could not exclude worktree root", slog.String("root", m.root), slog.Any("error", err))
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree path %s exists but is not registered for %s", path, b.HeadRef)
	}

	var args []string
	switch {
	case m.refExists(ctx, "refs/heads/"+b.HeadRef):
		args = []string{"worktree", "add", path, b.HeadRef}
	case m.refExists(ctx, "refs/remotes/"+remoteName+"/"+b.HeadRef):
		args = []string{"worktree", "add", "--track", "-b", b.HeadRef, path, remoteName + "/" + b.HeadRef}
	case b.Create:
		base, err := m.resolveBase(ctx, b.BaseRef)
		if err != nil {
			return nil, err
		}
		args = []string{"worktree", "add", "--no-track", "-b", b.HeadRef, path, base}
	default:
		return nil, fmt.Errorf("%w: %s is neither local nor on %s", ErrBranchNotFound, b.HeadRef, remoteName)
	}

	if _, err := m.git(ctx, m.repoPath, args...); err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", b.HeadRef, err)
	}

	m.log.Info("created worktree", slog.String("branch", b.HeadRef), slog.String("path", path))
	return &Info{
		Slug:       slug,
		Path:       path,
		Branch:     b.HeadRef,
		BaseBranch: b.BaseRef,
		CreatedAt:  time.Now(),
		PRNumber:   b.PRNumber,
	}, nil
}

// excludeRoot adds root to info/exclude when it lies inside the main
// checkout, so checkouts never show up as untracked content there.
func (m *Manager) excludeRoot(ctx context.Context) error {
	repo, err := filepath.Abs(m.repoPath)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(m.root)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(repo, root)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}

	out, err := m.git(ctx, m.repoPath, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repo, gitDir)
	}
	path := filepath.Join(gitDir, "info", "exclude")
	pattern := "/" + filepath.ToSlash(rel) + "/"

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		pattern = "\n" + pattern
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}

func (m *Manager) resolveBase(ctx context.Context, base string) (string, error) {
	if base == "" {
		return "HEAD", nil
	}
	if m.refExists(ctx, "refs/remotes/"+remoteName+"/"+base) {
		return remoteName + "/" + base, nil
	}
	if m.refExists(ctx, "refs/heads/"+base) {
		return base, nil
	}
	return "", fmt.Errorf("%w: base %s", ErrBranchNotFound, base)
}

// sync fast-forwards an existing checkout to its remote branch. A checkout
// that is ahead of the remote (unpushed local commits) is left alone.
func (m *Manager) sync(ctx context.Context, info *Info) error {
	remoteRef := remoteName + "/" + info.Branch
	if !m.refExists(ctx, "refs/remotes/"+remoteRef) {
		return nil
	}
	if _, err := m.git(ctx, info.Path, "merge", "--ff-only", remoteRef); err == nil {
		return nil
	}
	// Not fast-forwardable: fine only if the remote is already contained.
	if _, err := m.git(ctx, info.Path, "merge-base", "--is-ancestor", remoteRef, "HEAD"); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDiverged, info.Branch)
}

func (m *Manager) refExists(ctx context.Context, ref string) bool {
	_, err := m.git(ctx, m.repoPath, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Slug converts a branch name into a directory name.
func Slug(branch string) string {
	result := make([]byte, 0, len(branch))
	for i := 0; i < len(branch); i++ {
		c := branch[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '-')
		}
	}
	return string(result)
}
