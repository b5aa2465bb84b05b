package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// GitRepo is a local clone wired to a bare "origin" remote, both inside
// t.TempDir(). The clone has one commit on main, already pushed.
type GitRepo struct {
	Dir    string
	Remote string
}

// NewGitRepo creates a GitRepo fixture. It skips the test without git.
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	remote := filepath.Join(root, "origin.git")
	dir := filepath.Join(root, "clone")

	Git(t, root, "init", "--bare", "-b", "main", remote)
	Git(t, root, "init", "-b", "main", dir)
	configureIdentity(t, dir)
	Git(t, dir, "remote", "add", "origin", remote)

	WriteFile(t, dir, "README.md", "# Test Repo\n")
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", "Initial commit")
	Git(t, dir, "push", "-u", "origin", "main")

	return &GitRepo{Dir: dir, Remote: remote}
}

// Clone makes a second, independent clone of the remote, for simulating
// another contributor pushing to the same branch.
func (r *GitRepo) Clone(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "other")
	Git(t, filepath.Dir(dir), "clone", r.Remote, dir)
	configureIdentity(t, dir)
	return dir
}

// RemoteHas reports whether the remote has the given branch.
func (r *GitRepo) RemoteHas(t *testing.T, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "--git-dir", r.Remote, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return cmd.Run() == nil
}

// Git runs git in dir and returns trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to dir/rel, creating parent directories.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func configureIdentity(t *testing.T, dir string) {
	t.Helper()
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "user.name", "Test User")
	Git(t, dir, "config", "commit.gpgsign", "false")
}
