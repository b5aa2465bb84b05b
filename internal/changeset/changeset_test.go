package changeset

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// treeDigest maps every entry under root to a digest of its content.
func treeDigest(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			out[rel] = "dir"
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		out[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	require.NoError(t, err)
	return out
}

func seed(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# readme\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n"), 0o644))
	return root
}

func TestApplyAllActions(t *testing.T) {
	root := seed(t)
	a := NewApplicator(root)

	batch, err := a.Apply([]FileChange{
		{Path: "pkg/b.go", Action: ActionCreate, Content: "package pkg\n\nfunc B() {}\n", Description: "add B"},
		{Path: "README.md", Action: ActionEdit, Content: "# readme v2\n", Description: "update readme"},
		{Path: "pkg/a.go", Action: ActionDelete, Description: "drop a"},
		{Path: "new/dir/c.txt", Action: ActionCreate, Content: "c", Description: "nested"},
	})
	require.NoError(t, err)
	batch.Commit()

	data, err := os.ReadFile(filepath.Join(root, "pkg", "b.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "func B()")

	data, err = os.ReadFile(filepath.Join(root, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# readme v2\n", string(data))

	assert.NoFileExists(t, filepath.Join(root, "pkg", "a.go"))
	assert.FileExists(t, filepath.Join(root, "new", "dir", "c.txt"))
	assert.Len(t, batch.Changes(), 4)
}

func TestInvalidPathRejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"parent traversal", "../x"},
		{"nested traversal", "pkg/../../x"},
		{"absolute", "/etc/passwd"},
		{"empty", ""},
		{"git metadata", ".git/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := seed(t)
			before := treeDigest(t, root)
			a := NewApplicator(root)

			_, err := a.Apply([]FileChange{
				{Path: "README.md", Action: ActionEdit, Content: "changed"},
				{Path: "pkg/new.go", Action: ActionCreate, Content: "package pkg"},
				{Path: tt.path, Action: ActionCreate, Content: "evil"},
			})
			require.ErrorIs(t, err, ErrInvalidPath)
			assert.Equal(t, before, treeDigest(t, root), "worktree must be byte-identical")
		})
	}
}

func TestUnknownActionRejected(t *testing.T) {
	root := seed(t)
	before := treeDigest(t, root)

	_, err := NewApplicator(root).Apply([]FileChange{
		{Path: "README.md", Action: ActionEdit, Content: "x"},
		{Path: "pkg/a.go", Action: "rename"},
	})
	require.Error(t, err)
	assert.Equal(t, before, treeDigest(t, root))
}

func TestMidBatchFailureRollsBack(t *testing.T) {
	root := seed(t)
	before := treeDigest(t, root)
	a := NewApplicator(root)

	_, err := a.Apply([]FileChange{
		{Path: "README.md", Action: ActionEdit, Content: "edited"},
		{Path: "fresh/deep/file.txt", Action: ActionCreate, Content: "new"},
		{Path: "pkg/a.go", Action: ActionDelete},
		// Fails: the file does not exist.
		{Path: "pkg/missing.go", Action: ActionEdit, Content: "nope"},
	})

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "pkg/missing.go", applyErr.Failed.Path)
	assert.Len(t, applyErr.RolledBack, 4)
	assert.Empty(t, applyErr.RollbackErrs)
	assert.Equal(t, before, treeDigest(t, root), "worktree must be byte-identical")
}

func TestCreateExistingFails(t *testing.T) {
	root := seed(t)
	before := treeDigest(t, root)

	_, err := NewApplicator(root).Apply([]FileChange{
		{Path: "pkg/b.go", Action: ActionCreate, Content: "package pkg"},
		{Path: "README.md", Action: ActionCreate, Content: "clobber"},
	})
	require.Error(t, err)
	assert.Equal(t, before, treeDigest(t, root))
}

func TestBatchRollbackAfterSuccess(t *testing.T) {
	root := seed(t)
	before := treeDigest(t, root)
	a := NewApplicator(root)

	batch, err := a.Apply([]FileChange{
		{Path: "README.md", Action: ActionEdit, Content: "edited"},
		{Path: "README.md", Action: ActionEdit, Content: "edited twice"},
		{Path: "pkg/a.go", Action: ActionDelete},
		{Path: "tests/new_test.go", Action: ActionCreate, Content: "package tests"},
	})
	require.NoError(t, err)
	require.NotEqual(t, before, treeDigest(t, root))

	require.NoError(t, batch.Rollback())
	assert.Equal(t, before, treeDigest(t, root))

	assert.Error(t, batch.Rollback(), "second rollback must be refused")
}

func TestCommittedBatchCannotRollBack(t *testing.T) {
	root := seed(t)
	batch, err := NewApplicator(root).Apply([]FileChange{
		{Path: "README.md", Action: ActionEdit, Content: "final"},
	})
	require.NoError(t, err)
	batch.Commit()
	assert.Error(t, batch.Rollback())

	data, err := os.ReadFile(filepath.Join(root, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "final", string(data))
}

func TestSymlinkEscapeRejected(t *testing.T) {
	root := seed(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := NewApplicator(root).Apply([]FileChange{
		{Path: "link/escape.txt", Action: ActionCreate, Content: "x"},
	})
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.NoFileExists(t, filepath.Join(outside, "escape.txt"))
}

func TestSymlinkEscapeThroughNewDirectoryRejected(t *testing.T) {
	root := seed(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	before := treeDigest(t, outside)

	_, err := NewApplicator(root).Apply([]FileChange{
		{Path: "link/newdir/escape.txt", Action: ActionCreate, Content: "x"},
	})
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.NoFileExists(t, filepath.Join(outside, "newdir", "escape.txt"))
	assert.Equal(t, before, treeDigest(t, outside))
}

func TestSymlinkTargetRejected(t *testing.T) {
	root := seed(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	if err := os.Symlink(outside, filepath.Join(root, "alias.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	for _, action := range []Action{ActionEdit, ActionDelete} {
		_, err := NewApplicator(root).Apply([]FileChange{
			{Path: "alias.txt", Action: action, Content: "overwritten"},
		})
		require.ErrorIs(t, err, ErrInvalidPath, "action %s", action)
	}
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestNestedCreateInsideRootAllowed(t *testing.T) {
	root := seed(t)
	_, err := NewApplicator(root).Apply([]FileChange{
		{Path: "a/b/c/d.txt", Action: ActionCreate, Content: "d"},
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "a", "b", "c", "d.txt"))
}
