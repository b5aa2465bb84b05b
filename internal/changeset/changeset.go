// Package changeset applies a batch of file mutations to a worktree as one
// transaction: either every change lands or the worktree is restored.
package changeset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alekspetrov/warden/internal/fsutil"
	"github.com/alekspetrov/warden/internal/logging"
)

// Action is the kind of mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// ErrInvalidPath rejects a batch whose paths escape the worktree.
var ErrInvalidPath = errors.New("invalid change path")

// FileChange is one mutation. Path is relative to the worktree root.
type FileChange struct {
	Path        string `json:"path"`
	Action      Action `json:"action"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description"`
}

// ApplyError describes a failed batch after rollback.
type ApplyError struct {
	// Failed is the change that could not be applied.
	Failed FileChange
	// RolledBack lists the paths restored, most recent first.
	RolledBack []string
	// RollbackErrs holds any restore failures; empty means the worktree is
	// back to its pre-call state.
	RollbackErrs []error
	Err          error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v; rolled back %d change(s)", e.Failed.Action, e.Failed.Path, e.Err, len(e.RolledBack))
	if len(e.RollbackErrs) > 0 {
		msg += fmt.Sprintf(" (%d rollback error(s): %v)", len(e.RollbackErrs), errors.Join(e.RollbackErrs...))
	}
	return msg
}

func (e *ApplyError) Unwrap() error { return e.Err }

// snapshot is the pre-mutation state of one path.
type snapshot struct {
	path    string
	existed bool
	content []byte
	mode    os.FileMode
	// createdDirs are parent directories made for a create, deepest first.
	createdDirs []string
}

// Applicator applies batches to one worktree root.
type Applicator struct {
	root string
	log  *slog.Logger
}

// NewApplicator creates an Applicator for the worktree at root.
func NewApplicator(root string) *Applicator {
	return &Applicator{
		root: root,
		log:  logging.WithComponent("changeset"),
	}
}

// Validate checks every path in the batch before anything is touched. One bad
// path rejects the whole batch.
func (a *Applicator) Validate(changes []FileChange) error {
	var errs []error
	for _, ch := range changes {
		if _, err := a.resolve(ch.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		switch ch.Action {
		case ActionCreate, ActionEdit, ActionDelete:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown action %q", ch.Path, ch.Action))
		}
	}
	return errors.Join(errs...)
}

// Apply validates and applies changes in order. On any failure the
// already-applied changes are restored in reverse and an *ApplyError is
// returned. On success the returned Batch can still be rolled back, for
// example when a follow-up test run fails.
func (a *Applicator) Apply(changes []FileChange) (*Batch, error) {
	if err := a.Validate(changes); err != nil {
		return nil, err
	}

	batch := &Batch{applicator: a, changes: changes}
	for _, ch := range changes {
		abs, _ := a.resolve(ch.Path)
		snap, err := takeSnapshot(abs)
		if err != nil {
			return nil, a.abort(batch, ch, fmt.Errorf("snapshot: %w", err))
		}
		if err := a.applyOne(abs, ch, snap); err != nil {
			// The failing change may have partially run (e.g. made dirs).
			batch.snapshots = append(batch.snapshots, snap)
			return nil, a.abort(batch, ch, err)
		}
		batch.snapshots = append(batch.snapshots, snap)
	}

	a.log.Info("applied change batch", slog.Int("changes", len(changes)))
	return batch, nil
}

func (a *Applicator) abort(batch *Batch, failed FileChange, cause error) error {
	restored, rbErrs := batch.restore()
	a.log.Warn("change batch failed, rolled back",
		slog.String("path", failed.Path),
		slog.String("action", string(failed.Action)),
		slog.Int("rolled_back", len(restored)),
		slog.Any("error", cause),
	)
	return &ApplyError{Failed: failed, RolledBack: restored, RollbackErrs: rbErrs, Err: cause}
}

func (a *Applicator) applyOne(abs string, ch FileChange, snap *snapshot) error {
	switch ch.Action {
	case ActionCreate:
		if snap.existed {
			return fmt.Errorf("create %s: file already exists", ch.Path)
		}
		dirs, err := mkdirAllTracked(filepath.Dir(abs))
		snap.createdDirs = dirs
		if err != nil {
			return fmt.Errorf("create %s: %w", ch.Path, err)
		}
		return fsutil.AtomicWriteFile(abs, []byte(ch.Content), 0o644)
	case ActionEdit:
		if !snap.existed {
			return fmt.Errorf("edit %s: file does not exist", ch.Path)
		}
		return fsutil.AtomicWriteFile(abs, []byte(ch.Content), snap.mode)
	case ActionDelete:
		if !snap.existed {
			return fmt.Errorf("delete %s: file does not exist", ch.Path)
		}
		return os.Remove(abs)
	default:
		return fmt.Errorf("unknown action %q", ch.Action)
	}
}

// resolve validates rel and returns its absolute path inside root.
func (a *Applicator) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %s is absolute", ErrInvalidPath, rel)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", fmt.Errorf("%w: %s traverses a parent directory", ErrInvalidPath, rel)
		}
		if part == ".git" {
			return "", fmt.Errorf("%w: %s touches git metadata", ErrInvalidPath, rel)
		}
	}

	root, err := filepath.Abs(a.root)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if inside, err := filepath.Rel(root, abs); err != nil || inside == "." || !within(root, abs) {
		return "", fmt.Errorf("%w: %s resolves outside the worktree", ErrInvalidPath, rel)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve worktree root: %w", err)
	}
	if st, err := os.Lstat(abs); err == nil && st.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s is a symlink", ErrInvalidPath, rel)
	}

	// Directories that do not exist yet are created under the deepest
	// existing ancestor, so that ancestor must resolve inside the root.
	existing := filepath.Dir(abs)
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, rel, err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("%w: %s resolves outside the worktree via symlink", ErrInvalidPath, rel)
	}
	return abs, nil
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

func takeSnapshot(abs string) (*snapshot, error) {
	snap := &snapshot{path: abs}
	st, err := os.Lstat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	snap.existed = true
	snap.content = content
	snap.mode = st.Mode().Perm()
	return snap, nil
}

func (s *snapshot) restore() error {
	if s.existed {
		return fsutil.AtomicWriteFile(s.path, s.content, s.mode)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, dir := range s.createdDirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// mkdirAllTracked is os.MkdirAll that reports which directories it created,
// deepest first.
func mkdirAllTracked(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return missing, err
	}
	return missing, nil
}
