package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alekspetrov/warden/internal/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestProcessedEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IsProcessed(ctx, "event:1")
	if err != nil || ok {
		t.Fatalf("IsProcessed before mark = %v, %v", ok, err)
	}
	if err := store.MarkProcessed(ctx, "event:1", 42, "plan"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	// Marking twice is an upsert.
	if err := store.MarkProcessed(ctx, "event:1", 42, "plan"); err != nil {
		t.Fatalf("second MarkProcessed: %v", err)
	}
	ok, err = store.IsProcessed(ctx, "event:1")
	if err != nil || !ok {
		t.Fatalf("IsProcessed after mark = %v, %v", ok, err)
	}

	n, err := store.PurgeProcessed(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PurgeProcessed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if ok, _ := store.IsProcessed(ctx, "event:1"); ok {
		t.Error("key should be purged")
	}
}

func TestBuildStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if st, err := store.GetBuildState(ctx, 42); err != nil || st != nil {
		t.Fatalf("GetBuildState on empty = %v, %v", st, err)
	}

	if err := store.SaveBuildState(ctx, workflow.BuildState{
		IssueNumber: 42,
		Branch:      "warden/issue-42-login",
		Status:      workflow.BuildIncomplete,
		CommitSHA:   "abc123",
		StartedAt:   started,
	}); err != nil {
		t.Fatalf("SaveBuildState: %v", err)
	}
	// A later save without a commit keeps the known one.
	if err := store.SaveBuildState(ctx, workflow.BuildState{
		IssueNumber: 42,
		Branch:      "warden/issue-42-login",
		Status:      workflow.BuildImplementing,
		StartedAt:   started,
	}); err != nil {
		t.Fatalf("SaveBuildState: %v", err)
	}

	st, err := store.GetBuildState(ctx, 42)
	if err != nil {
		t.Fatalf("GetBuildState: %v", err)
	}
	if st.Status != workflow.BuildImplementing {
		t.Errorf("Status = %s", st.Status)
	}
	if st.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want abc123", st.CommitSHA)
	}
	if !st.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, started)
	}

	if err := store.SaveBuildState(ctx, workflow.BuildState{IssueNumber: 7, Status: workflow.BuildFailed}); err != nil {
		t.Fatalf("SaveBuildState: %v", err)
	}
	all, err := store.ListBuildStates(ctx)
	if err != nil {
		t.Fatalf("ListBuildStates: %v", err)
	}
	if len(all) != 2 || all[0].IssueNumber != 7 {
		t.Errorf("ListBuildStates = %+v", all)
	}
}

func TestCursorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DBName)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 30, 15, 500, time.UTC)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c, err := store.Cursor(ctx, "owner/repo"); err != nil || !c.IsZero() {
		t.Fatalf("initial cursor = %v, %v", c, err)
	}
	if err := store.SetCursor(ctx, "owner/repo", at); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	_ = store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = store.Close() }()
	c, err := store.Cursor(ctx, "owner/repo")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if !c.Equal(at) {
		t.Errorf("cursor = %v, want %v", c, at)
	}
	if c, _ := store.Cursor(ctx, "owner/other"); !c.IsZero() {
		t.Error("cursors are per repository")
	}
}
