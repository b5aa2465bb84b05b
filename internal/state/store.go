// Package state is a local SQLite cache of what the watcher has already seen
// and done. It only short-circuits lookups: every fact in it can be rebuilt
// from the platform, and deleting the database is always safe.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alekspetrov/warden/internal/workflow"
)

// DBName is the cache file name inside the state directory.
const DBName = "warden.db"

const cursorKey = "poll_cursor"

// Store persists processed trigger keys, build states and poll cursors.
type Store struct {
	db *sql.DB
}

// New creates a Store on an existing connection and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("state store migration failed: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the SQLite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS processed_events (
			key TEXT PRIMARY KEY,
			issue_number INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			processed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at)`,
		`CREATE TABLE IF NOT EXISTS build_states (
			issue_number INTEGER PRIMARY KEY,
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// MarkProcessed records that the trigger key was routed.
func (s *Store) MarkProcessed(ctx context.Context, key string, issueNumber int, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (key, issue_number, result, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			result = excluded.result,
			processed_at = excluded.processed_at
	`, key, issueNumber, result, time.Now().Unix())
	return err
}

// IsProcessed reports whether the trigger key was recorded.
func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events WHERE key = ?`, key).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PurgeProcessed drops processed keys older than olderThan.
func (s *Store) PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveBuildState upserts the last known build state of an issue. It
// implements workflow.BuildStateCache.
func (s *Store) SaveBuildState(ctx context.Context, st workflow.BuildState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_states (issue_number, branch, status, commit_sha, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_number) DO UPDATE SET
			branch = excluded.branch,
			status = excluded.status,
			commit_sha = CASE WHEN excluded.commit_sha = '' THEN build_states.commit_sha ELSE excluded.commit_sha END,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`, st.IssueNumber, st.Branch, string(st.Status), st.CommitSHA, unixNano(st.StartedAt), time.Now().UnixNano())
	return err
}

// GetBuildState returns the cached build state of an issue, or nil.
func (s *Store) GetBuildState(ctx context.Context, issueNumber int) (*workflow.BuildState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT issue_number, branch, status, commit_sha, started_at
		FROM build_states WHERE issue_number = ?
	`, issueNumber)
	st, err := scanBuildState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListBuildStates returns every cached build state, most recently updated
// first.
func (s *Store) ListBuildStates(ctx context.Context) ([]*workflow.BuildState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_number, branch, status, commit_sha, started_at
		FROM build_states ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*workflow.BuildState
	for rows.Next() {
		st, err := scanBuildState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuildState(row scanner) (*workflow.BuildState, error) {
	var st workflow.BuildState
	var status string
	var started int64
	if err := row.Scan(&st.IssueNumber, &st.Branch, &status, &st.CommitSHA, &started); err != nil {
		return nil, err
	}
	st.Status = workflow.BuildStatus(status)
	if started != 0 {
		st.StartedAt = time.Unix(0, started).UTC()
	}
	return &st, nil
}

// GetMeta returns a metadata value and whether it was set.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Cursor returns the poll cursor for repo, zero when unknown.
func (s *Store) Cursor(ctx context.Context, repo string) (time.Time, error) {
	v, ok, err := s.GetMeta(ctx, cursorKey+":"+repo)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cursor %q: %w", v, err)
	}
	return t, nil
}

// SetCursor stores the poll cursor for repo.
func (s *Store) SetCursor(ctx context.Context, repo string, t time.Time) error {
	return s.SetMeta(ctx, cursorKey+":"+repo, t.UTC().Format(time.RFC3339Nano))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
