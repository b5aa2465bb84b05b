package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", FileName)
	l, err := Open(path, "v1.2.3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if err := l.Record(EventCheck, map[string]any{"latest": "v1.3.0"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(EventUpdateInitiated, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// A second handle must append, not overwrite.
	l2, _ := Open(path, "v1.3.0")
	if err := l2.Record(EventRestore, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Event != EventCheck || entries[0].Details["latest"] != "v1.3.0" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if !entries[0].Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", entries[0].Timestamp, fixed)
	}
	if entries[2].Version != "v1.3.0" {
		t.Errorf("third entry version = %q", entries[2].Version)
	}
}

func TestReadAllSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `{"timestamp":"2026-01-01T00:00:00Z","event":"check"}` + "\n" + `{"timestamp":"2026-01-01T00:00:01Z","ev`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestReadAllMissingFile(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil || entries != nil {
		t.Errorf("ReadAll(missing) = %v, %v", entries, err)
	}
}
