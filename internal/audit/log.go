// Package audit writes the append-only JSONL record of self-update activity.
// The file is opened with O_APPEND and never truncated, rotated or rewritten.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types recorded by the self-update path.
const (
	EventCheck              = "check"
	EventUpdateInitiated    = "update_initiated"
	EventRestore            = "restore"
	EventSuccess            = "success"
	EventFailure            = "failure"
	EventAutoUpdateDisabled = "auto_update_disabled"
	EventTrackerReset       = "tracker_reset"
)

// FileName is the audit log name under the state directory.
const FileName = "audit.jsonl"

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Version   string         `json:"version,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder is what the update path needs from an audit log.
type Recorder interface {
	Record(event string, details map[string]any) error
}

// Log is an append-only JSONL audit log.
type Log struct {
	mu      sync.Mutex
	path    string
	version string
	now     func() time.Time
}

// Open prepares the audit log at path. The file is created lazily on the
// first record.
func Open(path, version string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Log{path: path, version: version, now: time.Now}, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Record appends one entry and fsyncs it.
func (l *Log) Record(event string, details map[string]any) error {
	entry := Entry{
		Timestamp: l.now().UTC(),
		Event:     event,
		Version:   l.version,
		Details:   details,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return f.Sync()
}

// ReadAll parses every entry in the log at path. Malformed lines (for example
// a partially written final line after a crash) are skipped.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Nop discards records.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(string, map[string]any) error { return nil }
