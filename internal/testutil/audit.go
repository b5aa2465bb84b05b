package testutil

import (
	"sync"

	"github.com/alekspetrov/warden/internal/audit"
)

// FakeAudit is an in-memory audit.Recorder.
type FakeAudit struct {
	mu      sync.Mutex
	Entries []audit.Entry
}

// Record stores the entry.
func (f *FakeAudit) Record(event string, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Entries = append(f.Entries, audit.Entry{Event: event, Details: details})
	return nil
}

// Events returns entries of the given type.
func (f *FakeAudit) Events(event string) []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Entry
	for _, e := range f.Entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
