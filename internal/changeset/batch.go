package changeset

import (
	"fmt"
	"log/slog"
	"sync"
)

// Batch is a successfully applied set of changes that is still reversible
// until Commit is called.
type Batch struct {
	applicator *Applicator
	changes    []FileChange
	snapshots  []*snapshot

	mu   sync.Mutex
	done bool
}

// Changes returns the applied changes in order.
func (b *Batch) Changes() []FileChange {
	return b.changes
}

// Commit discards the snapshots. The batch can no longer be rolled back.
func (b *Batch) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = nil
	b.done = true
}

// Rollback restores every changed path to its pre-apply state, newest first.
func (b *Batch) Rollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch already committed or rolled back")
	}
	b.done = true

	restored, errs := b.restoreLocked()
	b.applicator.log.Info("rolled back change batch", slog.Int("restored", len(restored)))
	if len(errs) > 0 {
		return fmt.Errorf("rollback incomplete: %d error(s), first: %w", len(errs), errs[0])
	}
	return nil
}

func (b *Batch) restore() ([]string, []error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	return b.restoreLocked()
}

func (b *Batch) restoreLocked() ([]string, []error) {
	var restored []string
	var errs []error
	for i := len(b.snapshots) - 1; i >= 0; i-- {
		snap := b.snapshots[i]
		if err := snap.restore(); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", snap.path, err))
			continue
		}
		restored = append(restored, snap.path)
	}
	b.snapshots = nil
	return restored, errs
}
