package upgrade

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/fsutil"
)

// StateFile holds the FailureTracker and checkpoint bookkeeping.
const StateFile = "update-state.json"

// UpdateState is the persisted content of StateFile. It outlives checkpoints.
type UpdateState struct {
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	MaxConsecutiveFailures int       `json:"max_consecutive_failures"`
	LastSuccess            time.Time `json:"last_success,omitempty"`
	LastFailure            string    `json:"last_failure,omitempty"`
	// Disabled latches once the threshold is crossed. Only Reset clears it.
	Disabled         bool      `json:"auto_update_disabled"`
	LastCheckpointID int64     `json:"last_checkpoint_id"`
	LastCheck        time.Time `json:"last_check,omitempty"`
}

// FailureTracker counts consecutive failed update cycles and trips a circuit
// breaker at the configured maximum. Every change is written through to disk.
type FailureTracker struct {
	mu    sync.Mutex
	path  string
	state UpdateState
	now   func() time.Time
}

// LoadTracker reads the tracker at path, or starts an empty one. max is the
// configured threshold and replaces whatever the file recorded.
func LoadTracker(path string, max int) (*FailureTracker, error) {
	if max < 1 {
		max = 1
	}
	t := &FailureTracker{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read update state: %w", err)
	default:
		if err := json.Unmarshal(data, &t.state); err != nil {
			return nil, fmt.Errorf("parse update state %s: %w", path, err)
		}
	}
	t.state.MaxConsecutiveFailures = max
	if t.state.ConsecutiveFailures >= max {
		t.state.Disabled = true
	}
	return t, nil
}

// State returns a copy of the tracker state.
func (t *FailureTracker) State() UpdateState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Disabled reports whether auto-update is switched off.
func (t *FailureTracker) Disabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Disabled
}

// RecordFailure counts one failed cycle. It reports whether this failure
// tripped the breaker.
func (t *FailureTracker) RecordFailure(reason string) (tripped bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.ConsecutiveFailures++
	t.state.LastFailure = reason
	if !t.state.Disabled && t.state.ConsecutiveFailures >= t.state.MaxConsecutiveFailures {
		t.state.Disabled = true
		tripped = true
	}
	return tripped, t.saveLocked()
}

// RecordSuccess resets the failure count. It does not re-enable a tripped
// breaker.
func (t *FailureTracker) RecordSuccess() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.ConsecutiveFailures = 0
	t.state.LastFailure = ""
	t.state.LastSuccess = t.now().UTC()
	return t.saveLocked()
}

// Reset clears the failure count and the breaker. It is the operator action.
func (t *FailureTracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.ConsecutiveFailures = 0
	t.state.LastFailure = ""
	t.state.Disabled = false
	return t.saveLocked()
}

// NextCheckpointID allocates a checkpoint id larger than any before it.
func (t *FailureTracker) NextCheckpointID() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastCheckpointID++
	return t.state.LastCheckpointID, t.saveLocked()
}

// LastCheck returns when releases were last looked up.
func (t *FailureTracker) LastCheck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.LastCheck
}

// SetLastCheck records a release lookup.
func (t *FailureTracker) SetLastCheck(at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastCheck = at.UTC()
	return t.saveLocked()
}

func (t *FailureTracker) saveLocked() error {
	if err := fsutil.AtomicWriteJSON(t.path, t.state); err != nil {
		return fmt.Errorf("save update state: %w", err)
	}
	return nil
}
