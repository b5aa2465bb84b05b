package watch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/workflow"
)

// IssueCursor records the last trigger routed for one issue or PR.
type IssueCursor struct {
	LastTrigger string    `json:"last_trigger"`
	Outcome     Outcome   `json:"outcome"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WatchState is the in-flight state of a watcher: what it watches, how, and
// how far it got. It is what a self-update checkpoint carries across a
// restart. Times are kept in UTC so a round trip reproduces it exactly.
type WatchState struct {
	Repo     string        `json:"repo"`
	Interval time.Duration `json:"interval"`
	Provider string        `json:"provider"`
	// LastPoll is when the last completed tick started.
	LastPoll time.Time           `json:"last_poll"`
	Ticks    int64               `json:"ticks"`
	Issues   map[int]IssueCursor `json:"issues,omitempty"`
}

// Marshal serializes the state.
func (w *WatchState) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// UnmarshalWatchState parses state produced by Marshal.
func UnmarshalWatchState(data []byte) (*WatchState, error) {
	var w WatchState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode watch state: %w", err)
	}
	return &w, nil
}

// clone returns a deep copy.
func (w *WatchState) clone() WatchState {
	cp := *w
	if w.Issues != nil {
		cp.Issues = make(map[int]IssueCursor, len(w.Issues))
		for k, v := range w.Issues {
			cp.Issues[k] = v
		}
	}
	return cp
}

// tracker guards a WatchState shared between the poll loop and readers.
type tracker struct {
	mu    sync.Mutex
	state WatchState
}

func (t *tracker) snapshot() WatchState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

func (t *tracker) record(tr workflow.Trigger, o Outcome, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Issues == nil {
		t.state.Issues = map[int]IssueCursor{}
	}
	t.state.Issues[tr.IssueNumber] = IssueCursor{LastTrigger: tr.Key, Outcome: o, UpdatedAt: at.UTC()}
}

func (t *tracker) finishTick(start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.LastPoll = start.UTC()
	t.state.Ticks++
}

func (t *tracker) lastPoll() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.LastPoll
}
