// Package upgrade lets a running watcher replace its own binary without
// losing work. Between poll ticks it looks for a permitted release; when it
// finds one it checkpoints the watch state and exits with
// ExitCodeRestartForUpdate for a supervisor to install and relaunch. On the
// next start the checkpoint is validated and restored.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/watch"
)

// ExitCodeRestartForUpdate is the process exit status meaning "install the
// new release and restart me".
const ExitCodeRestartForUpdate = 75

// ErrRestartForUpdate stops the poll loop after a checkpoint was written.
var ErrRestartForUpdate = errors.New("restart for update")

// Checkpointer brackets the poll loop: Restore runs before it starts and
// AfterTick runs after every tick.
type Checkpointer struct {
	dir     string
	version string
	checker *Checker
	tracker *FailureTracker
	audit   audit.Recorder
	now     func() time.Time
	log     *slog.Logger

	// disabledNoted keeps the auto_update_disabled record to once per process.
	disabledNoted bool
}

// NewCheckpointer creates a Checkpointer storing its files in dir.
func NewCheckpointer(dir, version string, checker *Checker, tracker *FailureTracker, rec audit.Recorder) *Checkpointer {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Checkpointer{
		dir:     dir,
		version: version,
		checker: checker,
		tracker: tracker,
		audit:   rec,
		now:     time.Now,
		log:     logging.WithComponent("upgrade"),
	}
}

// CheckpointPath returns the checkpoint location.
func (c *Checkpointer) CheckpointPath() string {
	return filepath.Join(c.dir, CheckpointFile)
}

// Restore loads a pending checkpoint. A checkpoint that fails validation is
// discarded and counted as a failed cycle; the caller then starts fresh.
// The checkpoint file is removed in every case.
func (c *Checkpointer) Restore() (*watch.WatchState, error) {
	path := c.CheckpointPath()
	cp, err := ReadCheckpoint(path)
	if cp == nil && err == nil {
		return nil, nil
	}
	defer func() {
		if rmErr := RemoveCheckpoint(path); rmErr != nil {
			c.log.Warn("could not remove checkpoint", slog.Any("error", rmErr))
		}
	}()

	if err != nil {
		c.fail("restore", err)
		c.log.Warn("discarding checkpoint, starting fresh", slog.Any("error", err))
		return nil, nil
	}
	// The update this checkpoint was written for is always restorable, even
	// across a major version the policy permitted.
	target := cp.Metadata[MetaTargetVersion]
	if !Compatible(cp.ToolVersion, c.version) && !SameRelease(target, c.version) {
		err := fmt.Errorf("%w: written by %s, running %s", ErrIncompatibleVersion, cp.ToolVersion, c.version)
		c.fail("restore", err)
		c.log.Warn("discarding checkpoint, starting fresh", slog.Any("error", err))
		return nil, nil
	}

	c.record(audit.EventRestore, map[string]any{
		"checkpoint_id": cp.ID,
		"from_version":  cp.ToolVersion,
		"repo":          cp.WatchState.Repo,
	})

	if target != "" && Newer(target, c.version) {
		c.fail("install", fmt.Errorf("expected %s after restart, running %s", target, c.version))
	} else {
		if err := c.tracker.RecordSuccess(); err != nil {
			return nil, err
		}
		c.record(audit.EventSuccess, map[string]any{
			"checkpoint_id": cp.ID,
			"from_version":  cp.ToolVersion,
		})
	}

	c.log.Info("restored checkpoint",
		slog.Int64("checkpoint_id", cp.ID),
		slog.String("from_version", cp.ToolVersion),
		slog.String("repo", cp.WatchState.Repo),
	)
	state := cp.WatchState
	return &state, nil
}

// AfterTick is a watch.TickHook. When a permitted release exists it writes
// a checkpoint of state and returns ErrRestartForUpdate.
func (c *Checkpointer) AfterTick(ctx context.Context, state watch.WatchState) error {
	if c.checker == nil || !c.checker.Enabled() {
		return nil
	}
	now := c.now()
	if !c.checker.Due(c.tracker.LastCheck(), now) {
		return nil
	}
	if err := c.tracker.SetLastCheck(now); err != nil {
		c.log.Warn("could not save update state", slog.Any("error", err))
	}

	if c.tracker.Disabled() {
		if !c.disabledNoted {
			st := c.tracker.State()
			c.record(audit.EventAutoUpdateDisabled, map[string]any{
				"consecutive_failures": st.ConsecutiveFailures,
				"max":                  st.MaxConsecutiveFailures,
			})
			c.log.Warn("auto-update disabled after repeated failures; run `warden update reset` to re-enable",
				slog.Int("consecutive_failures", st.ConsecutiveFailures))
			c.disabledNoted = true
		}
		return nil
	}

	info, err := c.checker.Check(ctx)
	if err != nil {
		c.log.Warn("update check failed", slog.Any("error", err))
		return nil
	}
	c.record(audit.EventCheck, map[string]any{
		"latest":    info.Latest,
		"permitted": info.Permitted,
		"reason":    info.Reason,
	})
	if !info.Permitted {
		c.log.Debug("no update", slog.String("latest", info.Latest), slog.String("reason", info.Reason))
		return nil
	}

	cp, err := c.Checkpoint(state, info.Latest)
	if err != nil {
		c.fail("checkpoint", err)
		return nil
	}
	c.record(audit.EventUpdateInitiated, map[string]any{
		"checkpoint_id": cp.ID,
		"target":        info.Latest,
	})
	c.log.Info("update available, checkpointed for restart",
		slog.String("current", c.version),
		slog.String("latest", info.Latest),
		slog.Int64("checkpoint_id", cp.ID),
	)
	return ErrRestartForUpdate
}

// Checkpoint writes state to the checkpoint file.
func (c *Checkpointer) Checkpoint(state watch.WatchState, target string) (*Checkpoint, error) {
	id, err := c.tracker.NextCheckpointID()
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		ID:          id,
		CreatedAt:   c.now(),
		ToolVersion: c.version,
		WatchState:  state,
		Metadata: map[string]string{
			MetaTargetVersion: target,
			MetaRunID:         uuid.NewString(),
		},
	}
	if err := WriteCheckpoint(c.CheckpointPath(), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// fail counts a failed cycle and audits it.
func (c *Checkpointer) fail(phase string, cause error) {
	tripped, err := c.tracker.RecordFailure(cause.Error())
	if err != nil {
		c.log.Error("could not save update state", slog.Any("error", err))
	}
	st := c.tracker.State()
	c.record(audit.EventFailure, map[string]any{
		"phase":                phase,
		"error":                cause.Error(),
		"consecutive_failures": st.ConsecutiveFailures,
	})
	if tripped {
		c.record(audit.EventAutoUpdateDisabled, map[string]any{
			"consecutive_failures": st.ConsecutiveFailures,
			"max":                  st.MaxConsecutiveFailures,
		})
		c.disabledNoted = true
		c.log.Error("auto-update disabled", slog.Int("consecutive_failures", st.ConsecutiveFailures))
	}
}

func (c *Checkpointer) record(event string, details map[string]any) {
	if err := c.audit.Record(event, details); err != nil {
		c.log.Warn("could not write audit record", slog.String("event", event), slog.Any("error", err))
	}
}
