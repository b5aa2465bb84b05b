package upgrade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alekspetrov/warden/internal/adapters/github"
	"github.com/alekspetrov/warden/internal/audit"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/fsutil"
	"github.com/alekspetrov/warden/internal/testutil"
)

type env struct {
	dir      string
	platform *testutil.FakePlatform
	cfg      *config.UpdateConfig
	clock    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		dir:      t.TempDir(),
		platform: testutil.NewFakePlatform(),
		cfg: &config.UpdateConfig{
			Policy:                 config.PolicyMinor,
			Interval:               time.Hour,
			MaxConsecutiveFailures: 3,
			ReleaseRepo:            "alekspetrov/warden",
		},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// start builds the Checkpointer a process running version would build.
func (e *env) start(t *testing.T, version string) *Checkpointer {
	t.Helper()
	tracker, err := LoadTracker(filepath.Join(e.dir, StateFile), e.cfg.MaxConsecutiveFailures)
	require.NoError(t, err)
	checker, err := NewChecker(e.platform, version, e.cfg)
	require.NoError(t, err)
	log, err := audit.Open(filepath.Join(e.dir, audit.FileName), version)
	require.NoError(t, err)
	c := NewCheckpointer(e.dir, version, checker, tracker, log)
	e.clock = e.clock.Add(2 * time.Hour)
	now := e.clock
	c.now = func() time.Time { return now }
	return c
}

func (e *env) events(t *testing.T) []string {
	t.Helper()
	entries, err := audit.ReadAll(filepath.Join(e.dir, audit.FileName))
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Event)
	}
	return out
}

func (e *env) checkpointExists() bool {
	_, err := os.Stat(filepath.Join(e.dir, CheckpointFile))
	return err == nil
}

func TestUpdateCycle(t *testing.T) {
	e := newEnv(t)
	e.platform.SetLatestRelease(&github.Release{TagName: "v1.3.0"})
	ctx := context.Background()

	old := e.start(t, "v1.2.0")
	restored, err := old.Restore()
	require.NoError(t, err)
	assert.Nil(t, restored)

	err = old.AfterTick(ctx, sampleState())
	require.ErrorIs(t, err, ErrRestartForUpdate)
	assert.True(t, e.checkpointExists())
	assert.Equal(t, []string{audit.EventCheck, audit.EventUpdateInitiated}, e.events(t))

	// The supervisor installed v1.3.0 and restarted us.
	next := e.start(t, "v1.3.0")
	restored, err = next.Restore()
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, sampleState(), *restored)
	assert.False(t, e.checkpointExists())
	assert.Equal(t, []string{audit.EventCheck, audit.EventUpdateInitiated, audit.EventRestore, audit.EventSuccess}, e.events(t))

	st := next.tracker.State()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(1), st.LastCheckpointID)

	// Already on the latest release: nothing to do.
	require.NoError(t, next.AfterTick(ctx, sampleState()))
	assert.False(t, e.checkpointExists())
}

func TestCheckpointIDsIncrease(t *testing.T) {
	e := newEnv(t)
	c := e.start(t, "v1.2.0")
	first, err := c.Checkpoint(sampleState(), "v1.3.0")
	require.NoError(t, err)
	second, err := e.start(t, "v1.2.0").Checkpoint(sampleState(), "v1.3.0")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestUpdateThatDidNotTakeCountsAsFailure(t *testing.T) {
	e := newEnv(t)
	_, err := e.start(t, "v1.2.0").Checkpoint(sampleState(), "v1.3.0")
	require.NoError(t, err)

	// Install failed; the old binary came back.
	c := e.start(t, "v1.2.0")
	restored, err := c.Restore()
	require.NoError(t, err)
	require.NotNil(t, restored, "state is restored even when the update did not take")
	assert.Equal(t, 1, c.tracker.State().ConsecutiveFailures)
	assert.Contains(t, e.events(t), audit.EventFailure)
}

func TestCorruptCheckpointStartsFresh(t *testing.T) {
	e := newEnv(t)
	_, err := e.start(t, "v1.2.0").Checkpoint(sampleState(), "v1.3.0")
	require.NoError(t, err)

	path := filepath.Join(e.dir, CheckpointFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x04
	require.NoError(t, os.WriteFile(path, data, 0600))

	c := e.start(t, "v1.3.0")
	restored, err := c.Restore()
	require.NoError(t, err)
	assert.Nil(t, restored)
	assert.False(t, e.checkpointExists())
	assert.Equal(t, 1, c.tracker.State().ConsecutiveFailures)
}

func TestIncompatibleCheckpointIsDiscarded(t *testing.T) {
	e := newEnv(t)
	_, err := e.start(t, "v2.0.0").Checkpoint(sampleState(), "v2.1.0")
	require.NoError(t, err)

	c := e.start(t, "v1.9.0")
	restored, err := c.Restore()
	require.NoError(t, err)
	assert.Nil(t, restored)
	assert.False(t, e.checkpointExists())
	assert.Equal(t, []string{audit.EventFailure}, e.events(t))
}

func TestFailureTrackerAtThresholdSkipsCheck(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, fsutil.AtomicWriteJSON(filepath.Join(e.dir, StateFile), UpdateState{
		ConsecutiveFailures:    3,
		MaxConsecutiveFailures: 3,
	}))
	e.platform.SetLatestRelease(&github.Release{TagName: "v1.3.0"})
	e.platform.Errors["GetLatestRelease"] = assert.AnError

	c := e.start(t, "v1.2.0")
	require.True(t, c.tracker.Disabled())
	require.NoError(t, c.AfterTick(context.Background(), sampleState()))

	assert.False(t, e.checkpointExists())
	assert.Equal(t, []string{audit.EventAutoUpdateDisabled}, e.events(t))
}

func TestRestartStormTripsBreaker(t *testing.T) {
	e := newEnv(t)
	e.platform.SetLatestRelease(&github.Release{TagName: "v1.3.0"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := e.start(t, "v1.2.0")
		_, err := c.Restore()
		require.NoError(t, err)
		if c.tracker.Disabled() {
			t.Fatalf("breaker tripped after %d failures", i)
		}
		require.ErrorIs(t, c.AfterTick(ctx, sampleState()), ErrRestartForUpdate)
	}

	// The third restart on the old binary trips the breaker.
	c := e.start(t, "v1.2.0")
	_, err := c.Restore()
	require.NoError(t, err)
	assert.True(t, c.tracker.Disabled())
	assert.Contains(t, e.events(t), audit.EventAutoUpdateDisabled)
	require.NoError(t, c.AfterTick(ctx, sampleState()))
	assert.False(t, e.checkpointExists())

	// It survives a restart.
	c = e.start(t, "v1.2.0")
	assert.True(t, c.tracker.Disabled())
	require.NoError(t, c.AfterTick(ctx, sampleState()))
	assert.False(t, e.checkpointExists())

	// Only the operator clears it.
	require.NoError(t, c.tracker.Reset())
	c = e.start(t, "v1.2.0")
	assert.False(t, c.tracker.Disabled())
	require.ErrorIs(t, c.AfterTick(ctx, sampleState()), ErrRestartForUpdate)
}

func TestCheckIsGatedByInterval(t *testing.T) {
	e := newEnv(t)
	e.platform.SetLatestRelease(&github.Release{TagName: "v1.2.0"})
	ctx := context.Background()

	c := e.start(t, "v1.2.0")
	require.NoError(t, c.AfterTick(ctx, sampleState()))
	require.NoError(t, c.AfterTick(ctx, sampleState()))
	assert.Equal(t, []string{audit.EventCheck}, e.events(t))
}

func TestPolicyOffNeverChecks(t *testing.T) {
	e := newEnv(t)
	e.cfg.Policy = config.PolicyOff
	e.platform.SetLatestRelease(&github.Release{TagName: "v9.0.0"})

	c := e.start(t, "v1.2.0")
	require.NoError(t, c.AfterTick(context.Background(), sampleState()))
	assert.Empty(t, e.events(t))
}

func TestMajorUpdateRestoresItsCheckpoint(t *testing.T) {
	e := newEnv(t)
	e.cfg.Policy = config.PolicyMajor
	e.platform.SetLatestRelease(&github.Release{TagName: "v2.0.0"})

	old := e.start(t, "v1.9.0")
	require.ErrorIs(t, old.AfterTick(context.Background(), sampleState()), ErrRestartForUpdate)

	next := e.start(t, "v2.0.0")
	restored, err := next.Restore()
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, sampleState(), *restored)
	assert.Equal(t, 0, next.tracker.State().ConsecutiveFailures)
	assert.Equal(t, []string{audit.EventCheck, audit.EventUpdateInitiated, audit.EventRestore, audit.EventSuccess}, e.events(t))
}
