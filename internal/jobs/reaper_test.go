package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/speaker-forge/internal/logging"
)

func TestReaperFailsAbandonedJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		stuck := advanceToExtracting(t, ctx, store, "dead-worker")
		_, err := store.SaveTracks(ctx, stuck.JobID, "dead-worker", sampleTracks(), Advance(StepFinalizing, 98, ""))
		require.NoError(t, err)

		pending, err := store.Create(ctx, "queued.wav", 1)
		require.NoError(t, err)

		clock.Advance(45 * time.Minute)
		active, err := store.Create(ctx, "active.wav", 1)
		require.NoError(t, err)
		_, err = store.Claim(ctx, active.JobID, "live-worker")
		require.NoError(t, err)

		reaper := NewReaper(store, 30*time.Minute, "reaper-1", logging.Nop())
		reaper.now = clock.Now

		n, err := reaper.Reap(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Get(ctx, stuck.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, StepFinalizing, got.Step)
		require.NotNil(t, got.Error)
		assert.Equal(t, ErrorKindAbandoned, got.Error.Kind)

		tracks, err := store.Tracks(ctx, stuck.JobID)
		require.NoError(t, err)
		assert.Empty(t, tracks)

		got, err = store.Get(ctx, pending.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)

		got, err = store.Get(ctx, active.JobID)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)

		n, err = reaper.Reap(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestReaperDisabled(t *testing.T) {
	reaper := NewReaper(newTestSQLStore(t, newTestClock()), 0, "reaper", nil)
	n, err := reaper.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
