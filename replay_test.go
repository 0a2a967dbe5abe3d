package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minoots.dev/engine/store"
	"minoots.dev/engine/timer"
)

// failTimer creates a webhook timer, drives it to failed, and returns the
// pending replay entry the failure queued.
func failTimer(t *testing.T, eng *Engine, mem store.Store, clk *fakeClock, id string) *store.ReplayEntry {
	t.Helper()
	ctx := context.Background()
	srv, _, _ := webhookServer(t, http.StatusInternalServerError)

	_, err := eng.CreateTimer(ctx, withWebhook(timer.Config{
		ID:       id,
		TeamID:   "team-a",
		Duration: 1000,
		Metadata: map[string]any{"origin": "test"},
	}, srv.URL))
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	_, err = eng.SweepExpirations(ctx)
	require.NoError(t, err)

	entry, err := mem.PendingReplayEntry(ctx, id)
	require.NoError(t, err)
	return entry
}

func TestEnqueueReplayDeduplicates(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	snapshot := &timer.Timer{ID: "snap", TeamID: "team-a", DurationMs: 1000, Status: timer.StatusFailed}
	first, err := eng.EnqueueReplay(ctx, snapshot, ReplayMeta{Reason: "manual"})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, store.ReplayPending, first.Status)

	// One pending entry per timer id: the second enqueue is a no-op.
	second, err := eng.EnqueueReplay(ctx, snapshot, ReplayMeta{Reason: "manual"})
	require.NoError(t, err)
	assert.Nil(t, second)

	_, err = eng.EnqueueReplay(ctx, nil, ReplayMeta{})
	assert.ErrorIs(t, err, ErrMissingSnapshotID)
	_, err = eng.EnqueueReplay(ctx, &timer.Timer{}, ReplayMeta{})
	assert.ErrorIs(t, err, ErrMissingSnapshotID)
}

func TestProcessReplayQueueCreatesClone(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()
	entry := failTimer(t, eng, mem, clk, "failed-timer")

	results, err := eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, entry.ID, results[0].QueueEntryID)
	assert.NotEmpty(t, results[0].ReplayTimerID)
	assert.Empty(t, results[0].Err)

	// The clone is a fresh running timer carrying lineage metadata.
	clone, err := eng.GetTimer(ctx, results[0].ReplayTimerID)
	require.NoError(t, err)
	assert.Equal(t, timer.StatusRunning, clone.Status)
	assert.Equal(t, int64(1000), clone.DurationMs)
	assert.Equal(t, "team-a", clone.TeamID)
	assert.Equal(t, "failed-timer", clone.Metadata["replayOf"])
	assert.Equal(t, FailureReasonWebhook, clone.Metadata["replayReason"])
	assert.Equal(t, "test", clone.Metadata["origin"])
	assert.Zero(t, clone.RetryCount)

	// The queue entry settles processed and the lineage is recorded.
	settled, err := mem.GetReplayEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReplayProcessed, settled.Status)
	assert.Equal(t, clone.ID, settled.ReplayTimerID)
	assert.NotZero(t, settled.ProcessedAtMs)

	history, err := mem.ListReplayHistory(ctx, "failed-timer")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, clone.ID, history[0].ReplayTimerID)
	assert.Equal(t, entry.ID, history[0].QueueEntryID)

	// Nothing left to drain.
	results, err = eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProcessReplayQueueErrorEntryIsTerminal(t *testing.T) {
	eng, mem, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// A snapshot with no status and no duration cannot be replayed.
	bad := &timer.Timer{ID: "hollow"}
	entry, err := eng.EnqueueReplay(ctx, bad, ReplayMeta{Reason: "manual"})
	require.NoError(t, err)

	results, err := eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Err)

	settled, err := mem.GetReplayEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReplayError, settled.Status)
	assert.Equal(t, 1, settled.ErrorCount)
	assert.NotEmpty(t, settled.LastError)

	// Error entries are never retried by later sweeps.
	results, err = eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReplayTimerFromStoredRecord(t *testing.T) {
	eng, _, clk := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateTimer(ctx, timer.Config{
		ID:       "source",
		Name:     "original",
		TeamID:   "team-a",
		Duration: 5000,
		Context:  map[string]any{"env": "prod", "slot": 1},
	})
	require.NoError(t, err)
	clk.Advance(10 * time.Second)
	_, err = eng.SweepExpirations(ctx)
	require.NoError(t, err)

	clone, err := eng.ReplayTimer(ctx, "source", ReplayOptions{
		Reason:           "rerun",
		RequestedBy:      "ops@team-a",
		ContextOverrides: map[string]any{"slot": 2},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "source", clone.ID)
	assert.Equal(t, "original", clone.Name)
	assert.Equal(t, timer.StatusRunning, clone.Status)
	assert.Equal(t, "prod", clone.Context["env"])
	assert.Equal(t, 2, clone.Context["slot"])
	assert.Equal(t, "source", clone.Metadata["replayOf"])
	assert.Equal(t, "rerun", clone.Metadata["replayReason"])
	assert.Equal(t, "ops@team-a", clone.CreatedBy)

	_, err = eng.ReplayTimer(ctx, "missing", ReplayOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayTimerOmitMetadataAndNameFallback(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	clone, err := eng.ReplayTimer(ctx, "ghost", ReplayOptions{
		Payload:            &timer.Timer{ID: "ghost", DurationMs: 2000, Status: timer.StatusFailed},
		OmitReplayMetadata: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "replay_ghost", clone.Name)
	assert.NotContains(t, clone.Metadata, "replayOf")

	_, err = eng.ReplayTimer(ctx, "hollow", ReplayOptions{Payload: &timer.Timer{ID: "hollow"}})
	assert.ErrorIs(t, err, ErrMissingDuration)
}

func TestCleanupReplayQueue(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()
	entry := failTimer(t, eng, mem, clk, "old-failure")

	_, err := eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)

	// Inside the retention window nothing is purged.
	purged, err := eng.CleanupReplayQueue(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Zero(t, purged)

	clk.Advance(8 * 24 * time.Hour)
	purged, err = eng.CleanupReplayQueue(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = mem.GetReplayEntry(ctx, entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupReplayQueueOverrides(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()
	failTimer(t, eng, mem, clk, "quick")
	_, err := eng.ProcessReplayQueue(ctx, 0)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	purged, err := eng.CleanupReplayQueue(ctx, CleanupOptions{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
