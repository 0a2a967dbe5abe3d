package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minoots.dev/engine/schedule"
	"minoots.dev/engine/store"
	"minoots.dev/engine/timer"
)

func saveTemplate(t *testing.T, mem store.Store, id string, config map[string]any) {
	t.Helper()
	require.NoError(t, mem.SaveTemplate(context.Background(), &store.Template{
		ID:     id,
		Config: config,
	}))
}

func TestMaterializeScheduleMergesTemplate(t *testing.T) {
	eng, mem, _ := newTestEngine(t, nil)
	ctx := context.Background()

	saveTemplate(t, mem, "tpl", map[string]any{
		"name":     "nightly_backup",
		"duration": "5m",
		"metadata": map[string]any{"source": "template", "kind": "backup"},
	})
	s := &schedule.Schedule{
		ID:             "sched-1",
		TeamID:         "team-a",
		CronExpression: "0 2 * * *",
		TemplateID:     "tpl",
		TimerConfigOverride: map[string]any{
			"metadata": map[string]any{"source": "override"},
		},
		CreatedBy: "ops",
	}

	cfg, err := eng.MaterializeSchedule(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "nightly_backup", cfg.Name)
	assert.Equal(t, "5m", cfg.Duration)
	// The override merges key-wise into the template document.
	assert.Equal(t, "override", cfg.Metadata["source"])
	assert.Equal(t, "backup", cfg.Metadata["kind"])
	// The schedule's ownership wins.
	assert.Equal(t, "team-a", cfg.TeamID)
	assert.Equal(t, "ops", cfg.CreatedBy)
}

func TestMaterializeScheduleMissingTemplate(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	_, err := eng.MaterializeSchedule(context.Background(), &schedule.Schedule{
		ID:             "sched-1",
		CronExpression: "@hourly",
		TemplateID:     "ghost",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepSchedulesFiresDueSchedule(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:                  "due",
		TeamID:              "team-a",
		CronExpression:      "*/5 * * * *",
		TimerConfigOverride: map[string]any{"name": "cron_timer", "duration": 60000},
		NextRunAtMs:         clk.Now().UnixMilli() - 1000,
	}))
	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:                  "future",
		CronExpression:      "*/5 * * * *",
		TimerConfigOverride: map[string]any{"duration": 60000},
		NextRunAtMs:         clk.Now().UnixMilli() + 60_000,
	}))
	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:                  "paused",
		CronExpression:      "*/5 * * * *",
		TimerConfigOverride: map[string]any{"duration": 60000},
		NextRunAtMs:         clk.Now().UnixMilli() - 1000,
		Paused:              true,
	}))

	fired, err := eng.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// One timer materialized from the due schedule.
	timers, err := eng.ListTimers(ctx, store.TimerFilter{TeamID: "team-a"})
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "cron_timer", timers[0].Name)
	assert.Equal(t, timer.StatusRunning, timers[0].Status)
	assert.Equal(t, int64(60_000), timers[0].DurationMs)

	// The cron cursor advanced past now and the last run was recorded.
	got, err := mem.GetSchedule(ctx, "due")
	require.NoError(t, err)
	assert.Greater(t, got.NextRunAtMs, clk.Now().UnixMilli())
	assert.Equal(t, clk.Now().UnixMilli()-1000, got.LastRunAtMs)
	assert.Empty(t, got.LastError)

	// Re-sweeping fires nothing until the next occurrence.
	fired, err = eng.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	// Advance past the next occurrence and it fires again.
	clk.Advance(6 * time.Minute)
	fired, err = eng.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestSweepSchedulesRecordsFailure(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	// The template reference is dangling, so materialization fails; the
	// error is recorded on the schedule and the sweep keeps going.
	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:             "broken",
		CronExpression: "@hourly",
		TemplateID:     "ghost",
		NextRunAtMs:    clk.Now().UnixMilli() - 1000,
	}))
	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:                  "healthy",
		CronExpression:      "@hourly",
		TimerConfigOverride: map[string]any{"duration": 1000},
		NextRunAtMs:         clk.Now().UnixMilli() - 1000,
	}))

	fired, err := eng.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	broken, err := mem.GetSchedule(ctx, "broken")
	require.NoError(t, err)
	assert.NotEmpty(t, broken.LastError)
	// The cursor does not advance, so the schedule retries next sweep.
	assert.Equal(t, clk.Now().UnixMilli()-1000, broken.NextRunAtMs)

	healthy, err := mem.GetSchedule(ctx, "healthy")
	require.NoError(t, err)
	assert.Empty(t, healthy.LastError)
	assert.Greater(t, healthy.NextRunAtMs, clk.Now().UnixMilli())
}

func TestScheduleTimerEntersLifecycle(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, mem.SaveSchedule(ctx, &schedule.Schedule{
		ID:                  "short",
		CronExpression:      "* * * * *",
		TimerConfigOverride: map[string]any{"duration": 1000},
		NextRunAtMs:         clk.Now().UnixMilli() - 1,
	}))
	_, err := eng.SweepSchedules(ctx)
	require.NoError(t, err)

	// The materialized timer is swept like any other.
	clk.Advance(2 * time.Second)
	n, err := eng.SweepExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	timers, err := eng.ListTimers(ctx, store.TimerFilter{Status: timer.StatusExpired})
	require.NoError(t, err)
	assert.Len(t, timers, 1)
}
