package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minoots.dev/engine/conditions"
	"minoots.dev/engine/store"
	"minoots.dev/engine/store/memory"
	"minoots.dev/engine/timer"
)

// fakeClock is an injectable clock advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestEngine wires an engine over the in-memory store with a fake
// clock. The mutate hook tweaks the config before construction.
func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *memory.Store, *fakeClock) {
	t.Helper()
	mem := memory.New()
	clk := newFakeClock()
	cfg := Config{
		Store:          mem,
		Clock:          clk,
		WebhookTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng, mem, clk
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateTimerStartsRunning(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{
		Name:     "build_window",
		TeamID:   "team-a",
		Duration: "90s",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, timer.StatusRunning, created.Status)
	assert.Equal(t, int64(90_000), created.DurationMs)
	assert.Equal(t, clk.Now().UnixMilli(), created.StartTimeMs)
	assert.Equal(t, created.StartTimeMs+90_000, created.EndTimeMs)
	assert.NotEmpty(t, created.AssignedWorker)
	assert.Equal(t, int64(90_000), created.TimeRemainingMs)

	// Running timers carry a live expiration record.
	exp, err := mem.GetExpiration(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.EndTimeMs, exp.ExpiresAtMs)
	assert.Equal(t, timer.StatusRunning, exp.Status)
}

func TestCreateTimerDuplicateID(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateTimer(ctx, timer.Config{ID: "fixed", Duration: 1000})
	require.NoError(t, err)
	_, err = eng.CreateTimer(ctx, timer.Config{ID: "fixed", Duration: 1000})
	assert.ErrorIs(t, err, ErrDuplicateTimer)
}

func TestCreateTimerInvalidDuration(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	_, err := eng.CreateTimer(context.Background(), timer.Config{Duration: "soon"})
	assert.ErrorIs(t, err, timer.ErrInvalidDuration)
}

func TestCreateTimerZeroDurationExpiresImmediately(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{Duration: 0})
	require.NoError(t, err)
	assert.Equal(t, timer.StatusRunning, created.Status)
	assert.Equal(t, created.StartTimeMs, created.EndTimeMs)

	n, err := eng.SweepExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := eng.GetTimer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, timer.StatusExpired, got.Status)
}

func TestCreateTimerWithDependenciesStartsPending(t *testing.T) {
	eng, mem, _ := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{
		Duration:     60_000,
		Dependencies: []string{"dep-a", "dep-b", "dep-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, timer.StatusPending, created.Status)
	assert.Equal(t, []string{"dep-a", "dep-b"}, created.Dependencies)
	assert.Equal(t, []string{"dep-a", "dep-b"}, created.PendingDependencies)
	assert.Zero(t, created.StartTimeMs)

	// No deadline yet, so no expiration record.
	_, err = mem.GetExpiration(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTimerUnsatisfiedConditionsSkips(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{
		Duration: 60_000,
		Context:  map[string]any{"deploy": map[string]any{"approved": false}},
		Conditions: []conditions.Condition{
			{LHS: "deploy.approved", Operator: conditions.OpEquals, RHS: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, timer.StatusSkipped, created.Status)
	assert.Equal(t, SkipReasonConditions, created.SkipReason)
	assert.Equal(t, clk.Now().UnixMilli(), created.CompletedAtMs)

	_, err = mem.GetExpiration(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := mem.ListEvents(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventSkipped, events[0].Event)
}

func TestDependencyReleaseActivatesDependent(t *testing.T) {
	eng, mem, clk := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateTimer(ctx, timer.Config{ID: "parent", Duration: 1000})
	require.NoError(t, err)
	child, err := eng.CreateTimer(ctx, timer.Config{
		ID:           "child",
		Duration:     5000,
		Dependencies: []string{"parent"},
	})
	require.NoError(t, err)
	assert.Equal(t, timer.StatusPending, child.Status)

	clk.Advance(2 * time.Second)
	_, err = eng.SweepExpirations(ctx)
	require.NoError(t, err)

	got, err := eng.GetTimer(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusExpired, got.Status)

	got, err = eng.GetTimer(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusRunning, got.Status)
	assert.Empty(t, got.PendingDependencies)
	assert.Equal(t, clk.Now().UnixMilli()+5000, got.EndTimeMs)

	exp, err := mem.GetExpiration(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, got.EndTimeMs, exp.ExpiresAtMs)

	events, err := mem.ListEvents(ctx, "child")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventActivated, events[0].Event)
}

func TestDependencyReleaseOnSkipAndRecheck(t *testing.T) {
	eng, _, clk := newTestEngine(t, nil)
	ctx := context.Background()

	// The child's conditions are re-checked at activation time and no
	// longer hold, so release skips it instead of starting it.
	_, err := eng.CreateTimer(ctx, timer.Config{ID: "parent", Duration: 1000})
	require.NoError(t, err)
	_, err = eng.CreateTimer(ctx, timer.Config{
		ID:           "child",
		Duration:     5000,
		Dependencies: []string{"parent"},
		Context:      map[string]any{"ok": false},
		Conditions: []conditions.Condition{
			{LHS: "ok", Operator: conditions.OpEquals, RHS: true},
		},
	})
	require.NoError(t, err)

	// A grandchild waiting on the skipped child is released too: a skip
	// is a termination.
	_, err = eng.CreateTimer(ctx, timer.Config{
		ID:           "grandchild",
		Duration:     5000,
		Dependencies: []string{"child"},
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = eng.SweepExpirations(ctx)
	require.NoError(t, err)

	child, err := eng.GetTimer(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusSkipped, child.Status)
	assert.Equal(t, SkipReasonConditions, child.SkipReason)

	grandchild, err := eng.GetTimer(ctx, "grandchild")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusRunning, grandchild.Status)
}

func TestPartialDependencyRelease(t *testing.T) {
	eng, _, clk := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.CreateTimer(ctx, timer.Config{ID: "fast", Duration: 1000})
	require.NoError(t, err)
	_, err = eng.CreateTimer(ctx, timer.Config{ID: "slow", Duration: 60_000})
	require.NoError(t, err)
	_, err = eng.CreateTimer(ctx, timer.Config{
		ID:           "waiter",
		Duration:     5000,
		Dependencies: []string{"fast", "slow"},
	})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = eng.SweepExpirations(ctx)
	require.NoError(t, err)

	waiter, err := eng.GetTimer(ctx, "waiter")
	require.NoError(t, err)
	assert.Equal(t, timer.StatusPending, waiter.Status)
	assert.Equal(t, []string{"slow"}, waiter.PendingDependencies)
}

func TestGetTimerDerivedFields(t *testing.T) {
	eng, _, clk := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{Duration: 10_000})
	require.NoError(t, err)

	clk.Advance(4 * time.Second)
	got, err := eng.GetTimer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), got.TimeRemainingMs)
	assert.InDelta(t, 0.4, got.Progress, 1e-9)

	_, err = eng.GetTimer(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTimersFilter(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	for _, cfg := range []timer.Config{
		{ID: "a", TeamID: "team-x", Duration: 1000},
		{ID: "b", TeamID: "team-x", Duration: 1000},
		{ID: "c", TeamID: "team-y", Duration: 1000},
	} {
		_, err := eng.CreateTimer(ctx, cfg)
		require.NoError(t, err)
	}

	ts, err := eng.ListTimers(ctx, store.TimerFilter{TeamID: "team-x"})
	require.NoError(t, err)
	assert.Len(t, ts, 2)

	ts, err = eng.ListTimers(ctx, store.TimerFilter{TeamID: "team-x", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, ts, 1)

	ts, err = eng.ListTimers(ctx, store.TimerFilter{Status: timer.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, ts, 3)
}

func TestUpdateTimerPatch(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := eng.CreateTimer(ctx, timer.Config{
		Name:     "original",
		Duration: 60_000,
		Metadata: map[string]any{"keep": "me", "replace": "old"},
	})
	require.NoError(t, err)

	name := "renamed"
	updated, err := eng.UpdateTimer(ctx, created.ID, UpdatePatch{
		Name:     &name,
		Metadata: map[string]any{"replace": "new", "added": true},
		Context:  map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "me", updated.Metadata["keep"])
	assert.Equal(t, "new", updated.Metadata["replace"])
	assert.Equal(t, true, updated.Metadata["added"])
	assert.Equal(t, "prod", updated.Context["env"])
	// Engine-owned fields are untouched.
	assert.Equal(t, created.EndTimeMs, updated.EndTimeMs)
	assert.Equal(t, timer.StatusRunning, updated.Status)

	_, err = eng.UpdateTimer(ctx, "missing", UpdatePatch{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTasksCoverAllSweeps(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ts := eng.Tasks()
	names := make(map[string]time.Duration, len(ts))
	for _, task := range ts {
		names[task.Name] = task.Interval
	}
	assert.Equal(t, time.Minute, names["expiration-sweep"])
	assert.Equal(t, 5*time.Minute, names["replay-sweep"])
	assert.Equal(t, time.Minute, names["schedule-sweep"])
	assert.Equal(t, 24*time.Hour, names["expired-cleanup"])
	assert.Equal(t, 6*time.Hour, names["replay-cleanup"])
}
