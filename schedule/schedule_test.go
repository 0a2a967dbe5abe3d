package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{name: "every five minutes", expr: "*/5 * * * *", want: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)},
		{name: "daily at nine", expr: "0 9 * * *", want: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		{name: "hourly descriptor", expr: "@hourly", want: time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)},
		{name: "first of month", expr: "0 0 1 * *", want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.expr, after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid expression", func(t *testing.T) {
		_, err := NextRun("not a cron", after)
		assert.Error(t, err)
	})

	t.Run("six fields are rejected", func(t *testing.T) {
		_, err := NextRun("0 0 9 * * *", after)
		assert.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	base := map[string]any{
		"duration": "5m",
		"metadata": map[string]any{"source": "template", "keep": true},
		"name":     "base",
	}
	override := map[string]any{
		"metadata": map[string]any{"source": "override"},
		"name":     "override",
	}

	got := Merge(base, override)

	assert.Equal(t, "override", got["name"])
	assert.Equal(t, "5m", got["duration"])
	meta, ok := got["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "override", meta["source"])
	assert.Equal(t, true, meta["keep"])

	// Inputs stay untouched.
	assert.Equal(t, "base", base["name"])
	assert.Equal(t, "template", base["metadata"].(map[string]any)["source"])
	assert.Equal(t, map[string]any{"source": "override"}, override["metadata"])
}

func TestMergeReplacesMismatchedShapes(t *testing.T) {
	base := map[string]any{"metadata": "scalar"}
	override := map[string]any{"metadata": map[string]any{"k": "v"}}
	got := Merge(base, override)
	assert.Equal(t, map[string]any{"k": "v"}, got["metadata"])

	got = Merge(override, base)
	assert.Equal(t, "scalar", got["metadata"])
}

func TestMergeNilInputs(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
	assert.Equal(t, map[string]any{"a": 1}, Merge(map[string]any{"a": 1}, nil))
	assert.Equal(t, map[string]any{"a": 1}, Merge(nil, map[string]any{"a": 1}))
}

func TestBuildConfig(t *testing.T) {
	s := &Schedule{
		ID:             "sched-1",
		TeamID:         "team-a",
		CreatedBy:      "ops",
		CronExpression: "*/5 * * * *",
		TimerConfigOverride: map[string]any{
			"name": "from-override",
		},
	}

	cfg := s.BuildConfig(map[string]any{
		"name":     "from-template",
		"duration": "10m",
		"teamId":   "template-team",
	})

	assert.Equal(t, "from-override", cfg["name"])
	assert.Equal(t, "10m", cfg["duration"])
	assert.Equal(t, "team-a", cfg["teamId"])
	assert.Equal(t, "ops", cfg["createdBy"])
}

func TestBuildConfigWithoutTemplate(t *testing.T) {
	s := &Schedule{TimerConfigOverride: map[string]any{"duration": "1m"}}
	cfg := s.BuildConfig(nil)
	assert.Equal(t, "1m", cfg["duration"])
	_, hasTeam := cfg["teamId"]
	assert.False(t, hasTeam)
}
