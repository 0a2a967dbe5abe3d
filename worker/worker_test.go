package worker

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestAssignProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("assignment is deterministic", prop.ForAll(
		func(teamID, timerID string, n int) bool {
			return Assign(teamID, timerID, n) == Assign(teamID, timerID, n)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(1, 64),
	))

	properties.Property("slot index stays within range", prop.ForAll(
		func(teamID, timerID string, n int) bool {
			slot := Assign(teamID, timerID, n)
			idx, err := strconv.Atoi(strings.TrimPrefix(slot, "worker-"))
			return err == nil && idx >= 0 && idx < n
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(1, 64),
	))

	properties.Property("non-positive counts collapse to a single slot", prop.ForAll(
		func(teamID, timerID string, n int) bool {
			return Assign(teamID, timerID, -n) == "worker-0"
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestAssignFormat(t *testing.T) {
	slot := Assign("team-a", "timer-1", DefaultCount)
	if !strings.HasPrefix(slot, "worker-") {
		t.Errorf("Assign() = %q, want worker- prefix", slot)
	}
	for i := 0; i < 100; i++ {
		slot := Assign("team-a", fmt.Sprintf("timer-%d", i), DefaultCount)
		idx, err := strconv.Atoi(strings.TrimPrefix(slot, "worker-"))
		if err != nil || idx < 0 || idx >= DefaultCount {
			t.Fatalf("Assign() = %q, want index in [0,%d)", slot, DefaultCount)
		}
	}
}
