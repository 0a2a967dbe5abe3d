package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunnerFiresTasks(t *testing.T) {
	var ticks atomic.Int32
	r := NewLocal(nil)
	err := r.Start(context.Background(), []Task{{
		Name:     "count",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			ticks.Add(1)
			return nil
		},
	}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
	r.Stop()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
}

func TestLocalRunnerToleratesOverlap(t *testing.T) {
	var inFlight, peak atomic.Int32
	block := make(chan struct{})
	r := NewLocal(nil)
	err := r.Start(context.Background(), []Task{{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		},
	}})
	require.NoError(t, err)

	// A blocked tick must not prevent subsequent ticks from starting.
	assert.Eventually(t, func() bool { return peak.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
	close(block)
	r.Stop()
}

func TestLocalRunnerContinuesPastErrors(t *testing.T) {
	var ticks atomic.Int32
	r := NewLocal(nil)
	err := r.Start(context.Background(), []Task{{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			ticks.Add(1)
			return errors.New("boom")
		},
	}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestLocalRunnerRejectsZeroInterval(t *testing.T) {
	r := NewLocal(nil)
	err := r.Start(context.Background(), []Task{{Name: "bad", Run: func(context.Context) error { return nil }}})
	require.Error(t, err)
}

func TestLocalRunnerRejectsDoubleStart(t *testing.T) {
	r := NewLocal(nil)
	task := []Task{{Name: "a", Interval: time.Hour, Run: func(context.Context) error { return nil }}}
	require.NoError(t, r.Start(context.Background(), task))
	defer r.Stop()
	require.Error(t, r.Start(context.Background(), task))
}

func TestTickBudgetCancelsLongRuns(t *testing.T) {
	budgetHit := make(chan struct{}, 1)
	r := NewLocal(nil)
	err := r.Start(context.Background(), []Task{{
		Name:     "overrun",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			deadline, ok := ctx.Deadline()
			if ok && time.Until(deadline) <= BudgetFactor*10*time.Millisecond {
				select {
				case budgetHit <- struct{}{}:
				default:
				}
			}
			return nil
		},
	}})
	require.NoError(t, err)
	defer r.Stop()

	select {
	case <-budgetHit:
	case <-time.After(2 * time.Second):
		t.Fatal("tick context carried no deadline")
	}
}
