package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHintAveragesAndClamps(t *testing.T) {
	m := New(3)
	for _, late := range []int64{10, 20, 30} {
		m.Record(1000, 1000+late)
	}
	assert.Equal(t, int64(20), m.CompensationHintMs())

	// A large outlier pushes the oldest sample out and the mean past the
	// clamp.
	m.Record(1000, 6000)
	assert.Equal(t, int64(MaxCompensationMs), m.CompensationHintMs())
}

func TestHintClampsNegative(t *testing.T) {
	m := New(4)
	for i := 0; i < 4; i++ {
		m.Record(10_000, 4000)
	}
	assert.Equal(t, int64(-MaxCompensationMs), m.CompensationHintMs())
}

func TestHintEmptyMonitor(t *testing.T) {
	m := New(DefaultWindow)
	assert.Zero(t, m.CompensationHintMs())
}

func TestWindowEvictsOldest(t *testing.T) {
	m := New(2)
	m.Record(0, 10)
	m.Record(0, 20)
	m.Record(0, 30)
	assert.Equal(t, int64(25), m.CompensationHintMs())
}

func TestRecordReturnsDelta(t *testing.T) {
	m := New(1)
	assert.Equal(t, int64(-15), m.Record(100, 85))
}

func TestSnapshot(t *testing.T) {
	m := New(8)
	m.Record(0, 10)
	m.Record(0, 20)

	s := m.Snapshot()
	assert.Equal(t, 2, s.Samples)
	assert.InDelta(t, 15.0, s.MeanMs, 0.001)
	assert.Equal(t, int64(15), s.HintMs)

	empty := New(8).Snapshot()
	assert.Zero(t, empty.Samples)
	assert.Zero(t, empty.MeanMs)
	assert.Zero(t, empty.HintMs)
}

func TestWindowBelowOneIsRaised(t *testing.T) {
	m := New(0)
	m.Record(0, 40)
	m.Record(0, 10)
	assert.Equal(t, int64(10), m.CompensationHintMs())
}
