// Package drift tracks how late webhook deliveries fire relative to their
// scheduled deadline and derives a compensation hint the expiration
// sweeper uses to widen its cutoff.
package drift

import (
	"math"
	"sync"
)

const (
	// DefaultWindow is the number of recent samples the monitor keeps.
	DefaultWindow = 64
	// MinLeadMs is the smallest hint worth compensating for; anything
	// below it is treated as scheduling noise.
	MinLeadMs = 5
	// MaxCompensationMs bounds the hint in either direction.
	MaxCompensationMs = 500
)

// Monitor keeps a sliding window of fire-time deltas. It is safe for
// concurrent use.
type Monitor struct {
	mu      sync.Mutex
	window  int
	samples []int64
	next    int
	count   int
	sum     int64
}

// New returns a monitor holding up to window samples. Windows below one
// are raised to one.
func New(window int) *Monitor {
	if window < 1 {
		window = 1
	}
	return &Monitor{window: window, samples: make([]int64, window)}
}

// Record adds one observation of a delivery scheduled for scheduledMs
// that actually fired at firedMs. It returns the delta in milliseconds,
// positive when the delivery was late.
func (m *Monitor) Record(scheduledMs, firedMs int64) int64 {
	delta := firedMs - scheduledMs
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == m.window {
		m.sum -= m.samples[m.next]
	} else {
		m.count++
	}
	m.samples[m.next] = delta
	m.sum += delta
	m.next = (m.next + 1) % m.window
	return delta
}

// CompensationHintMs returns the rounded mean delta over the window,
// clamped to ±MaxCompensationMs. It returns zero when no samples have
// been recorded.
func (m *Monitor) CompensationHintMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hintLocked()
}

func (m *Monitor) hintLocked() int64 {
	if m.count == 0 {
		return 0
	}
	hint := int64(math.Round(float64(m.sum) / float64(m.count)))
	if hint > MaxCompensationMs {
		return MaxCompensationMs
	}
	if hint < -MaxCompensationMs {
		return -MaxCompensationMs
	}
	return hint
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"meanMs"`
	HintMs  int64   `json:"hintMs"`
}

// Snapshot returns the current window statistics.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Samples: m.count, HintMs: m.hintLocked()}
	if m.count > 0 {
		s.MeanMs = float64(m.sum) / float64(m.count)
	}
	return s
}
