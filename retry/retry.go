// Package retry defines the webhook retry policy attached to timers and
// computes the delay that separates consecutive delivery attempts.
package retry

import (
	"math"
	"time"
)

// Strategy selects how the delay grows between retry attempts.
type Strategy string

const (
	// StrategyFixed waits the same backoff before every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear multiplies the backoff by the attempt number.
	StrategyLinear Strategy = "linear"
	// StrategyExponential doubles the backoff after each attempt.
	StrategyExponential Strategy = "exponential"
)

// DefaultBackoffMs is the base delay applied when a policy does not set one.
const DefaultBackoffMs int64 = 1000

// Policy configures webhook retries for a timer.
type Policy struct {
	// MaxAttempts is the number of retries allowed after the initial
	// delivery attempt. Zero disables retries entirely.
	MaxAttempts int `json:"maxAttempts,omitempty"`
	// BackoffMs is the base delay in milliseconds between attempts.
	// Values of zero or less fall back to DefaultBackoffMs.
	BackoffMs int64 `json:"backoffMs,omitempty"`
	// Strategy controls how the delay grows across attempts. Unknown
	// values behave like StrategyFixed.
	Strategy Strategy `json:"strategy,omitempty"`
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed retries. A nil policy never retries.
func (p *Policy) ShouldRetry(retries int) bool {
	return p != nil && retries < p.MaxAttempts
}

// Delay computes the wait before retry number attempt. Attempts are
// numbered from 1; values below 1 are treated as 1.
func Delay(p *Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := DefaultBackoffMs
	strategy := StrategyFixed
	if p != nil {
		if p.BackoffMs > 0 {
			backoff = p.BackoffMs
		}
		if p.Strategy != "" {
			strategy = p.Strategy
		}
	}

	var ms float64
	switch strategy {
	case StrategyLinear:
		ms = float64(backoff) * float64(attempt)
	case StrategyExponential:
		ms = float64(backoff) * math.Pow(2, float64(attempt-1))
	default:
		ms = float64(backoff)
	}
	return time.Duration(ms) * time.Millisecond
}
