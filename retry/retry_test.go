package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  *Policy
		attempt int
		want    time.Duration
	}{
		{
			name:    "nil policy uses fixed default backoff",
			policy:  nil,
			attempt: 3,
			want:    time.Second,
		},
		{
			name:    "fixed keeps the base delay on every attempt",
			policy:  &Policy{Strategy: StrategyFixed, BackoffMs: 250},
			attempt: 4,
			want:    250 * time.Millisecond,
		},
		{
			name:    "linear scales with the attempt number",
			policy:  &Policy{Strategy: StrategyLinear, BackoffMs: 500},
			attempt: 3,
			want:    1500 * time.Millisecond,
		},
		{
			name:    "exponential doubles after each attempt",
			policy:  &Policy{Strategy: StrategyExponential, BackoffMs: 1000},
			attempt: 4,
			want:    8 * time.Second,
		},
		{
			name:    "exponential first attempt is the base delay",
			policy:  &Policy{Strategy: StrategyExponential, BackoffMs: 1000},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "unknown strategy falls back to fixed",
			policy:  &Policy{Strategy: "fibonacci", BackoffMs: 100},
			attempt: 5,
			want:    100 * time.Millisecond,
		},
		{
			name:    "zero backoff falls back to the default",
			policy:  &Policy{Strategy: StrategyLinear},
			attempt: 2,
			want:    2 * time.Second,
		},
		{
			name:    "attempt below one is clamped to one",
			policy:  &Policy{Strategy: StrategyLinear, BackoffMs: 300},
			attempt: 0,
			want:    300 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.policy, tt.attempt); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name    string
		policy  *Policy
		retries int
		want    bool
	}{
		{name: "nil policy never retries", policy: nil, retries: 0, want: false},
		{name: "zero max attempts disables retries", policy: &Policy{}, retries: 0, want: false},
		{name: "below the limit retries", policy: &Policy{MaxAttempts: 3}, retries: 2, want: true},
		{name: "at the limit stops", policy: &Policy{MaxAttempts: 3}, retries: 3, want: false},
		{name: "past the limit stops", policy: &Policy{MaxAttempts: 3}, retries: 7, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldRetry(tt.retries); got != tt.want {
				t.Errorf("ShouldRetry(%d) = %v, want %v", tt.retries, got, tt.want)
			}
		})
	}
}

func TestDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exponential delay doubles between attempts", prop.ForAll(
		func(backoff int64, attempt int) bool {
			p := &Policy{Strategy: StrategyExponential, BackoffMs: backoff}
			return Delay(p, attempt+1) == 2*Delay(p, attempt)
		},
		gen.Int64Range(1, 10_000),
		gen.IntRange(1, 20),
	))

	properties.Property("linear delay is attempt times the base", prop.ForAll(
		func(backoff int64, attempt int) bool {
			p := &Policy{Strategy: StrategyLinear, BackoffMs: backoff}
			want := time.Duration(backoff*int64(attempt)) * time.Millisecond
			return Delay(p, attempt) == want
		},
		gen.Int64Range(1, 10_000),
		gen.IntRange(1, 50),
	))

	properties.Property("fixed delay ignores the attempt number", prop.ForAll(
		func(backoff int64, a, b int) bool {
			p := &Policy{Strategy: StrategyFixed, BackoffMs: backoff}
			return Delay(p, a) == Delay(p, b)
		},
		gen.Int64Range(1, 10_000),
		gen.IntRange(1, 50),
		gen.IntRange(1, 50),
	))

	properties.Property("retries allowed exactly MaxAttempts times", prop.ForAll(
		func(max int) bool {
			p := &Policy{MaxAttempts: max}
			allowed := 0
			for r := 0; r < max+5; r++ {
				if p.ShouldRetry(r) {
					allowed++
				}
			}
			return allowed == max
		},
		gen.IntRange(0, 25),
	))

	properties.TestingRun(t)
}
