// Package webhook delivers the on-expire HTTP callback for a timer and
// classifies the outcome so the retry engine can decide what happens next.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"minoots.dev/engine/timer"
)

const (
	// DefaultTimeout bounds one delivery attempt end to end.
	DefaultTimeout = 10 * time.Second
	// EventTimerExpired is the event name carried by every payload.
	EventTimerExpired = "timer_expired"

	userAgent = "minoots-engine/1.0"
)

// Payload is the JSON body POSTed to the timer's webhook URL. The timer id
// inside the record is the receiver's idempotency key; delivery is
// at-least-once per attempt.
type Payload struct {
	Event   string         `json:"event"`
	Timer   *timer.Timer   `json:"timer"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Outcome classifies one delivery attempt. FailureReason is empty exactly
// when Success is true.
type Outcome struct {
	Success       bool
	StatusCode    int
	FailureReason string
	Latency       time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	// Timeout bounds one delivery attempt. Defaults to DefaultTimeout.
	Timeout time.Duration
	// MaxPerSecond caps outbound deliveries from this process. Zero or
	// less means no cap.
	MaxPerSecond float64
	// Client overrides the HTTP client, keeping its transport but not
	// its timeout; primarily for tests.
	Client *http.Client
}

// Dispatcher POSTs expiration payloads to user-specified URLs. It is safe
// for concurrent use.
type Dispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// New returns a Dispatcher with the given options.
func New(opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.MaxPerSecond > 0 {
		burst := int(opts.MaxPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MaxPerSecond), burst)
	}
	return &Dispatcher{client: client, limiter: limiter, timeout: timeout}
}

// Dispatch delivers the timer's on-expire webhook and classifies the
// result. Timers without a webhook URL report immediate success with zero
// latency. The returned error is reserved for local faults (payload
// encoding, rate-limit wait cancelled); delivery failures are data on the
// Outcome, not errors.
func (d *Dispatcher) Dispatch(ctx context.Context, t *timer.Timer) (Outcome, error) {
	url := t.WebhookURL()
	if url == "" {
		return Outcome{Success: true}, nil
	}

	payload := Payload{Event: EventTimerExpired, Timer: t}
	if t.Events != nil && t.Events.OnExpire != nil {
		payload.Message = t.Events.OnExpire.Message
		payload.Data = t.Events.OnExpire.Data
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode webhook payload for timer %q: %w", t.ID, err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Outcome{}, fmt.Errorf("wait for webhook rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Latency: 0, FailureReason: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Outcome{FailureReason: err.Error(), Latency: latency}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{
			StatusCode:    resp.StatusCode,
			FailureReason: fmt.Sprintf("Webhook HTTP %d", resp.StatusCode),
			Latency:       latency,
		}, nil
	}
	return Outcome{Success: true, StatusCode: resp.StatusCode, Latency: latency}, nil
}
