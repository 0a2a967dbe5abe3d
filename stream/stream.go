// Package stream publishes timer lifecycle notifications over a Pulse
// stream so downstream orchestrators can react to terminations without
// polling the event log. Publishing is fire-and-forget: readers are a
// collaborator concern and a publish failure never fails the engine
// operation that triggered it.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// DefaultStreamName is the Pulse stream notifications are published to.
const DefaultStreamName = "timer-events"

// Notification is the payload published for each event log append.
type Notification struct {
	TimerID string `json:"timerId"`
	Event   string `json:"event"`
	TeamID  string `json:"teamId,omitempty"`
	AtMs    int64  `json:"at"`
}

// Options configures a Notifier.
type Options struct {
	// Redis backs the Pulse stream. Required.
	Redis *redis.Client
	// Name overrides DefaultStreamName.
	Name string
	// MaxLen bounds the number of entries Redis keeps. Zero uses the
	// Pulse default.
	MaxLen int
	// PublishTimeout bounds each publish. Defaults to 2s.
	PublishTimeout time.Duration
}

// Notifier publishes notifications to a Pulse stream. A nil Notifier is
// valid and publishes nothing, so callers never need to branch on whether
// streaming is configured.
type Notifier struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// New opens the notification stream, creating it if needed.
func New(opts Options) (*Notifier, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	name := opts.Name
	if name == "" {
		name = DefaultStreamName
	}
	var streamOptions []streamopts.Stream
	if opts.MaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.MaxLen))
	}
	s, err := streaming.NewStream(name, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create notification stream %q: %w", name, err)
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Notifier{stream: s, timeout: timeout}, nil
}

// Publish sends one notification. Nil notifiers drop it silently.
func (n *Notifier) Publish(ctx context.Context, note Notification) error {
	if n == nil {
		return nil
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.stream.Add(ctx, note.Event, payload); err != nil {
		return fmt.Errorf("publish notification for timer %q: %w", note.TimerID, err)
	}
	return nil
}
