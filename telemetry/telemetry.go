// Package telemetry integrates engine events with Clue logging and
// OpenTelemetry metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer opens spans around engine operations: expiration sweeps,
// per-timer expire transitions, webhook deliveries, replay drains, and
// deletes. Implementations delegate to an OpenTelemetry TracerProvider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is one in-flight span. End must be called exactly once;
// RecordError and SetStatus annotate the outcome before that.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, keyvals ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the engine. Sweep and delivery metrics carry a
// "sweep" or "team" tag respectively.
const (
	MetricTimersCreated   = "minoots.timers.created"
	MetricTimersExpired   = "minoots.timers.expired"
	MetricTimersFailed    = "minoots.timers.failed"
	MetricTimersSkipped   = "minoots.timers.skipped"
	MetricWebhookLatency  = "minoots.webhook.latency"
	MetricSweepDrift      = "minoots.sweep.drift"
	MetricSweepDuration   = "minoots.sweep.duration"
	MetricReplayDrained   = "minoots.replay.drained"
	MetricReplayEnqueued  = "minoots.replay.enqueued"
	MetricSchedulesFired  = "minoots.schedules.fired"
	MetricTimersCleanedUp = "minoots.timers.cleaned_up"
)
