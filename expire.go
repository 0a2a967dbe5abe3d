package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"minoots.dev/engine/retry"
	"minoots.dev/engine/store"
	"minoots.dev/engine/telemetry"
	"minoots.dev/engine/timer"
	"minoots.dev/engine/webhook"
)

// FailureReasonWebhook tags replay entries created by exhausted webhook
// retries.
const FailureReasonWebhook = "webhook_failed"

// SweepExpirations finds running and retrying timers past their deadline
// and drives each through the expire transition. The cutoff is widened by
// the drift compensation hint so chronically late sweeps pull deadlines
// forward. Per-timer failures are logged; the sweep always finishes the
// batch. Returns how many timers were processed.
func (e *Engine) SweepExpirations(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "timer.sweep", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := e.clock.Now()
	cutoff := start.UnixMilli()
	if hint := e.drift.CompensationHintMs(); hint > 0 {
		cutoff += hint
	}
	due, err := e.store.DueTimers(ctx, cutoff, e.cfg.ExpirationSweepBatch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query due timers failed")
		return 0, fmt.Errorf("query due timers: %w", err)
	}
	if len(due) == 0 {
		span.SetStatus(codes.Ok, "ok")
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, t := range due {
		id := t.ID
		g.Go(func() error {
			sctx, tspan := e.tracer.Start(gctx, "timer.expire",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("timer.id", id)),
			)
			defer tspan.End()
			if err := e.expireTimer(sctx, id); err != nil {
				tspan.RecordError(err)
				tspan.SetStatus(codes.Error, "expire timer failed")
				e.logger.Error(sctx, "expire timer", "timerId", id, "err", err.Error())
				return nil // one bad timer never halts the batch
			}
			tspan.SetStatus(codes.Ok, "ok")
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.RecordTimer(telemetry.MetricSweepDuration, time.Since(start), "sweep", "expiration")
	e.logger.Debug(ctx, "expiration sweep", "due", len(due), "cutoffMs", cutoff)
	span.AddEvent("sweep.batch", "due", len(due), "cutoffMs", cutoff)
	span.SetStatus(codes.Ok, "ok")
	return len(due), nil
}

// expireTimer drives one timer through the expire transition:
// increment the attempt counter, deliver the webhook, classify the
// outcome, then either schedule a retry or settle the timer in a terminal
// state. State mutation, event log, metric, and replay enqueue all
// complete before dependents are released, so a dependent reacting to the
// termination always observes the final state.
func (e *Engine) expireTimer(ctx context.Context, id string) error {
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // deleted between query and processing
		}
		return fmt.Errorf("load timer %q: %w", id, err)
	}
	// Status guard: racing sweepers and replayed ticks settle here.
	if !t.Status.Active() {
		return nil
	}

	attempt, err := e.store.IncrementRetryCount(ctx, id)
	if err != nil {
		return fmt.Errorf("count attempt for timer %q: %w", id, err)
	}
	t.RetryCount = attempt

	out := e.deliverWebhook(ctx, t)

	now := e.nowMs()
	scheduledEndMs := t.EndTimeMs

	if !out.Success && t.RetryPolicy.ShouldRetry(attempt) {
		delay := retry.Delay(t.RetryPolicy, attempt+1)
		t.Status = timer.StatusRetrying
		t.EndTimeMs = now + delay.Milliseconds()
		t.NextRetryAtMs = t.EndTimeMs
		t.FailureReason = out.FailureReason
		t.UpdatedAtMs = now
		if err := e.store.UpdateTimer(ctx, t); err != nil {
			return fmt.Errorf("schedule retry for timer %q: %w", id, err)
		}
		if err := e.store.UpsertExpiration(ctx, &store.Expiration{
			TimerID:     t.ID,
			ExpiresAtMs: t.EndTimeMs,
			Status:      t.Status,
			Worker:      t.AssignedWorker,
		}); err != nil {
			return fmt.Errorf("reindex expiration for timer %q: %w", id, err)
		}
		if err := e.appendEvent(ctx, &store.Event{
			TimerID:       t.ID,
			Event:         store.EventRetryScheduled,
			TeamID:        t.TeamID,
			Attempt:       attempt + 1,
			DelayMs:       delay.Milliseconds(),
			FailureReason: out.FailureReason,
		}); err != nil {
			return err
		}
		e.logger.Info(ctx, "webhook retry scheduled",
			"timerId", t.ID, "attempt", attempt+1, "delayMs", delay.Milliseconds(),
			"reason", out.FailureReason)
		return nil
	}

	// Terminal: expired on success, failed on exhausted retries.
	eventKind := store.EventExpired
	if out.Success {
		t.Status = timer.StatusExpired
		t.FailureReason = ""
	} else {
		t.Status = timer.StatusFailed
		t.FailureReason = out.FailureReason
		eventKind = store.EventFailed
	}
	t.NextRetryAtMs = 0
	t.CompletedAtMs = now
	t.UpdatedAtMs = now
	if err := e.store.UpdateTimer(ctx, t); err != nil {
		return fmt.Errorf("settle timer %q: %w", id, err)
	}
	if _, err := e.store.DeleteExpiration(ctx, t.ID); err != nil {
		return fmt.Errorf("drop expiration for timer %q: %w", id, err)
	}

	driftMs := e.drift.Record(scheduledEndMs, now)
	if err := e.store.AppendTeamMetric(ctx, &store.TeamMetric{
		ID:               uuid.NewString(),
		TeamID:           t.TeamID,
		TimerID:          t.ID,
		Event:            eventKind,
		DriftMs:          driftMs,
		WebhookLatencyMs: out.Latency.Milliseconds(),
		Success:          out.Success,
		Attempt:          attempt,
		CreatedAtMs:      now,
	}); err != nil {
		return fmt.Errorf("append metric for timer %q: %w", id, err)
	}
	if err := e.appendEvent(ctx, &store.Event{
		TimerID:       t.ID,
		Event:         eventKind,
		TeamID:        t.TeamID,
		Attempt:       attempt,
		FailureReason: t.FailureReason,
	}); err != nil {
		return err
	}

	if out.Success {
		e.metrics.IncCounter(telemetry.MetricTimersExpired, 1, "team", t.TeamID)
	} else {
		e.metrics.IncCounter(telemetry.MetricTimersFailed, 1, "team", t.TeamID)
		if _, err := e.EnqueueReplay(ctx, t, ReplayMeta{
			Reason:   FailureReasonWebhook,
			Attempts: attempt,
			Failure:  out.FailureReason,
		}); err != nil {
			return fmt.Errorf("enqueue replay for timer %q: %w", id, err)
		}
	}
	if t.WebhookURL() != "" {
		e.metrics.RecordTimer(telemetry.MetricWebhookLatency, out.Latency, "team", t.TeamID)
	}
	e.metrics.RecordGauge(telemetry.MetricSweepDrift, float64(driftMs), "sweep", "expiration")

	e.logger.Info(ctx, "timer settled",
		"timerId", t.ID, "status", string(t.Status), "attempt", attempt,
		"driftMs", driftMs, "webhookLatencyMs", out.Latency.Milliseconds())

	e.releaseDependents(ctx, t.ID)
	return nil
}

// deliverWebhook runs one delivery attempt under a client span. Timers
// without a webhook URL settle successfully and are not traced.
func (e *Engine) deliverWebhook(ctx context.Context, t *timer.Timer) webhook.Outcome {
	url := t.WebhookURL()
	if url == "" {
		return webhook.Outcome{Success: true}
	}
	ctx, span := e.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("timer.id", t.ID),
			attribute.String("webhook.url", url),
		),
	)
	defer span.End()

	out, err := e.dispatcher.Dispatch(ctx, t)
	if err != nil {
		// Local faults (payload encoding, cancelled rate wait) are
		// delivery failures as far as the retry engine is concerned.
		out = webhook.Outcome{FailureReason: err.Error()}
		span.RecordError(err)
	}
	span.AddEvent("webhook.attempt",
		"statusCode", out.StatusCode,
		"latencyMs", out.Latency.Milliseconds())
	if out.Success {
		span.SetStatus(codes.Ok, "ok")
	} else {
		span.SetStatus(codes.Error, out.FailureReason)
	}
	return out
}
