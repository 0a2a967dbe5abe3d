package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"minoots.dev/engine/store"
	"minoots.dev/engine/telemetry"
)

// DeleteOptions configures DeleteTimer.
type DeleteOptions struct {
	// Reason is recorded on the deletion audit entry.
	Reason string
	// NoCascade limits the delete to the timer and its expiration
	// record, leaving event log, metric, and replay queue rows in
	// place. The default cascades.
	NoCascade bool
}

// DeleteResult reports what one delete removed.
type DeleteResult struct {
	Deleted bool               `json:"deleted"`
	TeamID  string             `json:"teamId,omitempty"`
	Counts  store.DeleteCounts `json:"counts"`
}

// DeleteTimer removes a timer and, unless NoCascade is set, every record
// that references it. Deleting an absent id is not an error: the result
// reports Deleted false with zero counts. Dependents are released before
// anything is removed, so a timer waiting on the deleted id observes the
// deletion as a termination and never blocks forever.
func (e *Engine) DeleteTimer(ctx context.Context, id string, opts DeleteOptions) (DeleteResult, error) {
	ctx, span := e.tracer.Start(ctx, "timer.delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("timer.id", id)),
	)
	defer span.End()

	result, err := e.deleteTimer(ctx, id, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete timer failed")
		return result, err
	}
	span.SetStatus(codes.Ok, "ok")
	return result, nil
}

func (e *Engine) deleteTimer(ctx context.Context, id string, opts DeleteOptions) (DeleteResult, error) {
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeleteResult{}, nil
		}
		return DeleteResult{}, fmt.Errorf("delete timer %q: %w", id, err)
	}

	e.releaseDependents(ctx, id)

	if err := e.store.DeleteTimer(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return DeleteResult{}, fmt.Errorf("delete timer %q: %w", id, err)
	}
	result := DeleteResult{Deleted: true, TeamID: t.TeamID}
	existed, err := e.store.DeleteExpiration(ctx, id)
	if err != nil {
		return result, fmt.Errorf("delete expiration for timer %q: %w", id, err)
	}
	if existed {
		result.Counts.Expirations = 1
	}

	if !opts.NoCascade {
		if result.Counts.Logs, err = e.store.DeleteEvents(ctx, id); err != nil {
			return result, fmt.Errorf("delete events for timer %q: %w", id, err)
		}
		if result.Counts.Metrics, err = e.store.DeleteTeamMetrics(ctx, id); err != nil {
			return result, fmt.Errorf("delete metrics for timer %q: %w", id, err)
		}
		if result.Counts.ReplayEntries, err = e.store.DeleteReplayEntries(ctx, id); err != nil {
			return result, fmt.Errorf("delete replay entries for timer %q: %w", id, err)
		}
	}

	if err := e.store.AppendDeletionMetric(ctx, &store.DeletionMetric{
		ID:            uuid.NewString(),
		TimerID:       id,
		TeamID:        t.TeamID,
		Counts:        result.Counts,
		Reason:        opts.Reason,
		TriggeredAtMs: e.nowMs(),
	}); err != nil {
		return result, fmt.Errorf("record deletion of timer %q: %w", id, err)
	}

	e.logger.Info(ctx, "timer deleted",
		"timerId", id, "cascade", !opts.NoCascade,
		"logs", result.Counts.Logs, "metrics", result.Counts.Metrics,
		"replayEntries", result.Counts.ReplayEntries, "reason", opts.Reason)
	return result, nil
}

// CleanupExpiredTimers removes primary records of expired timers whose
// deadline passed more than the configured age ago. Event log, metric,
// and replay rows are intentionally left in place; only cascade delete
// removes those. Failed and skipped timers are never touched so they can
// still be inspected.
func (e *Engine) CleanupExpiredTimers(ctx context.Context) (int, error) {
	cutoff := e.nowMs() - e.cfg.ExpiredCleanupAge.Milliseconds()
	removed, err := e.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired timers: %w", err)
	}
	if removed > 0 {
		e.metrics.IncCounter(telemetry.MetricTimersCleanedUp, float64(removed))
		e.logger.Info(ctx, "expired timers cleaned up", "removed", removed, "cutoffMs", cutoff)
	}
	return removed, nil
}
