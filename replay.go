package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"minoots.dev/engine/store"
	"minoots.dev/engine/telemetry"
	"minoots.dev/engine/timer"
)

// ReplayMeta annotates a replay queue entry at enqueue time.
type ReplayMeta struct {
	// Reason explains why the snapshot was queued, e.g. "webhook_failed".
	Reason string
	// Attempts is how many delivery attempts the source timer made.
	Attempts int
	// Failure is the last delivery failure reason, if any.
	Failure string
	// TriggeredBy identifies the caller for manual enqueues.
	TriggeredBy string
}

// EnqueueReplay queues a timer snapshot for replay. At most one pending
// entry may exist per timer id: a duplicate enqueue returns (nil, nil)
// rather than an error, because an in-flight replay already covers the
// failure.
func (e *Engine) EnqueueReplay(ctx context.Context, snapshot *timer.Timer, meta ReplayMeta) (*store.ReplayEntry, error) {
	if snapshot == nil || snapshot.ID == "" {
		return nil, ErrMissingSnapshotID
	}
	if _, err := e.store.PendingReplayEntry(ctx, snapshot.ID); err == nil {
		return nil, nil // deduplicated
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check pending replay for timer %q: %w", snapshot.ID, err)
	}

	entry := &store.ReplayEntry{
		ID:           uuid.NewString(),
		TimerID:      snapshot.ID,
		TeamID:       snapshot.TeamID,
		Status:       store.ReplayPending,
		Reason:       meta.Reason,
		Attempts:     meta.Attempts,
		Payload:      *snapshot.Clone(),
		EnqueuedAtMs: e.nowMs(),
		TriggeredBy:  meta.TriggeredBy,
		LastFailure:  meta.Failure,
	}
	if err := e.store.InsertReplayEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, nil // lost the race to another enqueuer
		}
		return nil, fmt.Errorf("enqueue replay for timer %q: %w", snapshot.ID, err)
	}
	e.metrics.IncCounter(telemetry.MetricReplayEnqueued, 1, "team", snapshot.TeamID)
	e.logger.Info(ctx, "replay enqueued",
		"timerId", snapshot.ID, "entryId", entry.ID, "reason", meta.Reason)
	return entry, nil
}

// ReplayOptions configures ReplayTimer.
type ReplayOptions struct {
	// Reason is recorded in lineage metadata and history.
	Reason string
	// Payload replays from this snapshot instead of the stored record.
	Payload *timer.Timer
	// RequestedBy identifies the caller in the history entry.
	RequestedBy string
	// QueueEntryID links the history entry to the queue row that
	// triggered the replay.
	QueueEntryID string
	// MetadataOverrides and ContextOverrides merge over the source
	// documents, overrides winning.
	MetadataOverrides map[string]any
	ContextOverrides  map[string]any
	// Dependencies for the new timer. A replay is a fresh, unblocked
	// execution unless the caller supplies new ones.
	Dependencies []string
	// OmitReplayMetadata suppresses the replayOf/replayReason lineage
	// keys stamped onto the clone's metadata.
	OmitReplayMetadata bool
}

// ReplayTimer creates a fresh timer from a prior timer's snapshot and
// records the lineage. The clone enters through CreateTimer, so it is
// gated and swept like any other timer.
func (e *Engine) ReplayTimer(ctx context.Context, id string, opts ReplayOptions) (*timer.Timer, error) {
	source := opts.Payload
	if source == nil {
		var err error
		source, err = e.store.GetTimer(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("replay timer %q: %w", id, err)
		}
	}
	sourceID := source.ID
	if sourceID == "" {
		sourceID = id
	}
	// A snapshot that never held a status is not a timer record; its
	// zero duration is absence, not an instant timer.
	if source.Status == "" && source.DurationMs == 0 {
		return nil, fmt.Errorf("replay timer %q: %w", sourceID, ErrMissingDuration)
	}

	name := source.Name
	if name == "" {
		name = "replay_" + sourceID
	}
	metadata := mergeDocs(source.Metadata, opts.MetadataOverrides)
	if !opts.OmitReplayMetadata && sourceID != "" {
		if metadata == nil {
			metadata = make(map[string]any, 2)
		}
		metadata["replayOf"] = sourceID
		metadata["replayReason"] = opts.Reason
	}

	cfg := timer.Config{
		Name:             name,
		AgentID:          source.AgentID,
		TeamID:           source.TeamID,
		CreatedBy:        opts.RequestedBy,
		Duration:         source.DurationMs,
		Dependencies:     opts.Dependencies,
		Context:          mergeDocs(source.Context, opts.ContextOverrides),
		Metadata:         metadata,
		Events:           source.Events,
		RetryPolicy:      source.RetryPolicy,
		ChainID:          source.ChainID,
		TemplateID:       source.TemplateID,
		Scenario:         source.Scenario,
		LoadBalancingKey: source.LoadBalancingKey,
	}

	clone, err := e.CreateTimer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("replay timer %q: %w", sourceID, err)
	}
	if err := e.store.AppendReplayHistory(ctx, &store.ReplayHistory{
		ID:            uuid.NewString(),
		SourceTimerID: sourceID,
		ReplayTimerID: clone.ID,
		Reason:        opts.Reason,
		RequestedBy:   opts.RequestedBy,
		QueueEntryID:  opts.QueueEntryID,
		TeamID:        clone.TeamID,
		CreatedAtMs:   e.nowMs(),
	}); err != nil {
		return nil, fmt.Errorf("record replay history for timer %q: %w", sourceID, err)
	}
	e.logger.Info(ctx, "timer replayed",
		"sourceTimerId", sourceID, "replayTimerId", clone.ID, "reason", opts.Reason)
	return clone, nil
}

// ReplayResult reports one drained queue entry.
type ReplayResult struct {
	QueueEntryID  string
	ReplayTimerID string
	Err           string
}

// ProcessReplayQueue drains up to limit pending replay entries, oldest
// first, creating a clone timer from each stored snapshot. Entries that
// fail move to the error state and stay there for inspection; only
// cleanup removes them. A limit of zero uses the configured batch size.
func (e *Engine) ProcessReplayQueue(ctx context.Context, limit int) ([]ReplayResult, error) {
	if limit <= 0 {
		limit = e.cfg.ReplaySweepBatch
	}
	ctx, span := e.tracer.Start(ctx, "replay.drain", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := e.clock.Now()
	entries, err := e.store.PendingReplayEntries(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query pending replays failed")
		return nil, fmt.Errorf("query pending replays: %w", err)
	}

	results := make([]ReplayResult, 0, len(entries))
	for _, entry := range entries {
		now := e.nowMs()
		entry.Status = store.ReplayProcessing
		entry.LastAttemptAtMs = now
		if err := e.store.UpdateReplayEntry(ctx, entry); err != nil {
			e.logger.Error(ctx, "claim replay entry", "entryId", entry.ID, "err", err.Error())
			continue
		}

		payload := entry.Payload
		clone, err := e.ReplayTimer(ctx, entry.TimerID, ReplayOptions{
			Reason:       entry.Reason,
			Payload:      &payload,
			RequestedBy:  entry.TriggeredBy,
			QueueEntryID: entry.ID,
		})
		if err != nil {
			span.RecordError(err)
			entry.Status = store.ReplayError
			entry.LastError = err.Error()
			entry.ErrorCount++
			if uerr := e.store.UpdateReplayEntry(ctx, entry); uerr != nil {
				e.logger.Error(ctx, "record replay error", "entryId", entry.ID, "err", uerr.Error())
			}
			results = append(results, ReplayResult{QueueEntryID: entry.ID, Err: err.Error()})
			e.logger.Error(ctx, "replay failed", "entryId", entry.ID, "timerId", entry.TimerID, "err", err.Error())
			continue
		}

		entry.Status = store.ReplayProcessed
		entry.ReplayTimerID = clone.ID
		entry.ProcessedAtMs = e.nowMs()
		if err := e.store.UpdateReplayEntry(ctx, entry); err != nil {
			e.logger.Error(ctx, "settle replay entry", "entryId", entry.ID, "err", err.Error())
		}
		results = append(results, ReplayResult{QueueEntryID: entry.ID, ReplayTimerID: clone.ID})
		e.metrics.IncCounter(telemetry.MetricReplayDrained, 1, "team", entry.TeamID)
	}

	if len(entries) > 0 {
		e.metrics.RecordTimer(telemetry.MetricSweepDuration, time.Since(start), "sweep", "replay")
		e.logger.Debug(ctx, "replay sweep", "drained", len(results))
		span.AddEvent("replay.batch", "drained", len(results))
	}
	span.SetStatus(codes.Ok, "ok")
	return results, nil
}

// CleanupOptions tunes one replay queue purge run. Zero values use the
// engine's configured retention and batch cap.
type CleanupOptions struct {
	OlderThan    time.Duration
	MaxBatchSize int
}

// CleanupReplayQueue purges processed and error entries older than the
// retention window, up to the per-run cap. Returns how many entries were
// removed.
func (e *Engine) CleanupReplayQueue(ctx context.Context, opts CleanupOptions) (int, error) {
	retention := opts.OlderThan
	if retention <= 0 {
		retention = e.cfg.ReplayRetention
	}
	batch := opts.MaxBatchSize
	if batch <= 0 {
		batch = e.cfg.ReplayCleanupBatch
	}
	cutoff := e.nowMs() - retention.Milliseconds()
	purged, err := e.store.PurgeReplayEntries(ctx, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("purge replay entries: %w", err)
	}
	if purged > 0 {
		e.logger.Info(ctx, "replay queue purged", "purged", purged, "cutoffMs", cutoff)
	}
	return purged, nil
}

// mergeDocs returns base with override entries applied, touching neither.
func mergeDocs(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
