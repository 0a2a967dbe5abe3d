package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"minoots.dev/engine/conditions"
	"minoots.dev/engine/retry"
	"minoots.dev/engine/store"
	"minoots.dev/engine/stream"
	"minoots.dev/engine/telemetry"
	"minoots.dev/engine/timer"
	"minoots.dev/engine/worker"
)

// SkipReasonConditions is recorded on timers skipped because their
// conditions were unsatisfied at activation.
const SkipReasonConditions = "conditions_not_met"

// CreateTimer validates the config and persists a new timer. Timers with
// dependencies start pending; timers whose conditions are unsatisfied are
// skipped immediately; everything else starts running with a live
// expiration record. A caller-supplied id is honored, and colliding with
// an existing record returns ErrDuplicateTimer.
func (e *Engine) CreateTimer(ctx context.Context, cfg timer.Config) (*timer.Timer, error) {
	durationMs, err := timer.ParseDuration(cfg.Duration)
	if err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	conds, err := conditions.Normalize(cfg.Conditions)
	if err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	deps := dedup(cfg.Dependencies)

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowMs()
	t := &timer.Timer{
		ID:               id,
		Name:             cfg.Name,
		AgentID:          cfg.AgentID,
		TeamID:           cfg.TeamID,
		CreatedBy:        cfg.CreatedBy,
		DurationMs:       durationMs,
		Dependencies:     deps,
		Conditions:       conds,
		Context:          cfg.Context,
		Metadata:         cfg.Metadata,
		Events:           cfg.Events,
		RetryPolicy:      cfg.RetryPolicy,
		ChainID:          cfg.ChainID,
		TemplateID:       cfg.TemplateID,
		Scenario:         cfg.Scenario,
		LoadBalancingKey: cfg.LoadBalancingKey,
		AssignedWorker:   worker.Assign(cfg.TeamID, id, e.cfg.WorkerCount),
		CreatedAtMs:      now,
		UpdatedAtMs:      now,
	}

	switch {
	case len(deps) > 0:
		t.Status = timer.StatusPending
		t.PendingDependencies = append([]string(nil), deps...)
	case !conditions.Satisfied(conds, cfg.Context, cfg.Metadata):
		t.Status = timer.StatusSkipped
		t.SkipReason = SkipReasonConditions
		t.CompletedAtMs = now
	default:
		t.Status = timer.StatusRunning
		t.StartTimeMs = now
		t.EndTimeMs = now + durationMs
	}

	if err := e.store.InsertTimer(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create timer %q: %w", id, ErrDuplicateTimer)
		}
		return nil, fmt.Errorf("create timer %q: %w", id, err)
	}
	if t.Status == timer.StatusRunning {
		if err := e.store.UpsertExpiration(ctx, &store.Expiration{
			TimerID:     t.ID,
			ExpiresAtMs: t.EndTimeMs,
			Status:      t.Status,
			Worker:      t.AssignedWorker,
		}); err != nil {
			return nil, fmt.Errorf("index expiration for timer %q: %w", id, err)
		}
	}
	if t.Status == timer.StatusSkipped {
		if err := e.appendEvent(ctx, &store.Event{
			TimerID: t.ID,
			Event:   store.EventSkipped,
			TeamID:  t.TeamID,
		}); err != nil {
			return nil, err
		}
		e.metrics.IncCounter(telemetry.MetricTimersSkipped, 1, "team", t.TeamID)
	}

	e.metrics.IncCounter(telemetry.MetricTimersCreated, 1, "team", t.TeamID)
	e.logger.Info(ctx, "timer created",
		"timerId", t.ID, "status", string(t.Status), "durationMs", t.DurationMs,
		"worker", t.AssignedWorker, "dependencies", len(deps))
	return e.derived(t), nil
}

// GetTimer returns the stored record with derived countdown fields.
func (e *Engine) GetTimer(ctx context.Context, id string) (*timer.Timer, error) {
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get timer %q: %w", id, err)
	}
	return e.derived(t), nil
}

// ListTimers returns timers matching the filter with derived fields.
// Ownership and visibility are the calling collaborator's concern.
func (e *Engine) ListTimers(ctx context.Context, filter store.TimerFilter) ([]*timer.Timer, error) {
	ts, err := e.store.ListTimers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	for i, t := range ts {
		ts[i] = e.derived(t)
	}
	return ts, nil
}

// UpdatePatch is the partial update accepted by UpdateTimer. Nil fields
// are left untouched; Metadata and Context entries merge key-wise into
// the stored documents.
type UpdatePatch struct {
	Name        *string
	Metadata    map[string]any
	Context     map[string]any
	Events      *timer.Events
	RetryPolicy *retry.Policy
}

// UpdateTimer applies the patch and returns the updated record. Status,
// deadlines, and dependencies are owned by the engine and cannot be
// patched.
func (e *Engine) UpdateTimer(ctx context.Context, id string, patch UpdatePatch) (*timer.Timer, error) {
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update timer %q: %w", id, err)
	}
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	if len(patch.Context) > 0 {
		if t.Context == nil {
			t.Context = make(map[string]any, len(patch.Context))
		}
		for k, v := range patch.Context {
			t.Context[k] = v
		}
	}
	if patch.Events != nil {
		t.Events = patch.Events
	}
	if patch.RetryPolicy != nil {
		t.RetryPolicy = patch.RetryPolicy
	}
	t.UpdatedAtMs = e.nowMs()
	if err := e.store.UpdateTimer(ctx, t); err != nil {
		return nil, fmt.Errorf("update timer %q: %w", id, err)
	}
	return e.derived(t), nil
}

// activateTimer moves a pending timer whose dependencies have all
// terminated into running, or skips it when its conditions no longer
// hold. The caller passes the freshest record it has.
func (e *Engine) activateTimer(ctx context.Context, t *timer.Timer) error {
	now := e.nowMs()
	t.PendingDependencies = nil
	t.UpdatedAtMs = now

	if !conditions.Satisfied(t.Conditions, t.Context, t.Metadata) {
		t.Status = timer.StatusSkipped
		t.SkipReason = SkipReasonConditions
		t.CompletedAtMs = now
		if err := e.store.UpdateTimer(ctx, t); err != nil {
			return fmt.Errorf("skip timer %q: %w", t.ID, err)
		}
		if err := e.appendEvent(ctx, &store.Event{
			TimerID: t.ID,
			Event:   store.EventSkipped,
			TeamID:  t.TeamID,
		}); err != nil {
			return err
		}
		e.metrics.IncCounter(telemetry.MetricTimersSkipped, 1, "team", t.TeamID)
		e.logger.Info(ctx, "timer skipped", "timerId", t.ID, "reason", t.SkipReason)
		// A skip is a termination; anything waiting on this timer is
		// released the same as after a fire.
		e.releaseDependents(ctx, t.ID)
		return nil
	}

	t.Status = timer.StatusRunning
	t.StartTimeMs = now
	t.EndTimeMs = now + t.DurationMs
	if err := e.store.UpdateTimer(ctx, t); err != nil {
		return fmt.Errorf("activate timer %q: %w", t.ID, err)
	}
	if err := e.store.UpsertExpiration(ctx, &store.Expiration{
		TimerID:     t.ID,
		ExpiresAtMs: t.EndTimeMs,
		Status:      t.Status,
		Worker:      t.AssignedWorker,
	}); err != nil {
		return fmt.Errorf("index expiration for timer %q: %w", t.ID, err)
	}
	if err := e.appendEvent(ctx, &store.Event{
		TimerID: t.ID,
		Event:   store.EventActivated,
		TeamID:  t.TeamID,
	}); err != nil {
		return err
	}
	e.logger.Info(ctx, "timer activated", "timerId", t.ID, "endTimeMs", t.EndTimeMs)
	return nil
}

// releaseDependents unblocks every timer waiting on the given id. A
// dependency is a happens-before constraint, not a success requirement:
// dependents are released whether the timer expired, failed, was skipped,
// or was deleted. Per-dependent failures are logged and do not stop the
// rest.
func (e *Engine) releaseDependents(ctx context.Context, id string) {
	dependents, err := e.store.FindDependents(ctx, id)
	if err != nil {
		e.logger.Error(ctx, "find dependents", "timerId", id, "err", err.Error())
		return
	}
	for _, dep := range dependents {
		remaining := without(dep.PendingDependencies, id)
		if len(remaining) == len(dep.PendingDependencies) {
			continue // already released
		}
		dep.PendingDependencies = remaining
		if len(remaining) == 0 && dep.Status == timer.StatusPending {
			if err := e.activateTimer(ctx, dep); err != nil {
				e.logger.Error(ctx, "activate dependent", "timerId", dep.ID, "err", err.Error())
			}
			continue
		}
		dep.UpdatedAtMs = e.nowMs()
		if err := e.store.UpdateTimer(ctx, dep); err != nil {
			e.logger.Error(ctx, "release dependent", "timerId", dep.ID, "err", err.Error())
		}
	}
}

// appendEvent persists one event log entry and fans it out to the
// notification stream. The append is part of the operation's ordering
// contract and its failure propagates; the stream publish is best-effort.
func (e *Engine) appendEvent(ctx context.Context, ev *store.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = e.nowMs()
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event for timer %q: %w", ev.Event, ev.TimerID, err)
	}
	if err := e.notifier.Publish(ctx, stream.Notification{
		TimerID: ev.TimerID,
		Event:   ev.Event,
		TeamID:  ev.TeamID,
		AtMs:    ev.TimestampMs,
	}); err != nil {
		e.logger.Warn(ctx, "publish event notification", "timerId", ev.TimerID, "err", err.Error())
	}
	return nil
}

// derived stamps the read-side countdown fields.
func (e *Engine) derived(t *timer.Timer) *timer.Timer {
	now := e.nowMs()
	t.TimeRemainingMs = t.TimeRemaining(now)
	t.Progress = t.ProgressAt(now)
	return t
}

// dedup removes duplicate ids preserving first-seen order.
func dedup(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// without returns ids with every occurrence of id removed.
func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
