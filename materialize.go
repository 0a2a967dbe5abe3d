package engine

import (
	"context"
	"fmt"
	"time"

	"minoots.dev/engine/schedule"
	"minoots.dev/engine/telemetry"
	"minoots.dev/engine/timer"
)

// MaterializeSchedule computes the timer config a due schedule produces:
// the referenced template (when set) deep-merged with the schedule's
// override, stamped with the schedule's team and creator. The config is
// ready for CreateTimer; the schedule itself is not modified.
func (e *Engine) MaterializeSchedule(ctx context.Context, s *schedule.Schedule) (timer.Config, error) {
	var template map[string]any
	if s.TemplateID != "" {
		tpl, err := e.store.GetTemplate(ctx, s.TemplateID)
		if err != nil {
			return timer.Config{}, fmt.Errorf("load template %q for schedule %q: %w", s.TemplateID, s.ID, err)
		}
		template = tpl.Config
	}
	cfg, err := timer.ConfigFromMap(s.BuildConfig(template))
	if err != nil {
		return timer.Config{}, fmt.Errorf("materialize schedule %q: %w", s.ID, err)
	}
	return cfg, nil
}

// SweepSchedules materializes every due, unpaused schedule into a new
// timer and advances its next run. A failing schedule records its error
// and never halts the tick. Returns how many timers were created.
func (e *Engine) SweepSchedules(ctx context.Context) (int, error) {
	start := e.clock.Now()
	now := start.UnixMilli()
	due, err := e.store.DueSchedules(ctx, now, e.cfg.ScheduleSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("query due schedules: %w", err)
	}

	fired := 0
	for _, s := range due {
		if err := e.fireSchedule(ctx, s); err != nil {
			s.LastError = err.Error()
			s.UpdatedAtMs = e.nowMs()
			if serr := e.store.SaveSchedule(ctx, s); serr != nil {
				e.logger.Error(ctx, "record schedule error", "scheduleId", s.ID, "err", serr.Error())
			}
			e.logger.Error(ctx, "schedule failed", "scheduleId", s.ID, "err", err.Error())
			continue
		}
		fired++
	}

	if len(due) > 0 {
		e.metrics.RecordTimer(telemetry.MetricSweepDuration, time.Since(start), "sweep", "schedule")
		e.logger.Debug(ctx, "schedule sweep", "due", len(due), "fired", fired)
	}
	return fired, nil
}

// fireSchedule materializes one schedule and advances its cron cursor.
// The next occurrence is computed even when materialization failed
// upstream would skip it, so a bad tick cannot wedge the schedule.
func (e *Engine) fireSchedule(ctx context.Context, s *schedule.Schedule) error {
	cfg, err := e.MaterializeSchedule(ctx, s)
	if err != nil {
		return err
	}
	t, err := e.CreateTimer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create timer for schedule %q: %w", s.ID, err)
	}

	next, err := schedule.NextRun(s.CronExpression, e.clock.Now())
	if err != nil {
		return err
	}
	s.LastRunAtMs = s.NextRunAtMs
	s.NextRunAtMs = next.UnixMilli()
	s.LastError = ""
	s.UpdatedAtMs = e.nowMs()
	if err := e.store.SaveSchedule(ctx, s); err != nil {
		return fmt.Errorf("advance schedule %q: %w", s.ID, err)
	}

	e.metrics.IncCounter(telemetry.MetricSchedulesFired, 1, "team", s.TeamID)
	e.logger.Info(ctx, "schedule fired",
		"scheduleId", s.ID, "timerId", t.ID, "nextRunAtMs", s.NextRunAtMs)
	return nil
}
