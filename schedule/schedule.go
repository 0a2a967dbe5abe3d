// Package schedule defines cron schedules that materialize timers, the
// next-occurrence computation, and the template merge that produces each
// materialized timer config.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a persisted cron trigger. Each due tick materializes one
// timer from the schedule's template and override documents.
type Schedule struct {
	ID                  string         `json:"id"`
	TeamID              string         `json:"teamId,omitempty"`
	CronExpression      string         `json:"cronExpression"`
	TemplateID          string         `json:"templateId,omitempty"`
	TimerConfigOverride map[string]any `json:"timerConfigOverride,omitempty"`
	Paused              bool           `json:"paused"`
	NextRunAtMs         int64          `json:"nextRunAtMs,omitempty"`
	LastRunAtMs         int64          `json:"lastRunAtMs,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	CreatedBy           string         `json:"createdBy,omitempty"`
	UpdatedBy           string         `json:"updatedBy,omitempty"`
	CreatedAtMs         int64          `json:"createdAtMs,omitempty"`
	UpdatedAtMs         int64          `json:"updatedAtMs,omitempty"`
}

// NextRun returns the first occurrence of the cron expression strictly
// after the given instant. Expressions use the standard five fields, with
// descriptors such as "@hourly" accepted.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Merge deep-merges override into base without mutating either document.
// Override values win; nested maps merge recursively.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// BuildConfig merges the schedule's override into the template config and
// stamps the schedule's ownership fields. The schedule's team and creator
// win over whatever the template carries.
func (s *Schedule) BuildConfig(template map[string]any) map[string]any {
	cfg := Merge(template, s.TimerConfigOverride)
	if s.TeamID != "" {
		cfg["teamId"] = s.TeamID
	}
	if s.CreatedBy != "" {
		cfg["createdBy"] = s.CreatedBy
	}
	return cfg
}
