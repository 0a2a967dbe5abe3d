// Package timer defines the timer record at the heart of the engine, its
// lifecycle statuses, and the configuration document accepted at creation.
package timer

import (
	"encoding/json"
	"fmt"

	"minoots.dev/engine/conditions"
	"minoots.dev/engine/retry"
)

// Status is the lifecycle state of a timer.
type Status string

const (
	// StatusPending waits for dependencies to terminate.
	StatusPending Status = "pending"
	// StatusRunning counts down toward the deadline.
	StatusRunning Status = "running"
	// StatusRetrying waits for the next webhook delivery attempt.
	StatusRetrying Status = "retrying"
	// StatusExpired fired its deadline successfully.
	StatusExpired Status = "expired"
	// StatusFailed exhausted its webhook retries.
	StatusFailed Status = "failed"
	// StatusSkipped never ran because its conditions were unsatisfied.
	StatusSkipped Status = "skipped"
	// StatusDeleted was removed before terminating on its own.
	StatusDeleted Status = "deleted"
)

// IsTerminal reports whether the status can never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusFailed, StatusSkipped, StatusDeleted:
		return true
	}
	return false
}

// Active reports whether the timer holds a live deadline, which is exactly
// when an expiration record exists for it.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusRetrying
}

type (
	// Timer is the persisted timer record. All timestamps are epoch
	// milliseconds; zero means unset.
	Timer struct {
		ID                  string                 `json:"id"`
		Name                string                 `json:"name,omitempty"`
		AgentID             string                 `json:"agentId,omitempty"`
		TeamID              string                 `json:"teamId,omitempty"`
		CreatedBy           string                 `json:"createdBy,omitempty"`
		DurationMs          int64                  `json:"durationMs"`
		StartTimeMs         int64                  `json:"startTimeMs,omitempty"`
		EndTimeMs           int64                  `json:"endTimeMs,omitempty"`
		Status              Status                 `json:"status"`
		Dependencies        []string               `json:"dependencies,omitempty"`
		PendingDependencies []string               `json:"pendingDependencies,omitempty"`
		Conditions          []conditions.Condition `json:"conditions,omitempty"`
		Context             map[string]any         `json:"context,omitempty"`
		Metadata            map[string]any         `json:"metadata,omitempty"`
		Events              *Events                `json:"events,omitempty"`
		RetryPolicy         *retry.Policy          `json:"retryPolicy,omitempty"`
		RetryCount          int                    `json:"retryCount"`
		ChainID             string                 `json:"chainId,omitempty"`
		TemplateID          string                 `json:"templateId,omitempty"`
		Scenario            string                 `json:"scenario,omitempty"`
		LoadBalancingKey    string                 `json:"loadBalancingKey,omitempty"`
		AssignedWorker      string                 `json:"assignedWorker,omitempty"`
		SkipReason          string                 `json:"skipReason,omitempty"`
		FailureReason       string                 `json:"failureReason,omitempty"`
		NextRetryAtMs       int64                  `json:"nextRetryAtMs,omitempty"`
		CreatedAtMs         int64                  `json:"createdAtMs"`
		UpdatedAtMs         int64                  `json:"updatedAtMs"`
		CompletedAtMs       int64                  `json:"completedAtMs,omitempty"`

		// Derived on reads, never persisted.
		TimeRemainingMs int64   `json:"timeRemaining,omitempty"`
		Progress        float64 `json:"progress,omitempty"`
	}

	// Events groups the actions attached to lifecycle moments.
	Events struct {
		OnExpire *ExpireAction `json:"on_expire,omitempty"`
	}

	// ExpireAction describes the webhook fired when a timer expires.
	ExpireAction struct {
		WebhookURL string         `json:"webhookUrl,omitempty"`
		Message    string         `json:"message,omitempty"`
		Data       map[string]any `json:"data,omitempty"`
	}

	// Config is the document accepted by CreateTimer. Duration is
	// required and may be an integer count of milliseconds or a string
	// such as "90s" or "2h". Conditions accepts either a list of
	// condition objects or a key/value map.
	Config struct {
		ID               string         `json:"id,omitempty"`
		Name             string         `json:"name,omitempty"`
		AgentID          string         `json:"agentId,omitempty"`
		TeamID           string         `json:"teamId,omitempty"`
		CreatedBy        string         `json:"createdBy,omitempty"`
		Duration         any            `json:"duration"`
		Dependencies     []string       `json:"dependencies,omitempty"`
		Conditions       any            `json:"conditions,omitempty"`
		Context          map[string]any `json:"context,omitempty"`
		Metadata         map[string]any `json:"metadata,omitempty"`
		Events           *Events        `json:"events,omitempty"`
		RetryPolicy      *retry.Policy  `json:"retryPolicy,omitempty"`
		ChainID          string         `json:"chainId,omitempty"`
		TemplateID       string         `json:"templateId,omitempty"`
		Scenario         string         `json:"scenario,omitempty"`
		LoadBalancingKey string         `json:"loadBalancingKey,omitempty"`
	}
)

// TimeRemaining returns the milliseconds left before the deadline at the
// given instant. Timers that never started report their full duration.
func (t *Timer) TimeRemaining(nowMs int64) int64 {
	if t.StartTimeMs == 0 {
		return t.DurationMs
	}
	if rem := t.EndTimeMs - nowMs; rem > 0 {
		return rem
	}
	return 0
}

// ProgressAt returns the fraction of the duration elapsed at the given
// instant, clamped to [0,1]. Unstarted timers report zero.
func (t *Timer) ProgressAt(nowMs int64) float64 {
	if t.StartTimeMs == 0 {
		return 0
	}
	if t.DurationMs <= 0 {
		return 1
	}
	p := float64(nowMs-t.StartTimeMs) / float64(t.DurationMs)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// WebhookURL returns the on-expire webhook target, or "" when none is
// configured.
func (t *Timer) WebhookURL() string {
	if t.Events == nil || t.Events.OnExpire == nil {
		return ""
	}
	return t.Events.OnExpire.WebhookURL
}

// Clone returns a copy that shares no mutable state with the receiver.
func (t *Timer) Clone() *Timer {
	if t == nil {
		return nil
	}
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.PendingDependencies != nil {
		c.PendingDependencies = append([]string(nil), t.PendingDependencies...)
	}
	if t.Conditions != nil {
		c.Conditions = append([]conditions.Condition(nil), t.Conditions...)
	}
	c.Context = cloneDoc(t.Context)
	c.Metadata = cloneDoc(t.Metadata)
	if t.Events != nil {
		ev := *t.Events
		if t.Events.OnExpire != nil {
			oe := *t.Events.OnExpire
			oe.Data = cloneDoc(t.Events.OnExpire.Data)
			ev.OnExpire = &oe
		}
		c.Events = &ev
	}
	if t.RetryPolicy != nil {
		rp := *t.RetryPolicy
		c.RetryPolicy = &rp
	}
	return &c
}

func cloneDoc(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConfigFromMap decodes a free-form document, as produced by schedule
// templates, into a Config.
func ConfigFromMap(doc map[string]any) (Config, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("encode timer config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode timer config: %w", err)
	}
	return cfg, nil
}
