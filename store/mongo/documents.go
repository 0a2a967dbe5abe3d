package mongo

import (
	"minoots.dev/engine/conditions"
	"minoots.dev/engine/retry"
	"minoots.dev/engine/schedule"
	"minoots.dev/engine/store"
	"minoots.dev/engine/timer"
)

// timerDocument is the MongoDB document representation of a timer.
type timerDocument struct {
	ID                  string               `bson:"_id"`
	Name                string               `bson:"name,omitempty"`
	AgentID             string               `bson:"agent_id,omitempty"`
	TeamID              string               `bson:"team_id,omitempty"`
	CreatedBy           string               `bson:"created_by,omitempty"`
	DurationMs          int64                `bson:"duration_ms"`
	StartTimeMs         int64                `bson:"start_time_ms,omitempty"`
	EndTimeMs           int64                `bson:"end_time_ms,omitempty"`
	Status              string               `bson:"status"`
	Dependencies        []string             `bson:"dependencies,omitempty"`
	PendingDependencies []string             `bson:"pending_dependencies,omitempty"`
	Conditions          []conditionDocument  `bson:"conditions,omitempty"`
	Context             map[string]any       `bson:"context,omitempty"`
	Metadata            map[string]any       `bson:"metadata,omitempty"`
	Events              *eventsDocument      `bson:"events,omitempty"`
	RetryPolicy         *retryPolicyDocument `bson:"retry_policy,omitempty"`
	RetryCount          int                  `bson:"retry_count"`
	ChainID             string               `bson:"chain_id,omitempty"`
	TemplateID          string               `bson:"template_id,omitempty"`
	Scenario            string               `bson:"scenario,omitempty"`
	LoadBalancingKey    string               `bson:"load_balancing_key,omitempty"`
	AssignedWorker      string               `bson:"assigned_worker,omitempty"`
	SkipReason          string               `bson:"skip_reason,omitempty"`
	FailureReason       string               `bson:"failure_reason,omitempty"`
	NextRetryAtMs       int64                `bson:"next_retry_at_ms,omitempty"`
	CreatedAtMs         int64                `bson:"created_at_ms"`
	UpdatedAtMs         int64                `bson:"updated_at_ms"`
	CompletedAtMs       int64                `bson:"completed_at_ms,omitempty"`
}

type conditionDocument struct {
	LHS      string `bson:"lhs,omitempty"`
	Operator string `bson:"operator"`
	RHS      any    `bson:"rhs,omitempty"`
	LHSValue any    `bson:"lhs_value,omitempty"`
	RHSValue any    `bson:"rhs_value,omitempty"`
}

type eventsDocument struct {
	OnExpire *expireActionDocument `bson:"on_expire,omitempty"`
}

type expireActionDocument struct {
	WebhookURL string         `bson:"webhook_url,omitempty"`
	Message    string         `bson:"message,omitempty"`
	Data       map[string]any `bson:"data,omitempty"`
}

type retryPolicyDocument struct {
	MaxAttempts int    `bson:"max_attempts,omitempty"`
	BackoffMs   int64  `bson:"backoff_ms,omitempty"`
	Strategy    string `bson:"strategy,omitempty"`
}

type expirationDocument struct {
	TimerID     string `bson:"_id"`
	ExpiresAtMs int64  `bson:"expires_at_ms"`
	Status      string `bson:"status"`
	Worker      string `bson:"worker,omitempty"`
}

type eventDocument struct {
	ID            string `bson:"_id"`
	TimerID       string `bson:"timer_id"`
	Event         string `bson:"event"`
	TeamID        string `bson:"team_id,omitempty"`
	Attempt       int    `bson:"attempt,omitempty"`
	DelayMs       int64  `bson:"delay_ms,omitempty"`
	FailureReason string `bson:"failure_reason,omitempty"`
	TimestampMs   int64  `bson:"timestamp_ms"`
}

type teamMetricDocument struct {
	ID               string `bson:"_id"`
	TeamID           string `bson:"team_id"`
	TimerID          string `bson:"timer_id"`
	Event            string `bson:"event"`
	DriftMs          int64  `bson:"drift_ms"`
	WebhookLatencyMs int64  `bson:"webhook_latency_ms"`
	Success          bool   `bson:"success"`
	Attempt          int    `bson:"attempt"`
	CreatedAtMs      int64  `bson:"created_at_ms"`
}

type replayEntryDocument struct {
	ID              string        `bson:"_id"`
	TimerID         string        `bson:"timer_id"`
	TeamID          string        `bson:"team_id,omitempty"`
	Status          string        `bson:"status"`
	Reason          string        `bson:"reason,omitempty"`
	Attempts        int           `bson:"attempts"`
	Payload         timerDocument `bson:"payload"`
	EnqueuedAtMs    int64         `bson:"enqueued_at_ms"`
	LastAttemptAtMs int64         `bson:"last_attempt_at_ms,omitempty"`
	ProcessedAtMs   int64         `bson:"processed_at_ms,omitempty"`
	ReplayTimerID   string        `bson:"replay_timer_id,omitempty"`
	LastError       string        `bson:"last_error,omitempty"`
	ErrorCount      int           `bson:"error_count,omitempty"`
	TriggeredBy     string        `bson:"triggered_by,omitempty"`
	LastFailure     string        `bson:"last_failure,omitempty"`
}

type replayHistoryDocument struct {
	ID            string `bson:"_id"`
	SourceTimerID string `bson:"source_timer_id"`
	ReplayTimerID string `bson:"replay_timer_id"`
	Reason        string `bson:"reason,omitempty"`
	RequestedBy   string `bson:"requested_by,omitempty"`
	QueueEntryID  string `bson:"queue_entry_id,omitempty"`
	TeamID        string `bson:"team_id,omitempty"`
	CreatedAtMs   int64  `bson:"created_at_ms"`
}

type scheduleDocument struct {
	ID                  string         `bson:"_id"`
	TeamID              string         `bson:"team_id,omitempty"`
	CronExpression      string         `bson:"cron_expression"`
	TemplateID          string         `bson:"template_id,omitempty"`
	TimerConfigOverride map[string]any `bson:"timer_config_override,omitempty"`
	Paused              bool           `bson:"paused"`
	NextRunAtMs         int64          `bson:"next_run_at_ms,omitempty"`
	LastRunAtMs         int64          `bson:"last_run_at_ms,omitempty"`
	LastError           string         `bson:"last_error,omitempty"`
	CreatedBy           string         `bson:"created_by,omitempty"`
	UpdatedBy           string         `bson:"updated_by,omitempty"`
	CreatedAtMs         int64          `bson:"created_at_ms,omitempty"`
	UpdatedAtMs         int64          `bson:"updated_at_ms,omitempty"`
}

type templateDocument struct {
	ID     string         `bson:"_id"`
	TeamID string         `bson:"team_id,omitempty"`
	Name   string         `bson:"name,omitempty"`
	Config map[string]any `bson:"config"`
}

type deletionMetricDocument struct {
	ID            string              `bson:"_id"`
	TimerID       string              `bson:"timer_id"`
	TeamID        string              `bson:"team_id,omitempty"`
	Counts        deleteCountsDocument `bson:"counts"`
	Reason        string              `bson:"reason,omitempty"`
	TriggeredAtMs int64               `bson:"triggered_at_ms"`
}

type deleteCountsDocument struct {
	Logs          int `bson:"logs"`
	Metrics       int `bson:"metrics"`
	ReplayEntries int `bson:"replay_entries"`
	Expirations   int `bson:"expirations"`
}

func toTimerDocument(t *timer.Timer) *timerDocument {
	doc := &timerDocument{
		ID:                  t.ID,
		Name:                t.Name,
		AgentID:             t.AgentID,
		TeamID:              t.TeamID,
		CreatedBy:           t.CreatedBy,
		DurationMs:          t.DurationMs,
		StartTimeMs:         t.StartTimeMs,
		EndTimeMs:           t.EndTimeMs,
		Status:              string(t.Status),
		Dependencies:        t.Dependencies,
		PendingDependencies: t.PendingDependencies,
		Context:             t.Context,
		Metadata:            t.Metadata,
		RetryCount:          t.RetryCount,
		ChainID:             t.ChainID,
		TemplateID:          t.TemplateID,
		Scenario:            t.Scenario,
		LoadBalancingKey:    t.LoadBalancingKey,
		AssignedWorker:      t.AssignedWorker,
		SkipReason:          t.SkipReason,
		FailureReason:       t.FailureReason,
		NextRetryAtMs:       t.NextRetryAtMs,
		CreatedAtMs:         t.CreatedAtMs,
		UpdatedAtMs:         t.UpdatedAtMs,
		CompletedAtMs:       t.CompletedAtMs,
	}
	for _, c := range t.Conditions {
		doc.Conditions = append(doc.Conditions, conditionDocument{
			LHS:      c.LHS,
			Operator: string(c.Operator),
			RHS:      c.RHS,
			LHSValue: c.LHSValue,
			RHSValue: c.RHSValue,
		})
	}
	if t.Events != nil {
		doc.Events = &eventsDocument{}
		if t.Events.OnExpire != nil {
			doc.Events.OnExpire = &expireActionDocument{
				WebhookURL: t.Events.OnExpire.WebhookURL,
				Message:    t.Events.OnExpire.Message,
				Data:       t.Events.OnExpire.Data,
			}
		}
	}
	if t.RetryPolicy != nil {
		doc.RetryPolicy = &retryPolicyDocument{
			MaxAttempts: t.RetryPolicy.MaxAttempts,
			BackoffMs:   t.RetryPolicy.BackoffMs,
			Strategy:    string(t.RetryPolicy.Strategy),
		}
	}
	return doc
}

func fromTimerDocument(doc *timerDocument) *timer.Timer {
	t := &timer.Timer{
		ID:                  doc.ID,
		Name:                doc.Name,
		AgentID:             doc.AgentID,
		TeamID:              doc.TeamID,
		CreatedBy:           doc.CreatedBy,
		DurationMs:          doc.DurationMs,
		StartTimeMs:         doc.StartTimeMs,
		EndTimeMs:           doc.EndTimeMs,
		Status:              timer.Status(doc.Status),
		Dependencies:        doc.Dependencies,
		PendingDependencies: doc.PendingDependencies,
		Context:             doc.Context,
		Metadata:            doc.Metadata,
		RetryCount:          doc.RetryCount,
		ChainID:             doc.ChainID,
		TemplateID:          doc.TemplateID,
		Scenario:            doc.Scenario,
		LoadBalancingKey:    doc.LoadBalancingKey,
		AssignedWorker:      doc.AssignedWorker,
		SkipReason:          doc.SkipReason,
		FailureReason:       doc.FailureReason,
		NextRetryAtMs:       doc.NextRetryAtMs,
		CreatedAtMs:         doc.CreatedAtMs,
		UpdatedAtMs:         doc.UpdatedAtMs,
		CompletedAtMs:       doc.CompletedAtMs,
	}
	for _, c := range doc.Conditions {
		t.Conditions = append(t.Conditions, conditions.Condition{
			LHS:      c.LHS,
			Operator: conditions.Operator(c.Operator),
			RHS:      c.RHS,
			LHSValue: c.LHSValue,
			RHSValue: c.RHSValue,
		})
	}
	if doc.Events != nil {
		t.Events = &timer.Events{}
		if doc.Events.OnExpire != nil {
			t.Events.OnExpire = &timer.ExpireAction{
				WebhookURL: doc.Events.OnExpire.WebhookURL,
				Message:    doc.Events.OnExpire.Message,
				Data:       doc.Events.OnExpire.Data,
			}
		}
	}
	if doc.RetryPolicy != nil {
		t.RetryPolicy = &retry.Policy{
			MaxAttempts: doc.RetryPolicy.MaxAttempts,
			BackoffMs:   doc.RetryPolicy.BackoffMs,
			Strategy:    retry.Strategy(doc.RetryPolicy.Strategy),
		}
	}
	return t
}

func toExpirationDocument(e *store.Expiration) *expirationDocument {
	return &expirationDocument{
		TimerID:     e.TimerID,
		ExpiresAtMs: e.ExpiresAtMs,
		Status:      string(e.Status),
		Worker:      e.Worker,
	}
}

func fromExpirationDocument(doc *expirationDocument) *store.Expiration {
	return &store.Expiration{
		TimerID:     doc.TimerID,
		ExpiresAtMs: doc.ExpiresAtMs,
		Status:      timer.Status(doc.Status),
		Worker:      doc.Worker,
	}
}

func toEventDocument(e *store.Event) *eventDocument {
	return &eventDocument{
		ID:            e.ID,
		TimerID:       e.TimerID,
		Event:         e.Event,
		TeamID:        e.TeamID,
		Attempt:       e.Attempt,
		DelayMs:       e.DelayMs,
		FailureReason: e.FailureReason,
		TimestampMs:   e.TimestampMs,
	}
}

func fromEventDocument(doc *eventDocument) *store.Event {
	return &store.Event{
		ID:            doc.ID,
		TimerID:       doc.TimerID,
		Event:         doc.Event,
		TeamID:        doc.TeamID,
		Attempt:       doc.Attempt,
		DelayMs:       doc.DelayMs,
		FailureReason: doc.FailureReason,
		TimestampMs:   doc.TimestampMs,
	}
}

func toTeamMetricDocument(m *store.TeamMetric) *teamMetricDocument {
	return &teamMetricDocument{
		ID:               m.ID,
		TeamID:           m.TeamID,
		TimerID:          m.TimerID,
		Event:            m.Event,
		DriftMs:          m.DriftMs,
		WebhookLatencyMs: m.WebhookLatencyMs,
		Success:          m.Success,
		Attempt:          m.Attempt,
		CreatedAtMs:      m.CreatedAtMs,
	}
}

func fromTeamMetricDocument(doc *teamMetricDocument) *store.TeamMetric {
	return &store.TeamMetric{
		ID:               doc.ID,
		TeamID:           doc.TeamID,
		TimerID:          doc.TimerID,
		Event:            doc.Event,
		DriftMs:          doc.DriftMs,
		WebhookLatencyMs: doc.WebhookLatencyMs,
		Success:          doc.Success,
		Attempt:          doc.Attempt,
		CreatedAtMs:      doc.CreatedAtMs,
	}
}

func toReplayEntryDocument(e *store.ReplayEntry) *replayEntryDocument {
	return &replayEntryDocument{
		ID:              e.ID,
		TimerID:         e.TimerID,
		TeamID:          e.TeamID,
		Status:          string(e.Status),
		Reason:          e.Reason,
		Attempts:        e.Attempts,
		Payload:         *toTimerDocument(&e.Payload),
		EnqueuedAtMs:    e.EnqueuedAtMs,
		LastAttemptAtMs: e.LastAttemptAtMs,
		ProcessedAtMs:   e.ProcessedAtMs,
		ReplayTimerID:   e.ReplayTimerID,
		LastError:       e.LastError,
		ErrorCount:      e.ErrorCount,
		TriggeredBy:     e.TriggeredBy,
		LastFailure:     e.LastFailure,
	}
}

func fromReplayEntryDocument(doc *replayEntryDocument) *store.ReplayEntry {
	return &store.ReplayEntry{
		ID:              doc.ID,
		TimerID:         doc.TimerID,
		TeamID:          doc.TeamID,
		Status:          store.ReplayStatus(doc.Status),
		Reason:          doc.Reason,
		Attempts:        doc.Attempts,
		Payload:         *fromTimerDocument(&doc.Payload),
		EnqueuedAtMs:    doc.EnqueuedAtMs,
		LastAttemptAtMs: doc.LastAttemptAtMs,
		ProcessedAtMs:   doc.ProcessedAtMs,
		ReplayTimerID:   doc.ReplayTimerID,
		LastError:       doc.LastError,
		ErrorCount:      doc.ErrorCount,
		TriggeredBy:     doc.TriggeredBy,
		LastFailure:     doc.LastFailure,
	}
}

func toReplayHistoryDocument(h *store.ReplayHistory) *replayHistoryDocument {
	return &replayHistoryDocument{
		ID:            h.ID,
		SourceTimerID: h.SourceTimerID,
		ReplayTimerID: h.ReplayTimerID,
		Reason:        h.Reason,
		RequestedBy:   h.RequestedBy,
		QueueEntryID:  h.QueueEntryID,
		TeamID:        h.TeamID,
		CreatedAtMs:   h.CreatedAtMs,
	}
}

func fromReplayHistoryDocument(doc *replayHistoryDocument) *store.ReplayHistory {
	return &store.ReplayHistory{
		ID:            doc.ID,
		SourceTimerID: doc.SourceTimerID,
		ReplayTimerID: doc.ReplayTimerID,
		Reason:        doc.Reason,
		RequestedBy:   doc.RequestedBy,
		QueueEntryID:  doc.QueueEntryID,
		TeamID:        doc.TeamID,
		CreatedAtMs:   doc.CreatedAtMs,
	}
}

func toScheduleDocument(s *schedule.Schedule) *scheduleDocument {
	return &scheduleDocument{
		ID:                  s.ID,
		TeamID:              s.TeamID,
		CronExpression:      s.CronExpression,
		TemplateID:          s.TemplateID,
		TimerConfigOverride: s.TimerConfigOverride,
		Paused:              s.Paused,
		NextRunAtMs:         s.NextRunAtMs,
		LastRunAtMs:         s.LastRunAtMs,
		LastError:           s.LastError,
		CreatedBy:           s.CreatedBy,
		UpdatedBy:           s.UpdatedBy,
		CreatedAtMs:         s.CreatedAtMs,
		UpdatedAtMs:         s.UpdatedAtMs,
	}
}

func fromScheduleDocument(doc *scheduleDocument) *schedule.Schedule {
	return &schedule.Schedule{
		ID:                  doc.ID,
		TeamID:              doc.TeamID,
		CronExpression:      doc.CronExpression,
		TemplateID:          doc.TemplateID,
		TimerConfigOverride: doc.TimerConfigOverride,
		Paused:              doc.Paused,
		NextRunAtMs:         doc.NextRunAtMs,
		LastRunAtMs:         doc.LastRunAtMs,
		LastError:           doc.LastError,
		CreatedBy:           doc.CreatedBy,
		UpdatedBy:           doc.UpdatedBy,
		CreatedAtMs:         doc.CreatedAtMs,
		UpdatedAtMs:         doc.UpdatedAtMs,
	}
}

func toTemplateDocument(t *store.Template) *templateDocument {
	return &templateDocument{ID: t.ID, TeamID: t.TeamID, Name: t.Name, Config: t.Config}
}

func fromTemplateDocument(doc *templateDocument) *store.Template {
	return &store.Template{ID: doc.ID, TeamID: doc.TeamID, Name: doc.Name, Config: doc.Config}
}

func toDeletionMetricDocument(m *store.DeletionMetric) *deletionMetricDocument {
	return &deletionMetricDocument{
		ID:      m.ID,
		TimerID: m.TimerID,
		TeamID:  m.TeamID,
		Counts: deleteCountsDocument{
			Logs:          m.Counts.Logs,
			Metrics:       m.Counts.Metrics,
			ReplayEntries: m.Counts.ReplayEntries,
			Expirations:   m.Counts.Expirations,
		},
		Reason:        m.Reason,
		TriggeredAtMs: m.TriggeredAtMs,
	}
}

func fromDeletionMetricDocument(doc *deletionMetricDocument) *store.DeletionMetric {
	return &store.DeletionMetric{
		ID:      doc.ID,
		TimerID: doc.TimerID,
		TeamID:  doc.TeamID,
		Counts: store.DeleteCounts{
			Logs:          doc.Counts.Logs,
			Metrics:       doc.Counts.Metrics,
			ReplayEntries: doc.Counts.ReplayEntries,
			Expirations:   doc.Counts.Expirations,
		},
		Reason:        doc.Reason,
		TriggeredAtMs: doc.TriggeredAtMs,
	}
}
