package store

import (
	"minoots.dev/engine/timer"
)

// Event kinds recorded in the timer event log.
const (
	EventActivated      = "activated"
	EventSkipped        = "skipped"
	EventRetryScheduled = "retry_scheduled"
	EventExpired        = "expired"
	EventFailed         = "failed"
)

// ReplayStatus is the processing state of a replay queue entry.
type ReplayStatus string

const (
	// ReplayPending awaits the replay sweeper.
	ReplayPending ReplayStatus = "pending"
	// ReplayProcessing is claimed by a sweep in flight.
	ReplayProcessing ReplayStatus = "processing"
	// ReplayProcessed produced a replay timer.
	ReplayProcessed ReplayStatus = "processed"
	// ReplayError failed to produce a replay timer; only cleanup
	// removes such rows.
	ReplayError ReplayStatus = "error"
)

type (
	// Expiration is the deadline index entry the sweeper scans. One
	// exists per timer exactly while the timer is running or retrying.
	Expiration struct {
		TimerID     string       `json:"timerId"`
		ExpiresAtMs int64        `json:"expiresAtMs"`
		Status      timer.Status `json:"status"`
		Worker      string       `json:"worker,omitempty"`
	}

	// Event is an append-only timer event log entry.
	Event struct {
		ID            string `json:"id"`
		TimerID       string `json:"timerId"`
		Event         string `json:"event"`
		TeamID        string `json:"teamId,omitempty"`
		Attempt       int    `json:"attempt,omitempty"`
		DelayMs       int64  `json:"delayMs,omitempty"`
		FailureReason string `json:"failureReason,omitempty"`
		TimestampMs   int64  `json:"timestampMs"`
	}

	// TeamMetric is a per-team, per-timer delivery performance record.
	// DriftMs is the actual fire time minus the scheduled deadline.
	TeamMetric struct {
		ID               string `json:"id"`
		TeamID           string `json:"teamId"`
		TimerID          string `json:"timerId"`
		Event            string `json:"event"`
		DriftMs          int64  `json:"driftMs"`
		WebhookLatencyMs int64  `json:"webhookLatencyMs"`
		Success          bool   `json:"success"`
		Attempt          int    `json:"attempt"`
		CreatedAtMs      int64  `json:"createdAtMs"`
	}

	// ReplayEntry is a replay queue row holding a full timer snapshot.
	ReplayEntry struct {
		ID              string       `json:"id"`
		TimerID         string       `json:"timerId"`
		TeamID          string       `json:"teamId,omitempty"`
		Status          ReplayStatus `json:"status"`
		Reason          string       `json:"reason,omitempty"`
		Attempts        int          `json:"attempts"`
		Payload         timer.Timer  `json:"payload"`
		EnqueuedAtMs    int64        `json:"enqueuedAtMs"`
		LastAttemptAtMs int64        `json:"lastAttemptAtMs,omitempty"`
		ProcessedAtMs   int64        `json:"processedAtMs,omitempty"`
		ReplayTimerID   string       `json:"replayTimerId,omitempty"`
		LastError       string       `json:"lastError,omitempty"`
		ErrorCount      int          `json:"errorCount,omitempty"`
		TriggeredBy     string       `json:"triggeredBy,omitempty"`
		LastFailure     string       `json:"lastFailure,omitempty"`
	}

	// ReplayHistory records the lineage from a source timer to its
	// replay clone, for auditing and loop detection.
	ReplayHistory struct {
		ID            string `json:"id"`
		SourceTimerID string `json:"sourceTimerId"`
		ReplayTimerID string `json:"replayTimerId"`
		Reason        string `json:"reason,omitempty"`
		RequestedBy   string `json:"requestedBy,omitempty"`
		QueueEntryID  string `json:"queueEntryId,omitempty"`
		TeamID        string `json:"teamId,omitempty"`
		CreatedAtMs   int64  `json:"createdAtMs"`
	}

	// Template is a stored timer config document referenced by schedules.
	Template struct {
		ID     string         `json:"id"`
		TeamID string         `json:"teamId,omitempty"`
		Name   string         `json:"name,omitempty"`
		Config map[string]any `json:"config"`
	}

	// DeleteCounts tallies the records removed by one cascade delete.
	DeleteCounts struct {
		Logs          int `json:"logs"`
		Metrics       int `json:"metrics"`
		ReplayEntries int `json:"replayEntries"`
		Expirations   int `json:"expirations"`
	}

	// DeletionMetric is the audit record appended by cascade delete.
	DeletionMetric struct {
		ID            string       `json:"id"`
		TimerID       string       `json:"timerId"`
		TeamID        string       `json:"teamId,omitempty"`
		Counts        DeleteCounts `json:"counts"`
		Reason        string       `json:"reason,omitempty"`
		TriggeredAtMs int64        `json:"triggeredAtMs"`
	}

	// TimerFilter narrows ListTimers. Zero values match everything;
	// Limit 0 means no cap.
	TimerFilter struct {
		AgentID string
		TeamID  string
		Status  timer.Status
		Limit   int
	}
)
