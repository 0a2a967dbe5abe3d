// Package store defines the persistence layer interface for the timer
// engine.
//
// The Store interface abstracts timer, expiration, event, metric, replay,
// schedule, and template storage, allowing different backend
// implementations. Available implementations:
//
//   - memory: In-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// To add a new implementation, create a subpackage that implements the
// Store interface, returns store.ErrNotFound for missing records, and
// enforces the single-pending-replay-entry guarantee atomically.
package store

import (
	"context"
	"errors"

	"minoots.dev/engine/schedule"
	"minoots.dev/engine/timer"
)

// ErrNotFound is returned when a record does not exist in the store.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert collides with an existing
// record: a timer id already in use, or a second pending replay entry for
// the same timer.
var ErrDuplicate = errors.New("duplicate record")

// Store defines the persistence layer for the timer engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// InsertTimer stores a new timer. Returns ErrDuplicate if a timer
	// with the same id already exists.
	InsertTimer(ctx context.Context, t *timer.Timer) error

	// UpdateTimer replaces the stored record for the timer's id.
	// Returns ErrNotFound if the timer does not exist.
	UpdateTimer(ctx context.Context, t *timer.Timer) error

	// GetTimer retrieves a timer by id. Returns ErrNotFound if the
	// timer does not exist.
	GetTimer(ctx context.Context, id string) (*timer.Timer, error)

	// DeleteTimer removes a timer by id. Returns ErrNotFound if the
	// timer does not exist.
	DeleteTimer(ctx context.Context, id string) error

	// ListTimers returns timers matching the filter, newest first.
	// Returns an empty slice if no timers match.
	ListTimers(ctx context.Context, filter TimerFilter) ([]*timer.Timer, error)

	// DueTimers returns running or retrying timers whose endTimeMs is
	// at or before cutoffMs, ordered by deadline ascending, at most
	// limit records.
	DueTimers(ctx context.Context, cutoffMs int64, limit int) ([]*timer.Timer, error)

	// FindDependents returns timers whose dependencies contain id.
	FindDependents(ctx context.Context, id string) ([]*timer.Timer, error)

	// IncrementRetryCount atomically bumps the timer's retry count and
	// returns the new value. Returns ErrNotFound if the timer does not
	// exist.
	IncrementRetryCount(ctx context.Context, id string) (int, error)

	// DeleteExpiredBefore removes expired timers whose endTimeMs is
	// before cutoffMs and returns how many were removed. Only the
	// primary records are touched.
	DeleteExpiredBefore(ctx context.Context, cutoffMs int64) (int, error)

	// UpsertExpiration stores or replaces the expiration record keyed
	// by the entry's timer id.
	UpsertExpiration(ctx context.Context, e *Expiration) error

	// GetExpiration retrieves the expiration record for a timer id.
	// Returns ErrNotFound if none exists.
	GetExpiration(ctx context.Context, timerID string) (*Expiration, error)

	// DeleteExpiration removes the expiration record for a timer id
	// and reports whether one existed.
	DeleteExpiration(ctx context.Context, timerID string) (bool, error)

	// AppendEvent appends a timer event log entry.
	AppendEvent(ctx context.Context, e *Event) error

	// ListEvents returns the event log for a timer, oldest first.
	ListEvents(ctx context.Context, timerID string) ([]*Event, error)

	// DeleteEvents removes all event log entries for a timer and
	// returns how many were removed.
	DeleteEvents(ctx context.Context, timerID string) (int, error)

	// AppendTeamMetric appends a delivery performance record.
	AppendTeamMetric(ctx context.Context, m *TeamMetric) error

	// ListTeamMetrics returns metrics for a team, newest first.
	ListTeamMetrics(ctx context.Context, teamID string) ([]*TeamMetric, error)

	// DeleteTeamMetrics removes all metrics for a timer and returns
	// how many were removed.
	DeleteTeamMetrics(ctx context.Context, timerID string) (int, error)

	// InsertReplayEntry stores a new replay queue entry. When the entry
	// is pending and a pending entry already exists for the same timer
	// id, it returns ErrDuplicate; the check and insert are atomic.
	InsertReplayEntry(ctx context.Context, e *ReplayEntry) error

	// GetReplayEntry retrieves a replay queue entry by id. Returns
	// ErrNotFound if the entry does not exist.
	GetReplayEntry(ctx context.Context, id string) (*ReplayEntry, error)

	// PendingReplayEntry returns the pending entry for a timer id.
	// Returns ErrNotFound when none exists.
	PendingReplayEntry(ctx context.Context, timerID string) (*ReplayEntry, error)

	// PendingReplayEntries returns up to limit pending entries ordered
	// by enqueue time ascending.
	PendingReplayEntries(ctx context.Context, limit int) ([]*ReplayEntry, error)

	// UpdateReplayEntry replaces the stored entry for the entry's id.
	// Returns ErrNotFound if the entry does not exist.
	UpdateReplayEntry(ctx context.Context, e *ReplayEntry) error

	// DeleteReplayEntries removes all queue entries for a timer id and
	// returns how many were removed.
	DeleteReplayEntries(ctx context.Context, timerID string) (int, error)

	// PurgeReplayEntries removes up to limit processed or error entries
	// whose processedAtMs (enqueuedAtMs when never processed) is before
	// olderThanMs, returning how many were removed.
	PurgeReplayEntries(ctx context.Context, olderThanMs int64, limit int) (int, error)

	// AppendReplayHistory records replay lineage.
	AppendReplayHistory(ctx context.Context, h *ReplayHistory) error

	// ListReplayHistory returns lineage rows for a source timer,
	// oldest first.
	ListReplayHistory(ctx context.Context, sourceTimerID string) ([]*ReplayHistory, error)

	// SaveSchedule stores or replaces a cron schedule.
	SaveSchedule(ctx context.Context, s *schedule.Schedule) error

	// GetSchedule retrieves a schedule by id. Returns ErrNotFound if
	// the schedule does not exist.
	GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error)

	// DueSchedules returns unpaused schedules whose nextRunAtMs is at
	// or before cutoffMs, ordered ascending, at most limit records.
	DueSchedules(ctx context.Context, cutoffMs int64, limit int) ([]*schedule.Schedule, error)

	// SaveTemplate stores or replaces a timer template.
	SaveTemplate(ctx context.Context, t *Template) error

	// GetTemplate retrieves a template by id. Returns ErrNotFound if
	// the template does not exist.
	GetTemplate(ctx context.Context, id string) (*Template, error)

	// AppendDeletionMetric records a cascade delete audit entry.
	AppendDeletionMetric(ctx context.Context, m *DeletionMetric) error

	// ListDeletionMetrics returns deletion audit rows for a timer,
	// oldest first.
	ListDeletionMetrics(ctx context.Context, timerID string) ([]*DeletionMetric, error)
}
