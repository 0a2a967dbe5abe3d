package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"minoots.dev/engine/schedule"
	"minoots.dev/engine/store"
	"minoots.dev/engine/timer"
)

// activeStatuses are the statuses holding a live deadline.
var activeStatuses = []string{string(timer.StatusRunning), string(timer.StatusRetrying)}

// InsertTimer stores a new timer.
func (s *Store) InsertTimer(ctx context.Context, t *timer.Timer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.timers.InsertOne(ctx, toTimerDocument(t)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb insert timer: %w", err)
	}
	return nil
}

// UpdateTimer replaces the stored record for the timer's id.
func (s *Store) UpdateTimer(ctx context.Context, t *timer.Timer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.timers.ReplaceOne(ctx, bson.D{{Key: "_id", Value: t.ID}}, toTimerDocument(t))
	if err != nil {
		return fmt.Errorf("mongodb update timer: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTimer retrieves a timer by id.
func (s *Store) GetTimer(ctx context.Context, id string) (*timer.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc timerDocument
	if err := s.timers.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get timer: %w", err)
	}
	return fromTimerDocument(&doc), nil
}

// DeleteTimer removes a timer by id.
func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.timers.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("mongodb delete timer: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListTimers returns timers matching the filter, newest first.
func (s *Store) ListTimers(ctx context.Context, filter store.TimerFilter) ([]*timer.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.D{}
	if filter.AgentID != "" {
		query = append(query, bson.E{Key: "agent_id", Value: filter.AgentID})
	}
	if filter.TeamID != "" {
		query = append(query, bson.E{Key: "team_id", Value: filter.TeamID})
	}
	if filter.Status != "" {
		query = append(query, bson.E{Key: "status", Value: string(filter.Status)})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at_ms", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	return s.findTimers(ctx, query, opts, "list timers")
}

// DueTimers returns active timers past the cutoff, deadline ascending.
func (s *Store) DueTimers(ctx context.Context, cutoffMs int64, limit int) ([]*timer.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses}}},
		{Key: "end_time_ms", Value: bson.D{{Key: "$gt", Value: int64(0)}, {Key: "$lte", Value: cutoffMs}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "end_time_ms", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return s.findTimers(ctx, query, opts, "due timers")
}

// FindDependents returns timers whose dependencies contain id.
func (s *Store) FindDependents(ctx context.Context, id string) ([]*timer.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.D{{Key: "dependencies", Value: id}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return s.findTimers(ctx, query, opts, "find dependents")
}

// IncrementRetryCount atomically bumps the retry counter and returns the
// new value.
func (s *Store) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc timerDocument
	err := s.timers.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "retry_count", Value: 1}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("mongodb increment retry count: %w", err)
	}
	return doc.RetryCount, nil
}

// DeleteExpiredBefore removes expired timers whose deadline passed before
// the cutoff. Only the primary records are touched.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoffMs int64) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.timers.DeleteMany(ctx, bson.D{
		{Key: "status", Value: string(timer.StatusExpired)},
		{Key: "end_time_ms", Value: bson.D{{Key: "$gt", Value: int64(0)}, {Key: "$lt", Value: cutoffMs}}},
	})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete expired timers: %w", err)
	}
	return int(res.DeletedCount), nil
}

// UpsertExpiration stores or replaces the expiration record for a timer.
func (s *Store) UpsertExpiration(ctx context.Context, e *store.Expiration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.expirations.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: e.TimerID}},
		toExpirationDocument(e),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb upsert expiration: %w", err)
	}
	return nil
}

// GetExpiration retrieves the expiration record for a timer id.
func (s *Store) GetExpiration(ctx context.Context, timerID string) (*store.Expiration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc expirationDocument
	if err := s.expirations.FindOne(ctx, bson.D{{Key: "_id", Value: timerID}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get expiration: %w", err)
	}
	return fromExpirationDocument(&doc), nil
}

// DeleteExpiration removes the expiration record for a timer id.
func (s *Store) DeleteExpiration(ctx context.Context, timerID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.expirations.DeleteOne(ctx, bson.D{{Key: "_id", Value: timerID}})
	if err != nil {
		return false, fmt.Errorf("mongodb delete expiration: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// AppendEvent appends a timer event log entry.
func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.events.InsertOne(ctx, toEventDocument(e)); err != nil {
		return fmt.Errorf("mongodb append event: %w", err)
	}
	return nil
}

// ListEvents returns the event log for a timer, oldest first.
func (s *Store) ListEvents(ctx context.Context, timerID string) ([]*store.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx,
		bson.D{{Key: "timer_id", Value: timerID}},
		options.Find().SetSort(bson.D{{Key: "timestamp_ms", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list events: %w", err)
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list events: %w", err)
	}
	out := make([]*store.Event, 0, len(docs))
	for i := range docs {
		out = append(out, fromEventDocument(&docs[i]))
	}
	return out, nil
}

// DeleteEvents removes all event log entries for a timer.
func (s *Store) DeleteEvents(ctx context.Context, timerID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.events.DeleteMany(ctx, bson.D{{Key: "timer_id", Value: timerID}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete events: %w", err)
	}
	return int(res.DeletedCount), nil
}

// AppendTeamMetric appends a delivery performance record.
func (s *Store) AppendTeamMetric(ctx context.Context, m *store.TeamMetric) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.teamMetrics.InsertOne(ctx, toTeamMetricDocument(m)); err != nil {
		return fmt.Errorf("mongodb append team metric: %w", err)
	}
	return nil
}

// ListTeamMetrics returns metrics for a team, newest first.
func (s *Store) ListTeamMetrics(ctx context.Context, teamID string) ([]*store.TeamMetric, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.teamMetrics.Find(ctx,
		bson.D{{Key: "team_id", Value: teamID}},
		options.Find().SetSort(bson.D{{Key: "created_at_ms", Value: -1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list team metrics: %w", err)
	}
	var docs []teamMetricDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list team metrics: %w", err)
	}
	out := make([]*store.TeamMetric, 0, len(docs))
	for i := range docs {
		out = append(out, fromTeamMetricDocument(&docs[i]))
	}
	return out, nil
}

// DeleteTeamMetrics removes all metrics for a timer.
func (s *Store) DeleteTeamMetrics(ctx context.Context, timerID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.teamMetrics.DeleteMany(ctx, bson.D{{Key: "timer_id", Value: timerID}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete team metrics: %w", err)
	}
	return int(res.DeletedCount), nil
}

// InsertReplayEntry stores a new replay queue entry. The partial unique
// index on (timer_id, status=pending) makes the single-pending guarantee
// atomic: a second pending insert for the same timer collides server-side.
func (s *Store) InsertReplayEntry(ctx context.Context, e *store.ReplayEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.replayQueue.InsertOne(ctx, toReplayEntryDocument(e)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("mongodb insert replay entry: %w", err)
	}
	return nil
}

// GetReplayEntry retrieves a replay queue entry by id.
func (s *Store) GetReplayEntry(ctx context.Context, id string) (*store.ReplayEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc replayEntryDocument
	if err := s.replayQueue.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get replay entry: %w", err)
	}
	return fromReplayEntryDocument(&doc), nil
}

// PendingReplayEntry returns the pending entry for a timer id.
func (s *Store) PendingReplayEntry(ctx context.Context, timerID string) (*store.ReplayEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc replayEntryDocument
	err := s.replayQueue.FindOne(ctx, bson.D{
		{Key: "timer_id", Value: timerID},
		{Key: "status", Value: string(store.ReplayPending)},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb pending replay entry: %w", err)
	}
	return fromReplayEntryDocument(&doc), nil
}

// PendingReplayEntries returns up to limit pending entries, oldest first.
func (s *Store) PendingReplayEntries(ctx context.Context, limit int) ([]*store.ReplayEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at_ms", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.replayQueue.Find(ctx, bson.D{{Key: "status", Value: string(store.ReplayPending)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb pending replay entries: %w", err)
	}
	var docs []replayEntryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb pending replay entries: %w", err)
	}
	out := make([]*store.ReplayEntry, 0, len(docs))
	for i := range docs {
		out = append(out, fromReplayEntryDocument(&docs[i]))
	}
	return out, nil
}

// UpdateReplayEntry replaces the stored entry for the entry's id.
func (s *Store) UpdateReplayEntry(ctx context.Context, e *store.ReplayEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.replayQueue.ReplaceOne(ctx, bson.D{{Key: "_id", Value: e.ID}}, toReplayEntryDocument(e))
	if err != nil {
		return fmt.Errorf("mongodb update replay entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteReplayEntries removes all queue entries for a timer id.
func (s *Store) DeleteReplayEntries(ctx context.Context, timerID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.replayQueue.DeleteMany(ctx, bson.D{{Key: "timer_id", Value: timerID}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete replay entries: %w", err)
	}
	return int(res.DeletedCount), nil
}

// PurgeReplayEntries removes up to limit settled entries older than the
// cutoff. An entry that never processed is aged by its enqueue time.
func (s *Store) PurgeReplayEntries(ctx context.Context, olderThanMs int64, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: []string{
			string(store.ReplayProcessed), string(store.ReplayError),
		}}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "processed_at_ms", Value: bson.D{{Key: "$gt", Value: int64(0)}, {Key: "$lt", Value: olderThanMs}}}},
			bson.D{
				{Key: "processed_at_ms", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int64(0)}}}}},
				{Key: "enqueued_at_ms", Value: bson.D{{Key: "$lt", Value: olderThanMs}}},
			},
		}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "enqueued_at_ms", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.replayQueue.Find(ctx, query, opts)
	if err != nil {
		return 0, fmt.Errorf("mongodb purge replay entries: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return 0, fmt.Errorf("mongodb purge replay entries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	targets := make([]string, 0, len(ids))
	for _, doc := range ids {
		targets = append(targets, doc.ID)
	}
	res, err := s.replayQueue.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: targets}}}})
	if err != nil {
		return 0, fmt.Errorf("mongodb purge replay entries: %w", err)
	}
	return int(res.DeletedCount), nil
}

// AppendReplayHistory records replay lineage.
func (s *Store) AppendReplayHistory(ctx context.Context, h *store.ReplayHistory) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.replayHistory.InsertOne(ctx, toReplayHistoryDocument(h)); err != nil {
		return fmt.Errorf("mongodb append replay history: %w", err)
	}
	return nil
}

// ListReplayHistory returns lineage rows for a source timer, oldest first.
func (s *Store) ListReplayHistory(ctx context.Context, sourceTimerID string) ([]*store.ReplayHistory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.replayHistory.Find(ctx,
		bson.D{{Key: "source_timer_id", Value: sourceTimerID}},
		options.Find().SetSort(bson.D{{Key: "created_at_ms", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list replay history: %w", err)
	}
	var docs []replayHistoryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list replay history: %w", err)
	}
	out := make([]*store.ReplayHistory, 0, len(docs))
	for i := range docs {
		out = append(out, fromReplayHistoryDocument(&docs[i]))
	}
	return out, nil
}

// SaveSchedule stores or replaces a cron schedule.
func (s *Store) SaveSchedule(ctx context.Context, sched *schedule.Schedule) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.schedules.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: sched.ID}},
		toScheduleDocument(sched),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb save schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc scheduleDocument
	if err := s.schedules.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get schedule: %w", err)
	}
	return fromScheduleDocument(&doc), nil
}

// DueSchedules returns unpaused schedules due at or before the cutoff.
func (s *Store) DueSchedules(ctx context.Context, cutoffMs int64, limit int) ([]*schedule.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := bson.D{
		{Key: "paused", Value: false},
		{Key: "next_run_at_ms", Value: bson.D{{Key: "$gt", Value: int64(0)}, {Key: "$lte", Value: cutoffMs}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at_ms", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.schedules.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb due schedules: %w", err)
	}
	var docs []scheduleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb due schedules: %w", err)
	}
	out := make([]*schedule.Schedule, 0, len(docs))
	for i := range docs {
		out = append(out, fromScheduleDocument(&docs[i]))
	}
	return out, nil
}

// SaveTemplate stores or replaces a timer template.
func (s *Store) SaveTemplate(ctx context.Context, t *store.Template) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.templates.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: t.ID}},
		toTemplateDocument(t),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*store.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc templateDocument
	if err := s.templates.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get template: %w", err)
	}
	return fromTemplateDocument(&doc), nil
}

// AppendDeletionMetric records a cascade delete audit entry.
func (s *Store) AppendDeletionMetric(ctx context.Context, m *store.DeletionMetric) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.deletionMetrics.InsertOne(ctx, toDeletionMetricDocument(m)); err != nil {
		return fmt.Errorf("mongodb append deletion metric: %w", err)
	}
	return nil
}

// ListDeletionMetrics returns deletion audit rows for a timer, oldest
// first.
func (s *Store) ListDeletionMetrics(ctx context.Context, timerID string) ([]*store.DeletionMetric, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.deletionMetrics.Find(ctx,
		bson.D{{Key: "timer_id", Value: timerID}},
		options.Find().SetSort(bson.D{{Key: "triggered_at_ms", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb list deletion metrics: %w", err)
	}
	var docs []deletionMetricDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list deletion metrics: %w", err)
	}
	out := make([]*store.DeletionMetric, 0, len(docs))
	for i := range docs {
		out = append(out, fromDeletionMetricDocument(&docs[i]))
	}
	return out, nil
}

// findTimers runs a timers query and maps the cursor.
func (s *Store) findTimers(ctx context.Context, query bson.D, opts *options.FindOptionsBuilder, op string) ([]*timer.Timer, error) {
	cur, err := s.timers.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb %s: %w", op, err)
	}
	var docs []timerDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb %s: %w", op, err)
	}
	out := make([]*timer.Timer, 0, len(docs))
	for i := range docs {
		out = append(out, fromTimerDocument(&docs[i]))
	}
	return out, nil
}
