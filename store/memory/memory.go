// Package memory provides an in-memory implementation of the engine store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"minoots.dev/engine/schedule"
	"minoots.dev/engine/store"
	"minoots.dev/engine/timer"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use. Records are copied on the way in and
// out, so callers can never alias internal state.
type Store struct {
	mu              sync.RWMutex
	timers          map[string]*timer.Timer
	expirations     map[string]*store.Expiration
	events          []*store.Event
	metrics         []*store.TeamMetric
	replays         map[string]*store.ReplayEntry
	history         []*store.ReplayHistory
	schedules       map[string]*schedule.Schedule
	templates       map[string]*store.Template
	deletionMetrics []*store.DeletionMetric
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		timers:      make(map[string]*timer.Timer),
		expirations: make(map[string]*store.Expiration),
		replays:     make(map[string]*store.ReplayEntry),
		schedules:   make(map[string]*schedule.Schedule),
		templates:   make(map[string]*store.Template),
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// InsertTimer stores a new timer.
func (s *Store) InsertTimer(ctx context.Context, t *timer.Timer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[t.ID]; ok {
		return store.ErrDuplicate
	}
	s.timers[t.ID] = t.Clone()
	return nil
}

// UpdateTimer replaces the stored record for the timer's id.
func (s *Store) UpdateTimer(ctx context.Context, t *timer.Timer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[t.ID]; !ok {
		return store.ErrNotFound
	}
	s.timers[t.ID] = t.Clone()
	return nil
}

// GetTimer retrieves a timer by id.
func (s *Store) GetTimer(ctx context.Context, id string) (*timer.Timer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

// DeleteTimer removes a timer by id.
func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.timers, id)
	return nil
}

// ListTimers returns timers matching the filter, newest first.
func (s *Store) ListTimers(ctx context.Context, filter store.TimerFilter) ([]*timer.Timer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*timer.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if matchesFilter(t, filter) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAtMs != result[j].CreatedAtMs {
			return result[i].CreatedAtMs > result[j].CreatedAtMs
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DueTimers returns active timers whose deadline has passed the cutoff.
func (s *Store) DueTimers(ctx context.Context, cutoffMs int64, limit int) ([]*timer.Timer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*timer.Timer, 0)
	for _, t := range s.timers {
		if t.Status.Active() && t.EndTimeMs > 0 && t.EndTimeMs <= cutoffMs {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EndTimeMs != result[j].EndTimeMs {
			return result[i].EndTimeMs < result[j].EndTimeMs
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// FindDependents returns timers whose dependencies contain id.
func (s *Store) FindDependents(ctx context.Context, id string) ([]*timer.Timer, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*timer.Timer, 0)
	for _, t := range s.timers {
		if slices.Contains(t.Dependencies, id) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// IncrementRetryCount atomically bumps the timer's retry count.
func (s *Store) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	t.RetryCount++
	return t.RetryCount, nil
}

// DeleteExpiredBefore removes expired timers older than the cutoff.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoffMs int64) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.timers {
		if t.Status == timer.StatusExpired && t.EndTimeMs > 0 && t.EndTimeMs < cutoffMs {
			delete(s.timers, id)
			removed++
		}
	}
	return removed, nil
}

// UpsertExpiration stores or replaces the expiration record for a timer.
func (s *Store) UpsertExpiration(ctx context.Context, e *store.Expiration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.expirations[e.TimerID] = &cp
	return nil
}

// GetExpiration retrieves the expiration record for a timer id.
func (s *Store) GetExpiration(ctx context.Context, timerID string) (*store.Expiration, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expirations[timerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// DeleteExpiration removes the expiration record for a timer id.
func (s *Store) DeleteExpiration(ctx context.Context, timerID string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expirations[timerID]; !ok {
		return false, nil
	}
	delete(s.expirations, timerID)
	return true, nil
}

// AppendEvent appends a timer event log entry.
func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// ListEvents returns the event log for a timer, oldest first.
func (s *Store) ListEvents(ctx context.Context, timerID string) ([]*store.Event, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Event, 0)
	for _, e := range s.events {
		if e.TimerID == timerID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].TimestampMs < result[j].TimestampMs })
	return result, nil
}

// DeleteEvents removes all event log entries for a timer.
func (s *Store) DeleteEvents(ctx context.Context, timerID string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.TimerID == timerID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// AppendTeamMetric appends a delivery performance record.
func (s *Store) AppendTeamMetric(ctx context.Context, m *store.TeamMetric) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.metrics = append(s.metrics, &cp)
	return nil
}

// ListTeamMetrics returns metrics for a team, newest first.
func (s *Store) ListTeamMetrics(ctx context.Context, teamID string) ([]*store.TeamMetric, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.TeamMetric, 0)
	for _, m := range s.metrics {
		if m.TeamID == teamID {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAtMs > result[j].CreatedAtMs })
	return result, nil
}

// DeleteTeamMetrics removes all metrics for a timer.
func (s *Store) DeleteTeamMetrics(ctx context.Context, timerID string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	removed := 0
	for _, m := range s.metrics {
		if m.TimerID == timerID {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.metrics = kept
	return removed, nil
}

// InsertReplayEntry stores a new replay queue entry, enforcing at most one
// pending entry per timer id.
func (s *Store) InsertReplayEntry(ctx context.Context, e *store.ReplayEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replays[e.ID]; ok {
		return store.ErrDuplicate
	}
	if e.Status == store.ReplayPending {
		for _, existing := range s.replays {
			if existing.TimerID == e.TimerID && existing.Status == store.ReplayPending {
				return store.ErrDuplicate
			}
		}
	}
	s.replays[e.ID] = cloneReplay(e)
	return nil
}

// GetReplayEntry retrieves a replay queue entry by id.
func (s *Store) GetReplayEntry(ctx context.Context, id string) (*store.ReplayEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.replays[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReplay(e), nil
}

// PendingReplayEntry returns the pending entry for a timer id.
func (s *Store) PendingReplayEntry(ctx context.Context, timerID string) (*store.ReplayEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.replays {
		if e.TimerID == timerID && e.Status == store.ReplayPending {
			return cloneReplay(e), nil
		}
	}
	return nil, store.ErrNotFound
}

// PendingReplayEntries returns pending entries ordered by enqueue time.
func (s *Store) PendingReplayEntries(ctx context.Context, limit int) ([]*store.ReplayEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.ReplayEntry, 0)
	for _, e := range s.replays {
		if e.Status == store.ReplayPending {
			result = append(result, cloneReplay(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EnqueuedAtMs != result[j].EnqueuedAtMs {
			return result[i].EnqueuedAtMs < result[j].EnqueuedAtMs
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateReplayEntry replaces the stored entry for the entry's id.
func (s *Store) UpdateReplayEntry(ctx context.Context, e *store.ReplayEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replays[e.ID]; !ok {
		return store.ErrNotFound
	}
	s.replays[e.ID] = cloneReplay(e)
	return nil
}

// DeleteReplayEntries removes all queue entries for a timer id.
func (s *Store) DeleteReplayEntries(ctx context.Context, timerID string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.replays {
		if e.TimerID == timerID {
			delete(s.replays, id)
			removed++
		}
	}
	return removed, nil
}

// PurgeReplayEntries removes old processed or error entries.
func (s *Store) PurgeReplayEntries(ctx context.Context, olderThanMs int64, limit int) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id string
		ts int64
	}
	candidates := make([]candidate, 0)
	for id, e := range s.replays {
		if e.Status != store.ReplayProcessed && e.Status != store.ReplayError {
			continue
		}
		ts := e.ProcessedAtMs
		if ts == 0 {
			ts = e.EnqueuedAtMs
		}
		if ts < olderThanMs {
			candidates = append(candidates, candidate{id: id, ts: ts})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ts != candidates[j].ts {
			return candidates[i].ts < candidates[j].ts
		}
		return candidates[i].id < candidates[j].id
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, c := range candidates {
		delete(s.replays, c.id)
	}
	return len(candidates), nil
}

// AppendReplayHistory records replay lineage.
func (s *Store) AppendReplayHistory(ctx context.Context, h *store.ReplayHistory) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

// ListReplayHistory returns lineage rows for a source timer, oldest first.
func (s *Store) ListReplayHistory(ctx context.Context, sourceTimerID string) ([]*store.ReplayHistory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.ReplayHistory, 0)
	for _, h := range s.history {
		if h.SourceTimerID == sourceTimerID {
			cp := *h
			result = append(result, &cp)
		}
	}
	return result, nil
}

// SaveSchedule stores or replaces a cron schedule.
func (s *Store) SaveSchedule(ctx context.Context, sched *schedule.Schedule) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

// GetSchedule retrieves a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSchedule(sched), nil
}

// DueSchedules returns unpaused schedules due at or before the cutoff.
func (s *Store) DueSchedules(ctx context.Context, cutoffMs int64, limit int) ([]*schedule.Schedule, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*schedule.Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.Paused && sched.NextRunAtMs > 0 && sched.NextRunAtMs <= cutoffMs {
			result = append(result, cloneSchedule(sched))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].NextRunAtMs != result[j].NextRunAtMs {
			return result[i].NextRunAtMs < result[j].NextRunAtMs
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveTemplate stores or replaces a timer template.
func (s *Store) SaveTemplate(ctx context.Context, t *store.Template) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

// GetTemplate retrieves a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*store.Template, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTemplate(t), nil
}

// AppendDeletionMetric records a cascade delete audit entry.
func (s *Store) AppendDeletionMetric(ctx context.Context, m *store.DeletionMetric) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.deletionMetrics = append(s.deletionMetrics, &cp)
	return nil
}

// ListDeletionMetrics returns deletion audit rows for a timer, oldest
// first.
func (s *Store) ListDeletionMetrics(ctx context.Context, timerID string) ([]*store.DeletionMetric, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.DeletionMetric, 0)
	for _, m := range s.deletionMetrics {
		if m.TimerID == timerID {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result, nil
}

func matchesFilter(t *timer.Timer, filter store.TimerFilter) bool {
	if filter.AgentID != "" && t.AgentID != filter.AgentID {
		return false
	}
	if filter.TeamID != "" && t.TeamID != filter.TeamID {
		return false
	}
	if filter.Status != "" && t.Status != filter.Status {
		return false
	}
	return true
}

func cloneReplay(e *store.ReplayEntry) *store.ReplayEntry {
	cp := *e
	cp.Payload = *e.Payload.Clone()
	return &cp
}

func cloneSchedule(s *schedule.Schedule) *schedule.Schedule {
	cp := *s
	if s.TimerConfigOverride != nil {
		cp.TimerConfigOverride = make(map[string]any, len(s.TimerConfigOverride))
		for k, v := range s.TimerConfigOverride {
			cp.TimerConfigOverride[k] = v
		}
	}
	return &cp
}

func cloneTemplate(t *store.Template) *store.Template {
	cp := *t
	if t.Config != nil {
		cp.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}
