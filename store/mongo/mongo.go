// Package mongo provides a MongoDB implementation of the engine store.
//
// Nine collections back the engine: timers, timer_expirations,
// timer_events, team_metrics, replay_queue, replay_history,
// cron_schedules, timer_templates, and deletion_metrics. The replay queue
// carries a partial unique index so at most one pending entry can exist
// per timer id, no matter how many processes enqueue concurrently.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	enginestore "minoots.dev/engine/store"
)

const (
	timersCollection          = "timers"
	expirationsCollection     = "timer_expirations"
	eventsCollection          = "timer_events"
	teamMetricsCollection     = "team_metrics"
	replayQueueCollection     = "replay_queue"
	replayHistoryCollection   = "replay_history"
	schedulesCollection       = "cron_schedules"
	templatesCollection       = "timer_templates"
	deletionMetricsCollection = "deletion_metrics"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "timer-mongo"
)

// Options configures the Mongo store.
type Options struct {
	// Client is the connected MongoDB client. Required.
	Client *mongodriver.Client
	// Database is the database holding the engine collections. Required.
	Database string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
}

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	mongo           *mongodriver.Client
	timers          *mongodriver.Collection
	expirations     *mongodriver.Collection
	events          *mongodriver.Collection
	teamMetrics     *mongodriver.Collection
	replayQueue     *mongodriver.Collection
	replayHistory   *mongodriver.Collection
	schedules       *mongodriver.Collection
	templates       *mongodriver.Collection
	deletionMetrics *mongodriver.Collection
	timeout         time.Duration
}

// Compile-time check that Store implements store.Store.
var _ enginestore.Store = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:           opts.Client,
		timers:          db.Collection(timersCollection),
		expirations:     db.Collection(expirationsCollection),
		events:          db.Collection(eventsCollection),
		teamMetrics:     db.Collection(teamMetricsCollection),
		replayQueue:     db.Collection(replayQueueCollection),
		replayHistory:   db.Collection(replayHistoryCollection),
		schedules:       db.Collection(schedulesCollection),
		templates:       db.Collection(templatesCollection),
		deletionMetrics: db.Collection(deletionMetricsCollection),
		timeout:         timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the store to the health checker.
func (s *Store) Name() string {
	return storeClientName
}

// Ping reports whether the backing deployment is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	type indexSet struct {
		coll   *mongodriver.Collection
		models []mongodriver.IndexModel
	}
	sets := []indexSet{
		{coll: s.timers, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_time_ms", Value: 1}}},
			{Keys: bson.D{{Key: "dependencies", Value: 1}}},
			{Keys: bson.D{{Key: "team_id", Value: 1}, {Key: "created_at_ms", Value: -1}}},
			{Keys: bson.D{{Key: "agent_id", Value: 1}}},
		}},
		{coll: s.replayQueue, models: []mongodriver.IndexModel{
			{
				Keys: bson.D{{Key: "timer_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "status", Value: string(enginestore.ReplayPending)}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "enqueued_at_ms", Value: 1}}},
		}},
		{coll: s.events, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "timer_id", Value: 1}, {Key: "timestamp_ms", Value: 1}}},
		}},
		{coll: s.teamMetrics, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "team_id", Value: 1}, {Key: "created_at_ms", Value: -1}}},
			{Keys: bson.D{{Key: "timer_id", Value: 1}}},
		}},
		{coll: s.replayHistory, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "source_timer_id", Value: 1}}},
		}},
		{coll: s.schedules, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "paused", Value: 1}, {Key: "next_run_at_ms", Value: 1}}},
		}},
		{coll: s.deletionMetrics, models: []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "timer_id", Value: 1}}},
		}},
	}
	for _, set := range sets {
		for _, model := range set.models {
			if _, err := set.coll.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
	}
	return nil
}
