// Package engine implements the MINOOTS timer execution engine: the timer
// lifecycle state machine, dependency and condition gating, the periodic
// expiration sweeper, webhook dispatch with retry classification, the
// deduplicated replay queue, cascade delete, and cron schedule
// materialization.
//
// The engine owns every status mutation. Collaborators (HTTP surface,
// auth, billing) call the exported operations and read the persisted
// event log; nothing else writes timer state.
//
// # Clustering
//
// Multiple engine processes can share one store. Sweeps are idempotent
// and guarded by status checks, so overlapping sweepers are safe; webhook
// delivery is at-least-once per attempt and the payload carries the timer
// id as the receiver's idempotency key. To fire each sweep on exactly one
// process per deployment, run the background tasks on a distributed
// runner (see tasks.NewDistributed).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"minoots.dev/engine/drift"
	"minoots.dev/engine/store"
	"minoots.dev/engine/stream"
	"minoots.dev/engine/tasks"
	"minoots.dev/engine/telemetry"
	"minoots.dev/engine/webhook"
	"minoots.dev/engine/worker"
)

// Sentinel errors surfaced by engine operations.
var (
	// ErrDuplicateTimer reports a caller-supplied timer id that is
	// already in use.
	ErrDuplicateTimer = errors.New("timer id already exists")
	// ErrMissingDuration reports a replay snapshot that carries no
	// usable duration.
	ErrMissingDuration = errors.New("replay snapshot has no duration")
	// ErrMissingSnapshotID reports a replay snapshot without a timer id.
	ErrMissingSnapshotID = errors.New("replay snapshot has no timer id")
)

// Clock supplies the engine's notion of now. Tests substitute a virtual
// clock to drive sweeps deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Intervals holds the cadences of the five background sweeps.
type Intervals struct {
	// Expiration is the expiration sweep cadence. Defaults to 1m.
	Expiration time.Duration
	// Replay is the replay queue drain cadence. Defaults to 5m.
	Replay time.Duration
	// Schedule is the schedule materialization cadence. Defaults to 1m.
	Schedule time.Duration
	// Cleanup is the expired timer cleanup cadence. Defaults to 24h.
	Cleanup time.Duration
	// ReplayCleanup is the replay queue purge cadence. Defaults to 6h.
	ReplayCleanup time.Duration
}

// Config configures an Engine.
type Config struct {
	// Store is the durable backbone. Required.
	Store store.Store
	// Clock overrides the wall clock; tests inject a fake.
	Clock Clock
	// Logger, Metrics, and Tracer default to no-ops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
	// Notifier publishes lifecycle notifications to a Pulse stream.
	// Nil disables streaming.
	Notifier *stream.Notifier
	// Runner drives the background sweeps. Defaults to a local
	// time.Ticker runner.
	Runner tasks.Runner

	// WorkerCount shards timers across sweep worker slots. Defaults
	// to worker.DefaultCount.
	WorkerCount int
	// WebhookTimeout bounds one delivery attempt. Defaults to 10s.
	WebhookTimeout time.Duration
	// WebhookMaxPerSecond caps outbound deliveries per process. Zero
	// means no cap.
	WebhookMaxPerSecond float64
	// SweepConcurrency bounds concurrent expirations per sweep tick.
	// Defaults to 8.
	SweepConcurrency int

	// ExpirationSweepBatch is the per-tick expiration batch. Defaults
	// to 200.
	ExpirationSweepBatch int
	// ReplaySweepBatch is the per-tick replay drain batch. Defaults
	// to 25.
	ReplaySweepBatch int
	// ScheduleSweepBatch is the per-tick schedule batch. Defaults to 25.
	ScheduleSweepBatch int
	// ReplayCleanupBatch caps deletes per replay purge run. Defaults
	// to 200.
	ReplayCleanupBatch int

	// ReplayRetention is how long processed and error replay entries
	// are kept. Defaults to 7 days.
	ReplayRetention time.Duration
	// ExpiredCleanupAge is how long terminal expired timers are kept.
	// Defaults to 24h.
	ExpiredCleanupAge time.Duration

	// Intervals overrides the sweep cadences.
	Intervals Intervals
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.NewNoopTracer()
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = worker.DefaultCount
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = webhook.DefaultTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
	if c.ExpirationSweepBatch <= 0 {
		c.ExpirationSweepBatch = 200
	}
	if c.ReplaySweepBatch <= 0 {
		c.ReplaySweepBatch = 25
	}
	if c.ScheduleSweepBatch <= 0 {
		c.ScheduleSweepBatch = 25
	}
	if c.ReplayCleanupBatch <= 0 {
		c.ReplayCleanupBatch = 200
	}
	if c.ReplayRetention <= 0 {
		c.ReplayRetention = 7 * 24 * time.Hour
	}
	if c.ExpiredCleanupAge <= 0 {
		c.ExpiredCleanupAge = 24 * time.Hour
	}
	if c.Intervals.Expiration <= 0 {
		c.Intervals.Expiration = time.Minute
	}
	if c.Intervals.Replay <= 0 {
		c.Intervals.Replay = 5 * time.Minute
	}
	if c.Intervals.Schedule <= 0 {
		c.Intervals.Schedule = time.Minute
	}
	if c.Intervals.Cleanup <= 0 {
		c.Intervals.Cleanup = 24 * time.Hour
	}
	if c.Intervals.ReplayCleanup <= 0 {
		c.Intervals.ReplayCleanup = 6 * time.Hour
	}
}

// Engine is the timer execution engine. It is safe for concurrent use;
// all shared state lives in the store.
type Engine struct {
	store      store.Store
	clock      Clock
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	notifier   *stream.Notifier
	runner     tasks.Runner
	dispatcher *webhook.Dispatcher
	drift      *drift.Monitor
	cfg        Config
}

// New creates an Engine with all components wired together. Call Run to
// start the background sweeps and Close to stop them.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg.applyDefaults()
	e := &Engine{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		notifier: cfg.Notifier,
		runner:   cfg.Runner,
		drift:    drift.New(drift.DefaultWindow),
		cfg:      cfg,
	}
	e.dispatcher = webhook.New(webhook.Options{
		Timeout:      cfg.WebhookTimeout,
		MaxPerSecond: cfg.WebhookMaxPerSecond,
	})
	if e.runner == nil {
		e.runner = tasks.NewLocal(cfg.Logger)
	}
	return e, nil
}

// Tasks returns the five periodic tasks the engine needs driven. Exposed
// so deployments can hand them to a custom runner.
func (e *Engine) Tasks() []tasks.Task {
	return []tasks.Task{
		{Name: "expiration-sweep", Interval: e.cfg.Intervals.Expiration, Run: func(ctx context.Context) error {
			_, err := e.SweepExpirations(ctx)
			return err
		}},
		{Name: "replay-sweep", Interval: e.cfg.Intervals.Replay, Run: func(ctx context.Context) error {
			_, err := e.ProcessReplayQueue(ctx, 0)
			return err
		}},
		{Name: "schedule-sweep", Interval: e.cfg.Intervals.Schedule, Run: func(ctx context.Context) error {
			_, err := e.SweepSchedules(ctx)
			return err
		}},
		{Name: "expired-cleanup", Interval: e.cfg.Intervals.Cleanup, Run: func(ctx context.Context) error {
			_, err := e.CleanupExpiredTimers(ctx)
			return err
		}},
		{Name: "replay-cleanup", Interval: e.cfg.Intervals.ReplayCleanup, Run: func(ctx context.Context) error {
			_, err := e.CleanupReplayQueue(ctx, CleanupOptions{})
			return err
		}},
	}
}

// Start launches the background sweeps on the configured runner.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.runner.Start(ctx, e.Tasks()); err != nil {
		return fmt.Errorf("start background tasks: %w", err)
	}
	e.logger.Info(ctx, "engine started",
		"expirationSweep", e.cfg.Intervals.Expiration.String(),
		"replaySweep", e.cfg.Intervals.Replay.String(),
		"scheduleSweep", e.cfg.Intervals.Schedule.String())
	return nil
}

// Run starts the background sweeps and blocks until ctx is cancelled,
// then stops them.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Close()
	return nil
}

// Close stops the background sweeps and waits for in-flight ticks.
func (e *Engine) Close() {
	e.runner.Stop()
}

// DriftStats reports the sweep drift window: how late deliveries have
// been firing relative to their scheduled deadlines.
func (e *Engine) DriftStats() drift.Stats {
	return e.drift.Snapshot()
}

func (e *Engine) nowMs() int64 {
	return e.clock.Now().UnixMilli()
}
