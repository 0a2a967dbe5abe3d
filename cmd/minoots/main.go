// Command minoots runs the timer execution engine: the expiration sweeper,
// webhook dispatcher, replay queue drainer, schedule materializer, and the
// cleanup sweeps, backed by MongoDB.
//
// # Clustering
//
// Multiple processes with the same MONGO_URL and REDIS_URL form a cluster.
// Sweeps are idempotent, and with Redis configured they run on pulse
// distributed tickers so each sweep tick fires on exactly one process.
// Without Redis the sweeps run on local tickers in every process.
//
// # Configuration
//
// Environment variables:
//
//	MONGO_URL            - MongoDB connection URL (default: "mongodb://localhost:27017")
//	MONGO_DATABASE       - Database name (default: "minoots")
//	REDIS_URL            - Redis address for clustering + streaming (optional)
//	REDIS_PASSWORD       - Redis password (optional)
//	MONITORING_ADDR      - Health and debug listen address (default: ":8081")
//	WORKER_COUNT         - Sweep worker shards (default: 5)
//	WEBHOOK_TIMEOUT      - Per-delivery timeout (default: "10s")
//	WEBHOOK_MAX_PER_SEC  - Outbound webhook rate cap, 0 = none (default: 0)
//	EXPIRATION_INTERVAL  - Expiration sweep cadence (default: "1m")
//	REPLAY_INTERVAL      - Replay drain cadence (default: "5m")
//	SCHEDULE_INTERVAL    - Schedule sweep cadence (default: "1m")
//	DEBUG                - Enable debug logs and pprof ("1" to enable)
//
// # Example
//
//	MONGO_URL=mongodb://localhost:27017 REDIS_URL=localhost:6379 ./minoots
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"minoots.dev/engine"
	storemongo "minoots.dev/engine/store/mongo"
	"minoots.dev/engine/stream"
	"minoots.dev/engine/tasks"
	"minoots.dev/engine/telemetry"
)

func main() {
	dbg := os.Getenv("DEBUG") == "1"
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, dbg); err != nil {
		log.Fatalf(ctx, err, "engine exited")
	}
}

func run(ctx context.Context, dbg bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoURL := envOr("MONGO_URL", "mongodb://localhost:27017")
	mongoDB := envOr("MONGO_DATABASE", "minoots")
	redisURL := os.Getenv("REDIS_URL")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	monitoringAddr := envOr("MONITORING_ADDR", ":8081")

	// Connect to MongoDB.
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongodb")
		}
	}()
	st, err := storemongo.New(storemongo.Options{Client: client, Database: mongoDB})
	if err != nil {
		return fmt.Errorf("create mongo store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	logger := telemetry.NewClueLogger()
	cfg := engine.Config{
		Store:               st,
		Logger:              logger,
		Metrics:             telemetry.NewOTelMetrics(),
		Tracer:              telemetry.NewOTelTracer(),
		WorkerCount:         envIntOr("WORKER_COUNT", 0),
		WebhookTimeout:      envDurationOr("WEBHOOK_TIMEOUT", 0),
		WebhookMaxPerSecond: envFloatOr("WEBHOOK_MAX_PER_SEC", 0),
		Intervals: engine.Intervals{
			Expiration: envDurationOr("EXPIRATION_INTERVAL", 0),
			Replay:     envDurationOr("REPLAY_INTERVAL", 0),
			Schedule:   envDurationOr("SCHEDULE_INTERVAL", 0),
		},
	}

	pingers := []health.Pinger{st}

	// Redis is optional: with it the sweeps coordinate across processes
	// and lifecycle notifications fan out on a pulse stream.
	if redisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pingers = append(pingers, redisPinger{rdb})

		node, err := pool.AddNode(ctx, "minoots-sweeps", rdb)
		if err != nil {
			return fmt.Errorf("join sweep pool: %w", err)
		}
		defer func() {
			if err := node.Close(ctx); err != nil {
				log.Errorf(ctx, err, "close sweep pool node")
			}
		}()
		cfg.Runner = tasks.NewDistributed(node, "", logger)

		notifier, err := stream.New(stream.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create notification stream: %w", err)
		}
		cfg.Notifier = notifier
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// Health and debug endpoints on the monitoring port.
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	if dbg {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}
	srv := &http.Server{
		Addr:              monitoringAddr,
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(ctx, "monitoring server listening on %q", monitoringAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, err, "monitoring server")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf(ctx, err, "shutdown monitoring server")
		}
	}()

	log.Printf(ctx, "starting timer engine (mongo=%s db=%s redis=%s)", mongoURL, mongoDB, redisURL)
	return eng.Run(ctx)
}

// redisPinger adapts a redis client to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
