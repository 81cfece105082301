// LibreSIEM collector — the HTTP ingestion API. Authenticates clients,
// rate limits and validates events, and publishes them onto the raw logs
// topic.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/libresiem/libresiem/pkg/auth"
	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/collector"
	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/database"
	"github.com/libresiem/libresiem/pkg/ratelimit"
)

func main() {
	// Load .env if present, then configuration from the environment
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Redis, shared by rate limiting and login lockout
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.Redis.MaxConnections
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	waitFor(ctx, "redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	// 2. Postgres user store
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(2)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL")

	// 3. Auth service with login lockout
	lockout := auth.NewLockout(rdb, cfg.Auth.MaxLoginFailures, cfg.Auth.LoginFailureWindow)
	authSvc := auth.NewService(auth.NewPostgresUserStore(dbClient.Pool()), lockout,
		cfg.Auth.JWTSecretKey, cfg.Auth.AccessTokenExpiry)

	// 4. Kafka producer for the raw logs topic. The producer connects
	// lazily, so prove the brokers are reachable first.
	waitFor(ctx, "kafka", func(ctx context.Context) error { return bus.Ping(ctx, cfg.Kafka) })
	producer, err := bus.NewKafkaProducer(cfg.Kafka, "collector")
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// 5. Optional event webhook fan-out
	webhooks := collector.NewWebhookFanout(cfg.Collector.WebhookURLs, cfg.Collector.WebhookSecret)
	if webhooks != nil {
		defer webhooks.Close()
		slog.Info("Event webhooks enabled", "count", len(cfg.Collector.WebhookURLs))
	}

	// 6. HTTP server
	srv := collector.NewServer(cfg.Collector, authSvc,
		ratelimit.NewLimiter(rdb, "ratelimit"), producer, rdb, webhooks,
		collector.QuotasFromSettings(cfg.RateLimit), cfg.Kafka.RawLogsTopic)

	slog.Info("Collector starting", "addr", cfg.Collector.Addr())
	if err := srv.Start(ctx); err != nil {
		slog.Error("Collector server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// waitFor retries the probe with a growing delay and exits with status 2
// when the dependency never comes up.
func waitFor(ctx context.Context, name string, probe func(context.Context) error) {
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = probe(probeCtx)
		cancel()
		if err == nil {
			return
		}
		slog.Warn("Dependency not ready", "dependency", name, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
		}
	}
	slog.Error("Dependency unreachable, giving up", "dependency", name, "error", err)
	os.Exit(2)
}
