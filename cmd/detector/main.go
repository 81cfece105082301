// LibreSIEM detector — consumes enriched events, evaluates the detection
// rule set against them and publishes alerts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/detection"
)

const consumerGroup = "libresiem-detector"

func main() {
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

	// 1. Rule store with hot reload
	rules, err := detection.NewStore(cfg.Rules.RulesDir)
	if err != nil {
		slog.Error("Failed to load detection rules", "dir", cfg.Rules.RulesDir, "error", err)
		os.Exit(1)
	}
	if err := rules.Watch(); err != nil {
		slog.Error("Failed to watch rules directory", "error", err)
		os.Exit(1)
	}
	defer rules.Close()

	// 2. Alert throttling in Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.Redis.MaxConnections
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	waitFor(ctx, "redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	// 3. Bus endpoints. Connections are lazy, so prove the brokers are
	// reachable first.
	waitFor(ctx, "kafka", func(ctx context.Context) error { return bus.Ping(ctx, cfg.Kafka) })
	consumer, err := bus.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.EnrichedLogsTopic, consumerGroup)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	producer, err := bus.NewKafkaProducer(cfg.Kafka, "detector")
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// 4. Engine
	engine := detection.NewEngine(consumer, producer, rules,
		detection.NewThrottle(rdb), cfg.Kafka.AlertsTopic)
	engine.Start(ctx)
	slog.Info("Detector started", "group", consumerGroup, "rules_dir", cfg.Rules.RulesDir)

	// 5. Metrics endpoint
	go serveMetrics(getEnv("METRICS_ADDR", ":9103"))

	<-ctx.Done()
	slog.Info("Shutdown signal received")
	engine.Stop()
	slog.Info("Shutdown complete")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("Metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics endpoint error", "error", err)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
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
