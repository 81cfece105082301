// LibreSIEM processor — consumes raw events, normalizes, deduplicates and
// enriches them, indexes them into Elasticsearch and republishes them onto
// the enriched logs topic.
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

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/processor"
	"github.com/libresiem/libresiem/pkg/storage"
)

const consumerGroup = "libresiem-processor"

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

	// 1. Elasticsearch store, index template and lifecycle policy
	store, err := storage.NewElasticStore(cfg.Elasticsearch)
	if err != nil {
		slog.Error("Failed to create Elasticsearch client", "error", err)
		os.Exit(1)
	}
	if err := store.Setup(ctx); err != nil {
		slog.Error("Failed to install index template", "error", err)
		os.Exit(2)
	}
	slog.Info("Elasticsearch ready", "hosts", cfg.Elasticsearch.Hosts)

	// 2. Enrichers. GeoIP and threat intel are optional; reverse DNS is
	// always on.
	enrichers := buildEnrichers(cfg)

	// 3. Bus endpoints. Connections are lazy, so prove the brokers are
	// reachable first.
	waitFor(ctx, "kafka", func(ctx context.Context) error { return bus.Ping(ctx, cfg.Kafka) })
	consumer, err := bus.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.RawLogsTopic, consumerGroup)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	producer, err := bus.NewKafkaProducer(cfg.Kafka, "processor")
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// 4. Pipeline
	proc := processor.New(consumer, producer, store, enrichers, processor.Options{
		EnrichedTopic:   cfg.Kafka.EnrichedLogsTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		DedupWindow:     cfg.Rules.DedupWindow,
		DedupSize:       cfg.Rules.DedupSize,
	})
	proc.Start(ctx)
	slog.Info("Processor started", "group", consumerGroup, "enrichers", len(enrichers))

	// 5. Metrics endpoint
	go serveMetrics(getEnv("METRICS_ADDR", ":9102"))

	<-ctx.Done()
	slog.Info("Shutdown signal received")
	proc.Stop()
	slog.Info("Shutdown complete")
}

func buildEnrichers(cfg *config.Settings) []processor.Enricher {
	var enrichers []processor.Enricher

	if geo, err := processor.NewGeoIPEnricher(cfg.Rules.GeoIPDBPath); err != nil {
		slog.Warn("GeoIP enrichment disabled", "path", cfg.Rules.GeoIPDBPath, "error", err)
	} else {
		enrichers = append(enrichers, geo)
	}

	enrichers = append(enrichers, processor.NewReverseDNSEnricher(10000, time.Hour))

	if cfg.Rules.ThreatIntelPath != "" {
		ti, err := processor.NewThreatIntelEnricher(cfg.Rules.ThreatIntelPath)
		if err != nil {
			slog.Warn("Threat intel enrichment disabled",
				"path", cfg.Rules.ThreatIntelPath, "error", err)
		} else {
			enrichers = append(enrichers, ti)
		}
	}
	return enrichers
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
