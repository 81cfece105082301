// LibreSIEM responder — consumes alerts and reacts to them twice over:
// playbooks drive automated response actions, and the dispatcher delivers
// notifications to the configured channels.
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

	"github.com/libresiem/libresiem/pkg/alerts"
	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/database"
	"github.com/libresiem/libresiem/pkg/soar"
)

const (
	playbookGroup = "libresiem-responder"
	notifyGroup   = "libresiem-notifier"
)

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

	// 1. Postgres for the playbook run log
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(2)
	}
	defer dbClient.Close()

	// 2. Action drivers, each behind a circuit breaker
	drivers := buildDrivers(cfg.Response)

	// 3. Playbook store with hot reload
	playbooks, err := soar.NewPlaybookStore(cfg.Rules.PlaybooksDir, drivers)
	if err != nil {
		slog.Error("Failed to load playbooks", "dir", cfg.Rules.PlaybooksDir, "error", err)
		os.Exit(1)
	}
	if err := playbooks.Watch(); err != nil {
		slog.Error("Failed to watch playbooks directory", "error", err)
		os.Exit(1)
	}
	defer playbooks.Close()

	// 4. Playbook engine on its own consumer group. Consumers connect
	// lazily, so prove the brokers are reachable first.
	waitFor(ctx, "kafka", func(ctx context.Context) error { return bus.Ping(ctx, cfg.Kafka) })
	playbookConsumer, err := bus.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.AlertsTopic, playbookGroup)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "group", playbookGroup, "error", err)
		os.Exit(1)
	}
	defer playbookConsumer.Close()

	engine := soar.NewEngine(playbookConsumer, playbooks, drivers,
		soar.NewPostgresRunLog(dbClient.Pool()))
	engine.Start(ctx)
	slog.Info("Playbook engine started", "group", playbookGroup, "drivers", len(drivers))

	// 5. Alert dispatcher on a second group, so notifications and playbooks
	// consume the stream independently
	notifyConsumer, err := bus.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.AlertsTopic, notifyGroup)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "group", notifyGroup, "error", err)
		os.Exit(1)
	}
	defer notifyConsumer.Close()

	notifiers := buildNotifiers(cfg.Notifications)
	dispatcher := alerts.NewDispatcher(notifyConsumer, notifiers, nil)
	dispatcher.Start(ctx)
	slog.Info("Alert dispatcher started", "group", notifyGroup, "channels", len(notifiers))

	// 6. Metrics endpoint
	go serveMetrics(getEnv("METRICS_ADDR", ":9104"))

	<-ctx.Done()
	slog.Info("Shutdown signal received")
	engine.Stop()
	dispatcher.Stop()
	slog.Info("Shutdown complete")
}

func buildDrivers(cfg config.ResponseSettings) map[string]soar.Driver {
	drivers := map[string]soar.Driver{
		"webhook": soar.WithBreaker(soar.NewWebhookDriver()),
		"ansible": soar.WithBreaker(soar.NewAnsibleDriver(cfg.AnsibleBinary)),
		"script":  soar.WithBreaker(soar.NewScriptDriver(cfg.ScriptsDir)),
	}
	if cfg.TheHiveURL != "" {
		drivers["thehive"] = soar.WithBreaker(soar.NewTheHiveDriver(cfg.TheHiveURL, cfg.TheHiveAPIKey))
	}
	if cfg.CortexURL != "" {
		drivers["cortex"] = soar.WithBreaker(soar.NewCortexDriver(cfg.CortexURL, cfg.CortexAPIKey))
	}
	return drivers
}

func buildNotifiers(cfg config.NotificationSettings) map[string]alerts.Notifier {
	notifiers := make(map[string]alerts.Notifier)
	if cfg.EmailTo != "" {
		notifiers["email"] = alerts.NewEmailNotifier(cfg)
	}
	if cfg.SlackToken != "" {
		notifiers["slack"] = alerts.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
	}
	if cfg.DiscordWebhookURL != "" {
		notifiers["discord"] = alerts.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}
	if cfg.TelegramBotToken != "" {
		notifiers["telegram"] = alerts.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	if cfg.WebhookURL != "" {
		notifiers["webhook"] = alerts.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
	}
	return notifiers
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
