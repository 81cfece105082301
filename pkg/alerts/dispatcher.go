package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/models"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "libresiem_alerts_notifications_total",
	Help: "Notification deliveries, by channel and outcome.",
}, []string{"channel", "outcome"})

// DefaultRoutes maps severities to channels. Critical alerts page the
// widest audience; low severity stays in chat.
func DefaultRoutes() map[string][]string {
	return map[string][]string{
		models.SeverityCritical: {"email", "slack", "telegram"},
		models.SeverityHigh:     {"email", "slack"},
		models.SeverityMedium:   {"slack"},
		models.SeverityLow:      {"slack"},
	}
}

const (
	notifyAttempts    = 3
	notifyBackoffBase = 500 * time.Millisecond
)

// Dispatcher consumes alerts and fans them out. Channels are isolated: a
// failing channel never blocks the others, and delivery failures do not
// stall the alert stream.
type Dispatcher struct {
	consumer  bus.Consumer
	notifiers map[string]Notifier
	routes    map[string][]string

	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Channels routed but not present in
// notifiers are skipped, so a deployment can run with only the channels it
// has credentials for.
func NewDispatcher(consumer bus.Consumer, notifiers map[string]Notifier, routes map[string][]string) *Dispatcher {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &Dispatcher{
		consumer:  consumer,
		notifiers: notifiers,
		routes:    routes,
		logger:    slog.Default().With("component", "alert-dispatcher"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consume loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
	d.logger.Info("Alert dispatcher started", "channels", len(d.notifiers))
}

// Stop shuts the loop down.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("Alert dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-d.stopCh
		cancel()
	}()

	for {
		msg, err := d.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to fetch alert", "error", err)
			continue
		}

		d.handle(ctx, msg)

		if err := d.consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			d.logger.Error("Failed to commit offset", "error", err)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg bus.Message) {
	var alert models.Alert
	if err := json.Unmarshal(msg.Value, &alert); err != nil {
		d.logger.Warn("Dropping undecodable alert", "error", err)
		return
	}

	channels := d.routes[alert.Severity]
	if len(channels) == 0 {
		channels = d.routes[models.SeverityLow]
	}

	var wg sync.WaitGroup
	for _, channel := range channels {
		notifier, ok := d.notifiers[channel]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			d.deliver(ctx, n, &alert)
		}(notifier)
	}
	wg.Wait()
}

// deliver retries with backoff before giving up on a channel.
func (d *Dispatcher) deliver(ctx context.Context, n Notifier, alert *models.Alert) {
	var lastErr error
	for attempt := 0; attempt < notifyAttempts; attempt++ {
		if attempt > 0 {
			delay := notifyBackoffBase<<(attempt-1) + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = n.Notify(ctx, alert); lastErr == nil {
			notificationsSent.WithLabelValues(n.Name(), "ok").Inc()
			d.logger.Debug("Alert delivered", "channel", n.Name(), "alert_id", alert.ID)
			return
		}
	}

	notificationsSent.WithLabelValues(n.Name(), "failed").Inc()
	d.logger.Error("Failed to deliver alert",
		"channel", n.Name(), "alert_id", alert.ID, "error", lastErr)
}
