package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/libresiem/libresiem/pkg/soar"
)

const (
	webhookTimeout = 10 * time.Second
	webhookWorkers = 4
	webhookQueue   = 1024
)

// WebhookFanout mirrors every accepted event to the configured HTTP
// endpoints, signed with a shared secret. Delivery is best effort:
// ingestion never waits on or fails because of a webhook, and events
// queued while all workers are busy are dropped rather than backing up
// the API.
type WebhookFanout struct {
	urls   []string
	secret string
	client *http.Client
	logger *slog.Logger

	queue chan []byte
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWebhookFanout starts the delivery workers. Returns nil when no URLs
// are configured so callers can pass the result straight to NewServer.
func NewWebhookFanout(urls []string, secret string) *WebhookFanout {
	if len(urls) == 0 {
		return nil
	}
	f := &WebhookFanout{
		urls:   urls,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
		logger: slog.Default().With("component", "event-webhooks"),
		queue:  make(chan []byte, webhookQueue),
	}
	for i := 0; i < webhookWorkers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Deliver enqueues one event payload for fan-out. Never blocks.
func (f *WebhookFanout) Deliver(payload []byte) {
	select {
	case f.queue <- payload:
	default:
		f.logger.Warn("Webhook queue full, dropping event")
	}
}

// Close drains the queue and stops the workers.
func (f *WebhookFanout) Close() {
	f.once.Do(func() { close(f.queue) })
	f.wg.Wait()
}

func (f *WebhookFanout) worker() {
	defer f.wg.Done()
	for payload := range f.queue {
		for _, url := range f.urls {
			if err := f.post(url, payload); err != nil {
				f.logger.Warn("Webhook delivery failed", "url", url, "error", err)
			}
		}
	}
}

func (f *WebhookFanout) post(url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set("X-LibreSIEM-Signature", soar.SignPayload(f.secret, payload))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected webhook status %d", resp.StatusCode)
	}
	return nil
}
