// Package processor consumes raw events, deduplicates and normalizes them,
// runs enrichment, and indexes the result before republishing it for
// detection.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/models"
	"github.com/libresiem/libresiem/pkg/storage"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_processor_events_total",
		Help: "Events handled by the processor, by outcome.",
	}, []string{"outcome"})

	enrichmentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresiem_processor_enrichment_errors_total",
		Help: "Enrichment failures, by enricher.",
	}, []string{"enricher"})

	indexRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libresiem_processor_index_retries_total",
		Help: "Index writes that had to be retried.",
	})
)

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Options configures a Processor.
type Options struct {
	EnrichedTopic   string
	DeadLetterTopic string
	DedupWindow     time.Duration
	DedupSize       int

	// MaxIndexAttempts bounds retries against the store before an event is
	// dead-lettered. Defaults to 8.
	MaxIndexAttempts int
}

// Processor is the pipeline stage between raw ingestion and detection.
type Processor struct {
	consumer  bus.Consumer
	producer  bus.Producer
	store     storage.Store
	enrichers []Enricher
	opts      Options

	dedup  *lru.LRU[string, struct{}]
	logger *slog.Logger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Processor. The consumer must be subscribed to the raw
// events topic.
func New(consumer bus.Consumer, producer bus.Producer, store storage.Store, enrichers []Enricher, opts Options) *Processor {
	if opts.MaxIndexAttempts <= 0 {
		opts.MaxIndexAttempts = 8
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 100000
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	return &Processor{
		consumer:  consumer,
		producer:  producer,
		store:     store,
		enrichers: enrichers,
		opts:      opts,
		dedup:     lru.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupWindow),
		logger:    slog.Default().With("component", "processor"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consume loop.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.logger.Info("Processor started",
		"dedup_window", p.opts.DedupWindow, "dedup_size", p.opts.DedupSize)
}

// Stop shuts the loop down and waits for the in-flight event to finish.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Processor stopped")
}

func (p *Processor) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		msg, err := p.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to fetch message", "error", err)
			continue
		}

		if err := p.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The offset stays uncommitted, so the event is redelivered.
			p.logger.Error("Failed to process event, leaving uncommitted", "error", err)
			continue
		}

		if err := p.consumer.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			p.logger.Error("Failed to commit offset", "error", err)
		}
	}
}

// handle runs one event through the pipeline. A nil return means the
// message may be committed, including events that were dropped or
// dead-lettered on purpose.
func (p *Processor) handle(ctx context.Context, msg bus.Message) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eventsProcessed.WithLabelValues("malformed").Inc()
		p.logger.Warn("Dropping undecodable message to dead letter", "error", err)
		return p.deadLetter(ctx, msg.Value, "undecodable: "+err.Error())
	}

	p.normalize(&event)

	if err := event.Validate(); err != nil {
		eventsProcessed.WithLabelValues("invalid").Inc()
		p.logger.Warn("Dropping invalid event to dead letter", "event_id", event.ID, "error", err)
		return p.deadLetter(ctx, msg.Value, "invalid: "+err.Error())
	}

	fp := event.Fingerprint()
	if _, seen := p.dedup.Get(fp); seen {
		eventsProcessed.WithLabelValues("duplicate").Inc()
		p.logger.Debug("Dropping duplicate event", "event_id", event.ID, "fingerprint", fp)
		return nil
	}

	p.enrich(ctx, &event)

	if err := p.index(ctx, &event); err != nil {
		eventsProcessed.WithLabelValues("index_failed").Inc()
		p.logger.Error("Indexing failed after retries, dead-lettering",
			"event_id", event.ID, "error", err)
		return p.deadLetter(ctx, msg.Value, "index: "+err.Error())
	}

	// Only mark the fingerprint once the write stuck; a crashed retry must
	// not be treated as a duplicate.
	p.dedup.Add(fp, struct{}{})

	enriched, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("encoding enriched event %s: %w", event.ID, err)
	}
	if err := p.producer.Publish(ctx, p.opts.EnrichedTopic, []byte(event.Source), enriched); err != nil {
		return fmt.Errorf("publishing enriched event %s: %w", event.ID, err)
	}

	eventsProcessed.WithLabelValues("ok").Inc()
	return nil
}

// normalize fills defaults and forces timestamps to UTC.
func (p *Processor) normalize(event *models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.EventType == "" {
		event.EventType = "log"
	}
	if event.Severity == "" {
		event.Severity = "info"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.Data == nil {
		event.Data = make(map[string]any)
	}
}

// enrich runs every enricher. Failures are recorded under enriched.errors
// and never block the event.
func (p *Processor) enrich(ctx context.Context, event *models.Event) {
	var enrichErrors []string
	for _, e := range p.enrichers {
		if err := p.runEnricher(ctx, e, event); err != nil {
			enrichmentErrors.WithLabelValues(e.Name()).Inc()
			enrichErrors = append(enrichErrors, e.Name()+": "+err.Error())
			p.logger.Warn("Enricher failed", "enricher", e.Name(), "event_id", event.ID, "error", err)
		}
	}

	setEnriched(event, "processing_timestamp", p.now().UTC().Format(time.RFC3339Nano))
	if archiveWorthy(event) {
		setEnriched(event, "archive", true)
	}
	if len(enrichErrors) > 0 {
		setEnriched(event, "errors", enrichErrors)
	}
}

// archiveWorthy marks events for long-term retention: anything severe, and
// security-relevant event types regardless of severity.
func archiveWorthy(event *models.Event) bool {
	switch event.Severity {
	case "error", "critical":
		return true
	}
	switch event.EventType {
	case "attack", "threat", "security":
		return true
	}
	return false
}

func (p *Processor) runEnricher(ctx context.Context, e Enricher, event *models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Enrich(ctx, event)
}

// index writes the event with capped exponential backoff.
func (p *Processor) index(ctx context.Context, event *models.Event) error {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxIndexAttempts; attempt++ {
		if attempt > 0 {
			indexRetries.Inc()
			select {
			case <-time.After(backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = p.store.Put(ctx, event); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
	}
	return lastErr
}

// deadLetter forwards the raw payload with a reason header payload.
func (p *Processor) deadLetter(ctx context.Context, raw []byte, reason string) error {
	envelope, err := json.Marshal(map[string]any{
		"reason":  reason,
		"payload": json.RawMessage(raw),
		"at":      p.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// raw may not be valid JSON; fall back to a string payload.
		envelope, _ = json.Marshal(map[string]any{
			"reason":  reason,
			"payload": string(raw),
			"at":      p.now().UTC().Format(time.RFC3339Nano),
		})
	}
	if err := p.producer.Publish(ctx, p.opts.DeadLetterTopic, nil, envelope); err != nil {
		return fmt.Errorf("publishing to dead letter topic: %w", err)
	}
	return nil
}

// backoffDelay returns base*2^(attempt-1) capped at backoffCap, with up to
// 25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
