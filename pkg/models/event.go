package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// MaxEventDataSize is the upper bound for a single event's data payload.
const MaxEventDataSize = 1 << 20 // 1 MiB

// MaxBatchEvents is the maximum number of events accepted in one batch request.
const MaxBatchEvents = 1000

// MaxBatchSize is the upper bound for the combined payload of a batch.
const MaxBatchSize = 5 << 20 // 5 MiB

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Event is a single normalized log record flowing through the pipeline.
// ID is assigned by the collector on accept. Enriched is written by the
// processor only and is append-only.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Vendor    string         `json:"vendor,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data"`
	Enriched  map[string]any `json:"enriched,omitempty"`
}

// Validate checks the client-writable fields of an event. A zero Timestamp is
// allowed; the collector fills it on accept.
func (e *Event) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if len(e.Source) > 255 || !nameRe.MatchString(e.Source) {
		return fmt.Errorf("source must contain only alphanumerics, dots, hyphens and underscores")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(e.EventType) > 100 || !nameRe.MatchString(e.EventType) {
		return fmt.Errorf("event_type must contain only alphanumerics, dots, hyphens and underscores")
	}
	if e.Severity != "" && !validSeverities[e.Severity] {
		return fmt.Errorf("invalid severity %q", e.Severity)
	}
	if e.Data == nil {
		return fmt.Errorf("data is required")
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("data is not serializable: %w", err)
	}
	if len(raw) > MaxEventDataSize {
		return fmt.Errorf("event data exceeds maximum size of %d bytes", MaxEventDataSize)
	}
	return nil
}

var validSeverities = map[string]bool{
	"debug":    true,
	"info":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
}

// Batch carries an ordered sequence of events in one ingestion request.
type Batch struct {
	Events []Event `json:"events"`
}

// Validate checks batch-level limits. Per-event validation happens
// independently so a bad event does not reject its siblings.
func (b *Batch) Validate() error {
	if len(b.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	if len(b.Events) > MaxBatchEvents {
		return fmt.Errorf("batch exceeds maximum of %d events", MaxBatchEvents)
	}
	total := 0
	for i := range b.Events {
		raw, err := json.Marshal(b.Events[i].Data)
		if err != nil {
			continue
		}
		total += len(raw)
	}
	if total > MaxBatchSize {
		return fmt.Errorf("total batch size exceeds maximum of %d bytes", MaxBatchSize)
	}
	return nil
}

// RawLogRequest asks the collector to parse a single raw line into an event.
// Format is optional; when empty the parser auto-detects.
type RawLogRequest struct {
	Source  string `json:"source"`
	LogLine string `json:"log_line"`
	Format  string `json:"format,omitempty"`
}
