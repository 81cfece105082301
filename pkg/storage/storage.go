// Package storage persists processed events into time-partitioned indices
// and serves the search queries used by detection and the API.
package storage

import (
	"context"
	"time"

	"github.com/libresiem/libresiem/pkg/models"
)

// Store is the event index. Put is idempotent on the event ID so pipeline
// retries never duplicate documents.
type Store interface {
	Put(ctx context.Context, event *models.Event) error
	Search(ctx context.Context, q Query) (*SearchResult, error)
	Healthy(ctx context.Context) error
}

// Query selects events. Zero-valued fields are not filtered on.
type Query struct {
	Source    string
	EventType string
	Severity  string
	Vendor    string

	// Match filters on exact values of data fields, keyed by dotted path
	// relative to the document root (e.g. "data.src_ip").
	Match map[string]string

	From time.Time
	To   time.Time

	Size   int
	Offset int
}

// SearchResult is a page of matching events, newest first.
type SearchResult struct {
	Total  int
	Events []*models.Event
}

// IndexFor returns the monthly index name holding events with this
// timestamp, e.g. "logs-2026.08".
func IndexFor(prefix string, ts time.Time) string {
	return prefix + "-" + ts.UTC().Format("2006.01")
}
