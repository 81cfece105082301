package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/libresiem/libresiem/pkg/models"
)

// FakeStore is an in-memory Store for tests. It applies the same filter
// semantics as the Elasticsearch implementation.
type FakeStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	puts   int

	// FailPuts makes the next Put calls return this error.
	FailPuts error
}

// NewFakeStore creates an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{events: make(map[string]*models.Event)}
}

// Put implements Store. Writes with a known ID overwrite.
func (f *FakeStore) Put(_ context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.FailPuts != nil {
		return f.FailPuts
	}
	copied := *event
	f.events[event.ID] = &copied
	return nil
}

// Search implements Store.
func (f *FakeStore) Search(_ context.Context, q Query) (*SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*models.Event
	for _, e := range f.events {
		if matches(e, q) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	size := q.Size
	if size <= 0 {
		size = defaultSearchSize
	}
	if len(matched) > size {
		matched = matched[:size]
	}

	out := make([]*models.Event, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return &SearchResult{Total: total, Events: out}, nil
}

// Healthy implements Store.
func (f *FakeStore) Healthy(context.Context) error { return nil }

// Count returns the number of stored documents.
func (f *FakeStore) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Puts returns how many Put calls were made, including failed ones.
func (f *FakeStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

// Get returns the stored event with the ID, or nil.
func (f *FakeStore) Get(id string) *models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

func matches(e *models.Event, q Query) bool {
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Vendor != "" && e.Vendor != q.Vendor {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	for path, want := range q.Match {
		// Match paths are document-rooted, same as the ES query.
		val, ok := e.Field(path)
		if !ok {
			return false
		}
		s, ok := val.(string)
		if !ok || s != want {
			return false
		}
	}
	return true
}
