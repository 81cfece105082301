package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/pkg/models"
)

func TestIndexFor(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want string
	}{
		{
			name: "utc timestamp",
			ts:   time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
			want: "logs-2026.08",
		},
		{
			name: "converted to utc before bucketing",
			ts:   time.Date(2026, 9, 1, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			want: "logs-2026.08",
		},
		{
			name: "single digit month padded",
			ts:   time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			want: "logs-2026.01",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IndexFor("logs", tt.ts))
		})
	}
}

func TestBuildQuery(t *testing.T) {
	t.Run("no filters means match_all", func(t *testing.T) {
		q := buildQuery(Query{})
		assert.Contains(t, q["query"], "match_all")
	})

	t.Run("filters are combined in a bool filter", func(t *testing.T) {
		from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		q := buildQuery(Query{
			Source:   "firewall",
			Severity: "critical",
			Match:    map[string]string{"data.src_ip": "10.0.0.1"},
			From:     from,
		})

		boolQuery := q["query"].(map[string]any)["bool"].(map[string]any)
		filters := boolQuery["filter"].([]map[string]any)
		assert.Len(t, filters, 4)
	})
}

func TestFakeStorePutIsIdempotent(t *testing.T) {
	f := NewFakeStore()
	ctx := context.Background()

	e := &models.Event{
		ID:        "ev-1",
		Source:    "firewall",
		EventType: "log",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"src_ip": "10.0.0.1"},
	}
	require.NoError(t, f.Put(ctx, e))
	require.NoError(t, f.Put(ctx, e))

	assert.Equal(t, 1, f.Count())
	assert.Equal(t, 2, f.Puts())
}

func TestFakeStoreSearch(t *testing.T) {
	f := NewFakeStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	events := []*models.Event{
		{ID: "a", Source: "firewall", EventType: "log", Severity: "critical", Timestamp: base, Data: map[string]any{"src_ip": "10.0.0.1"}},
		{ID: "b", Source: "firewall", EventType: "log", Severity: "info", Timestamp: base.Add(time.Minute), Data: map[string]any{"src_ip": "10.0.0.2"}},
		{ID: "c", Source: "webserver", EventType: "log", Severity: "info", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, f.Put(ctx, e))
	}

	t.Run("by source", func(t *testing.T) {
		res, err := f.Search(ctx, Query{Source: "firewall"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Total)
	})

	t.Run("newest first", func(t *testing.T) {
		res, err := f.Search(ctx, Query{})
		require.NoError(t, err)
		require.Len(t, res.Events, 3)
		assert.Equal(t, "c", res.Events[0].ID)
		assert.Equal(t, "a", res.Events[2].ID)
	})

	t.Run("by data field", func(t *testing.T) {
		res, err := f.Search(ctx, Query{Match: map[string]string{"data.src_ip": "10.0.0.2"}})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "b", res.Events[0].ID)
	})

	t.Run("time range", func(t *testing.T) {
		res, err := f.Search(ctx, Query{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "b", res.Events[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		res, err := f.Search(ctx, Query{Size: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Total)
		assert.Len(t, res.Events, 2)

		res, err = f.Search(ctx, Query{Size: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, res.Events, 1)
	})
}
