package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	valid := Event{
		Source:    "firewall",
		EventType: "connection",
		Data:      map[string]any{"src_ip": "10.0.0.1"},
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{
			name:   "valid event",
			mutate: func(e *Event) {},
		},
		{
			name:    "missing source",
			mutate:  func(e *Event) { e.Source = "" },
			wantErr: "source is required",
		},
		{
			name:    "source with spaces",
			mutate:  func(e *Event) { e.Source = "my firewall" },
			wantErr: "source must contain",
		},
		{
			name:    "missing event_type",
			mutate:  func(e *Event) { e.EventType = "" },
			wantErr: "event_type is required",
		},
		{
			name:    "event_type too long",
			mutate:  func(e *Event) { e.EventType = strings.Repeat("a", 101) },
			wantErr: "event_type must contain",
		},
		{
			name:    "invalid severity",
			mutate:  func(e *Event) { e.Severity = "catastrophic" },
			wantErr: "invalid severity",
		},
		{
			name:   "valid severity",
			mutate: func(e *Event) { e.Severity = "critical" },
		},
		{
			name:    "nil data",
			mutate:  func(e *Event) { e.Data = nil },
			wantErr: "data is required",
		},
		{
			name: "oversized data",
			mutate: func(e *Event) {
				e.Data = map[string]any{"blob": strings.Repeat("x", MaxEventDataSize+1)}
			},
			wantErr: "exceeds maximum size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			e.Data = map[string]any{"src_ip": "10.0.0.1"}
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestBatchValidate(t *testing.T) {
	t.Run("empty batch rejected", func(t *testing.T) {
		b := Batch{}
		assert.Error(t, b.Validate())
	})

	t.Run("too many events rejected", func(t *testing.T) {
		b := Batch{Events: make([]Event, MaxBatchEvents+1)}
		err := b.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum of 1000 events")
	})

	t.Run("normal batch accepted", func(t *testing.T) {
		b := Batch{Events: []Event{
			{Source: "a", EventType: "log", Data: map[string]any{"m": "one"}},
			{Source: "b", EventType: "log", Data: map[string]any{"m": "two"}},
		}}
		assert.NoError(t, b.Validate())
	})
}

func TestFingerprint(t *testing.T) {
	base := Event{
		Source:    "firewall",
		EventType: "connection",
		Timestamp: time.Now(),
		Data: map[string]any{
			"src_ip":   "10.0.0.1",
			"dst_port": 443,
		},
	}

	t.Run("stable across volatile fields", func(t *testing.T) {
		other := base
		other.Timestamp = base.Timestamp.Add(time.Hour)
		other.Data = map[string]any{
			"src_ip":       "10.0.0.1",
			"dst_port":     443,
			"timestamp":    "2026-01-01T00:00:00Z",
			"sequence_num": 42,
		}
		assert.Equal(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("differs on payload change", func(t *testing.T) {
		other := base
		other.Data = map[string]any{"src_ip": "10.0.0.2", "dst_port": 443}
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("differs on source change", func(t *testing.T) {
		other := base
		other.Source = "ids"
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})
}

func TestEventField(t *testing.T) {
	e := Event{
		ID:        "ev-1",
		Source:    "apache",
		EventType: "log",
		Severity:  "info",
		Data: map[string]any{
			"status": 200,
			"client": map[string]any{"ip": "127.0.0.1"},
		},
		Enriched: map[string]any{"geo": map[string]any{"country": "DE"}},
	}

	for _, tc := range []struct {
		path string
		want any
	}{
		{"source", "apache"},
		{"data.status", 200},
		{"data.client.ip", "127.0.0.1"},
		{"client.ip", "127.0.0.1"},
		{"enriched.geo.country", "DE"},
	} {
		got, ok := e.Field(tc.path)
		assert.True(t, ok, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}

	for _, path := range []string{"data.missing", "client.ip.too.deep"} {
		got, ok := e.Field(path)
		assert.False(t, ok, path)
		assert.Nil(t, got, path)
	}
}

func TestAlertField(t *testing.T) {
	a := Alert{
		ID:       "al-1",
		Severity: "high",
		Tags:     []string{"security"},
		MatchedFields: map[string]any{
			"source_ip": "192.168.1.100",
		},
		SourceEvent: &Event{
			Source: "auth",
			Data:   map[string]any{"attempts": 6},
		},
	}

	assert.Equal(t, "high", a.Field("severity"))
	assert.Equal(t, "192.168.1.100", a.Field("matched_fields.source_ip"))
	assert.Equal(t, 6, a.Field("source_event.data.attempts"))
	assert.Equal(t, "auth", a.Field("source_event.source"))
	assert.Nil(t, a.Field("matched_fields.file_hash"))
	assert.Nil(t, a.Field("nope"))
}
