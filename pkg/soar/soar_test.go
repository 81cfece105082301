package soar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/models"
)

// fakeDriver records calls and returns a scripted result.
type fakeDriver struct {
	name string
	err  error
	wait time.Duration

	mu    sync.Mutex
	calls []map[string]string
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Execute(ctx context.Context, params map[string]string, _ *models.Alert) (string, error) {
	if f.wait > 0 {
		select {
		case <-time.After(f.wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	return "done", f.err
}

func (f *fakeDriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sampleAlert() *models.Alert {
	return &models.Alert{
		ID:       "alert-1",
		RuleID:   "ssh-brute-force",
		RuleName: "SSH brute force",
		Severity: "critical",
		Title:    "SSH brute force from 10.0.0.1",
		SourceEvent: &models.Event{
			ID:     "ev-1",
			Source: "auth",
			Data:   map[string]any{"src_ip": "10.0.0.1"},
		},
		MatchedFields: map[string]any{"data.failed_attempts": float64(9)},
	}
}

func writePlaybooks(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
	return dir
}

const containPlaybook = `
id: contain-host
name: Contain compromised host
trigger:
  severity: critical
actions:
  - name: notify
    type: fake
    fail_stop: true
    params:
      message: "{{ .alert.title }}"
  - name: block-ip
    type: fake
    params:
      ip: "{{ .alert.source_event.data.src_ip }}"
`

func TestPlaybookStoreLoads(t *testing.T) {
	dir := writePlaybooks(t, map[string]string{
		"contain.yml": containPlaybook,
		"broken.yml":  "id: broken\nactions:\n  - type: unknown-driver\n",
		"notes.md":    "not a playbook",
	})

	drivers := map[string]Driver{"fake": &fakeDriver{name: "fake"}}
	store, err := NewPlaybookStore(dir, drivers)
	require.NoError(t, err)

	playbooks := store.Snapshot()
	require.Len(t, playbooks, 1)
	pb := playbooks[0]
	assert.Equal(t, "contain-host", pb.ID)
	assert.True(t, pb.Enabled)
	require.Len(t, pb.Actions, 2)
	assert.True(t, pb.Actions[0].FailStop)
	assert.False(t, pb.Actions[1].FailStop)
	assert.Equal(t, 30*time.Second, pb.Actions[0].Timeout)
}

func TestPlaybookTemplateValidatedAtLoad(t *testing.T) {
	dir := writePlaybooks(t, map[string]string{
		"bad.yml": `
id: bad-template
actions:
  - name: x
    type: fake
    params:
      msg: "{{ .alert.title"
`,
	})

	store, err := NewPlaybookStore(dir, map[string]Driver{"fake": &fakeDriver{name: "fake"}})
	require.NoError(t, err)
	assert.Empty(t, store.Snapshot())
}

func TestPlaybookMatches(t *testing.T) {
	pb := &Playbook{Trigger: map[string]any{"severity": "critical"}}
	assert.True(t, pb.Matches(sampleAlert()))

	pb.Trigger["rule_id"] = "other-rule"
	assert.False(t, pb.Matches(sampleAlert()))

	pb = &Playbook{Trigger: map[string]any{"source_event.data.src_ip": "10.0.0.1"}}
	assert.True(t, pb.Matches(sampleAlert()))

	// No trigger matches everything.
	pb = &Playbook{}
	assert.True(t, pb.Matches(sampleAlert()))
}

func TestPlaybookTriggerOperators(t *testing.T) {
	alert := sampleAlert()
	alert.Tags = []string{"security", "ssh"}

	tests := []struct {
		name    string
		trigger map[string]any
		want    bool
	}{
		{"contains on tag list", map[string]any{"tags": map[string]any{"op": "contains", "value": "security"}}, true},
		{"contains miss on tag list", map[string]any{"tags": map[string]any{"op": "contains", "value": "web"}}, false},
		{"contains substring", map[string]any{"title": map[string]any{"op": "contains", "value": "brute force"}}, true},
		{"in", map[string]any{"severity": map[string]any{"op": "in", "value": []any{"high", "critical"}}}, true},
		{"in miss", map[string]any{"severity": map[string]any{"op": "in", "value": []any{"low", "medium"}}}, false},
		{"ne", map[string]any{"severity": map[string]any{"op": "ne", "value": "low"}}, true},
		{"matches", map[string]any{"rule_id": map[string]any{"op": "matches", "value": "^ssh-"}}, true},
		{"exists", map[string]any{"matched_fields.data.failed_attempts": map[string]any{"op": "exists"}}, true},
		{"absent on missing field", map[string]any{"matched_fields.file_hash": map[string]any{"op": "absent"}}, true},
		{"absent on present field", map[string]any{"severity": map[string]any{"op": "absent"}}, false},
		{"operators combine with literals", map[string]any{
			"severity": "critical",
			"tags":     map[string]any{"op": "contains", "value": "security"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := &Playbook{Trigger: tt.trigger}
			assert.Equal(t, tt.want, pb.Matches(alert))
		})
	}
}

func TestPlaybookRejectsBadMatchers(t *testing.T) {
	drivers := map[string]Driver{"fake": &fakeDriver{name: "fake"}}
	dir := writePlaybooks(t, map[string]string{
		"bad-op.yml": `
id: bad-op
trigger:
  severity:
    op: similar-to
    value: critical
actions:
  - type: fake
`,
		"bad-regex.yml": `
id: bad-regex
trigger:
  rule_id:
    op: matches
    value: "(["
actions:
  - type: fake
`,
	})

	store, err := NewPlaybookStore(dir, drivers)
	require.NoError(t, err)
	assert.Empty(t, store.Snapshot())
}

func TestRenderParams(t *testing.T) {
	alert := sampleAlert()

	t.Run("expands alert fields", func(t *testing.T) {
		out, err := renderParams(map[string]string{
			"title":  "{{ .alert.title }}",
			"ip":     "{{ .alert.source_event.data.src_ip }}",
			"static": "unchanged",
		}, alert)
		require.NoError(t, err)
		assert.Equal(t, "SSH brute force from 10.0.0.1", out["title"])
		assert.Equal(t, "10.0.0.1", out["ip"])
		assert.Equal(t, "unchanged", out["static"])
	})

	t.Run("missing field is an error, not empty", func(t *testing.T) {
		_, err := renderParams(map[string]string{
			"x": "{{ .alert.no_such_field }}",
		}, alert)
		assert.Error(t, err)
	})
}

func newEngineHarness(t *testing.T, playbook string, drivers map[string]Driver) (*Engine, *bus.MemoryBus, *MemoryRunLog) {
	t.Helper()
	dir := writePlaybooks(t, map[string]string{"pb.yml": playbook})
	store, err := NewPlaybookStore(dir, drivers)
	require.NoError(t, err)

	b := bus.NewMemoryBus()
	runlog := NewMemoryRunLog()
	engine := NewEngine(b.Consumer("alerts"), store, drivers, runlog)
	return engine, b, runlog
}

func alertMessage(t *testing.T, alert *models.Alert) bus.Message {
	t.Helper()
	payload, err := json.Marshal(alert)
	require.NoError(t, err)
	return bus.Message{Topic: "alerts", Key: []byte(alert.RuleID), Value: payload}
}

func TestEngineRunsMatchingPlaybook(t *testing.T) {
	driver := &fakeDriver{name: "fake"}
	engine, _, runlog := newEngineHarness(t, containPlaybook, map[string]Driver{"fake": driver})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	require.Equal(t, 2, driver.callCount())
	assert.Equal(t, "SSH brute force from 10.0.0.1", driver.calls[0]["message"])
	assert.Equal(t, "10.0.0.1", driver.calls[1]["ip"])

	records := runlog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RunStatusOK, records[0].Status)
	assert.Equal(t, "contain-host", records[0].PlaybookID)
	assert.Equal(t, "alert-1", records[0].AlertID)
}

func TestEngineSkipsNonMatching(t *testing.T) {
	driver := &fakeDriver{name: "fake"}
	engine, _, runlog := newEngineHarness(t, containPlaybook, map[string]Driver{"fake": driver})

	alert := sampleAlert()
	alert.Severity = "low"
	engine.handle(context.Background(), alertMessage(t, alert))

	assert.Zero(t, driver.callCount())
	assert.Empty(t, runlog.Records())
}

func TestEngineFailStop(t *testing.T) {
	failing := &fakeDriver{name: "fake", err: errors.New("endpoint down")}
	engine, _, runlog := newEngineHarness(t, containPlaybook, map[string]Driver{"fake": failing})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	records := runlog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RunStatusError, records[0].Status)
	assert.Equal(t, RunStatusSkipped, records[1].Status)
	assert.Contains(t, records[1].Error, "earlier failure")
	// The failing first action ran; the second was never attempted.
	assert.Equal(t, 1, failing.callCount())
}

func TestEngineContinuesPastNonStoppingFailure(t *testing.T) {
	flaky := &fakeDriver{name: "flaky", err: errors.New("down")}
	good := &fakeDriver{name: "fake"}
	engine, _, runlog := newEngineHarness(t, `
id: best-effort
actions:
  - name: notify
    type: flaky
  - name: ticket
    type: fake
`, map[string]Driver{"flaky": flaky, "fake": good})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	records := runlog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RunStatusError, records[0].Status)
	assert.Equal(t, RunStatusOK, records[1].Status)
	assert.Equal(t, 1, good.callCount())
}

func TestEngineActionConditionPresence(t *testing.T) {
	driver := &fakeDriver{name: "fake"}
	engine, _, runlog := newEngineHarness(t, `
id: enrich
trigger:
  severity: critical
actions:
  - name: analyze-hash
    type: fake
    condition:
      matched_fields.file_hash:
        op: exists
  - name: fallback
    type: fake
    condition:
      matched_fields.file_hash:
        op: absent
`, map[string]Driver{"fake": driver})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	records := runlog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RunStatusSkipped, records[0].Status)
	assert.Equal(t, RunStatusOK, records[1].Status)
	assert.Equal(t, 1, driver.callCount())
}

func TestEngineActionCondition(t *testing.T) {
	driver := &fakeDriver{name: "fake"}
	engine, _, runlog := newEngineHarness(t, `
id: conditional
trigger:
  severity: critical
actions:
  - name: only-ssh
    type: fake
    condition:
      rule_id: some-other-rule
  - name: always
    type: fake
`, map[string]Driver{"fake": driver})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	records := runlog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, RunStatusSkipped, records[0].Status)
	assert.Equal(t, RunStatusOK, records[1].Status)
	assert.Equal(t, 1, driver.callCount())
}

func TestEngineActionTimeout(t *testing.T) {
	slow := &fakeDriver{name: "fake", wait: time.Second}
	engine, _, runlog := newEngineHarness(t, `
id: slow
actions:
  - name: slow-action
    type: fake
    timeout: 20ms
`, map[string]Driver{"fake": slow})

	engine.handle(context.Background(), alertMessage(t, sampleAlert()))

	records := runlog.Records()
	require.Len(t, records, 1)
	assert.Equal(t, RunStatusTimeout, records[0].Status)
}

func TestWebhookDriverSignsPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-LibreSIEM-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDriver()
	_, err := d.Execute(context.Background(), map[string]string{
		"url":    srv.URL,
		"secret": "shh",
	}, sampleAlert())
	require.NoError(t, err)

	assert.Equal(t, SignPayload("shh", gotBody), gotSig)
	assert.Contains(t, string(gotBody), "alert-1")
}

func TestWebhookDriverErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDriver()
	_, err := d.Execute(context.Background(), map[string]string{"url": srv.URL}, sampleAlert())
	assert.Error(t, err)
}

func TestScriptDriverRejectsEscapes(t *testing.T) {
	d := NewScriptDriver(t.TempDir())
	_, err := d.Execute(context.Background(), map[string]string{
		"path": "../../etc/passwd",
	}, sampleAlert())
	assert.ErrorContains(t, err, "escapes")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	failing := &fakeDriver{name: "fake", err: errors.New("down")}
	wrapped := WithBreaker(failing)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := wrapped.Execute(ctx, nil, sampleAlert())
		require.Error(t, err)
	}

	before := failing.callCount()
	_, err := wrapped.Execute(ctx, nil, sampleAlert())
	require.Error(t, err)
	// The breaker is open; the inner driver was not called again.
	assert.Equal(t, before, failing.callCount())
}
