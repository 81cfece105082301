package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/pkg/models"
)

func testEvent() *models.Event {
	return &models.Event{
		ID:        "ev-1",
		Source:    "firewall",
		EventType: "log",
		Severity:  "info",
		Data: map[string]any{
			"action":   "deny",
			"src_ip":   "10.0.0.1",
			"port":     float64(22),
			"message":  "connection refused by policy",
			"attempts": float64(7),
		},
	}
}

func leaf(field, op string, value any) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", leaf("data.action", "eq", "deny"), true},
		{"eq mismatch", leaf("data.action", "eq", "allow"), false},
		{"eq numeric across types", leaf("data.port", "eq", 22), true},
		{"ne", leaf("data.action", "ne", "allow"), true},
		{"gt", leaf("data.attempts", "gt", 5), true},
		{"gt equal is false", leaf("data.attempts", "gt", 7), false},
		{"gte equal", leaf("data.attempts", "gte", 7), true},
		{"lt", leaf("data.port", "lt", 1024), true},
		{"lte", leaf("data.port", "lte", 22), true},
		{"in", leaf("data.action", "in", []any{"deny", "drop"}), true},
		{"in miss", leaf("data.action", "in", []any{"allow"}), false},
		{"not_in", leaf("data.action", "not_in", []any{"allow"}), true},
		{"contains", leaf("data.message", "contains", "refused"), true},
		{"contains miss", leaf("data.message", "contains", "accepted"), false},
		{"regex", leaf("data.src_ip", "regex", `^10\.`), true},
		{"regex miss", leaf("data.src_ip", "regex", `^192\.`), false},
		{"missing field never matches", leaf("data.nope", "eq", "x"), false},
		{"type mismatch never matches", leaf("data.action", "gt", 5), false},
		{"numeric compared to string is no match", leaf("data.port", "eq", "22"), false},
		{"top level field", leaf("source", "eq", "firewall"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			require.NoError(t, cond.compile())
			assert.Equal(t, tt.want, cond.Eval(testEvent(), nil))
		})
	}
}

func TestEvalUncomparableValues(t *testing.T) {
	cond := leaf("data.roles", "eq", []any{"admin"})
	require.NoError(t, cond.compile())

	e := testEvent()
	e.Data["roles"] = []any{"admin"}
	assert.True(t, cond.Eval(e, nil))

	// A list that differs is a plain non-match, never a panic.
	e.Data["roles"] = []any{"guest", "admin"}
	assert.False(t, cond.Eval(e, nil))

	e.Data["roles"] = map[string]any{"primary": "admin"}
	assert.False(t, cond.Eval(e, nil))
}

func TestConditionGroups(t *testing.T) {
	t.Run("all requires every child", func(t *testing.T) {
		cond := Condition{All: []Condition{
			leaf("data.action", "eq", "deny"),
			leaf("data.port", "eq", 22),
		}}
		require.NoError(t, cond.compile())
		assert.True(t, cond.Eval(testEvent(), nil))

		cond.All[1] = leaf("data.port", "eq", 80)
		require.NoError(t, cond.compile())
		assert.False(t, cond.Eval(testEvent(), nil))
	})

	t.Run("any requires one child", func(t *testing.T) {
		cond := Condition{Any: []Condition{
			leaf("data.action", "eq", "allow"),
			leaf("data.port", "eq", 22),
		}}
		require.NoError(t, cond.compile())
		assert.True(t, cond.Eval(testEvent(), nil))
	})

	t.Run("nested groups", func(t *testing.T) {
		cond := Condition{All: []Condition{
			leaf("source", "eq", "firewall"),
			{Any: []Condition{
				leaf("data.action", "eq", "deny"),
				leaf("data.action", "eq", "drop"),
			}},
		}}
		require.NoError(t, cond.compile())
		assert.True(t, cond.Eval(testEvent(), nil))
	})

	t.Run("matched fields only from winning branches", func(t *testing.T) {
		cond := Condition{Any: []Condition{
			{All: []Condition{
				leaf("data.action", "eq", "deny"),
				leaf("data.port", "eq", 80), // fails, branch discarded
			}},
			leaf("data.src_ip", "regex", `^10\.`),
		}}
		require.NoError(t, cond.compile())

		matched := make(map[string]any)
		assert.True(t, cond.Eval(testEvent(), matched))
		assert.NotContains(t, matched, "data.action")
		assert.Contains(t, matched, "data.src_ip")
	})
}

func TestConditionCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"unknown op", leaf("data.x", "equals", 1)},
		{"missing field", Condition{Op: "eq", Value: 1}},
		{"bad regex", leaf("data.x", "regex", "[")},
		{"regex needs string", leaf("data.x", "regex", 5)},
		{"in needs list", leaf("data.x", "in", "deny")},
		{"mixed all and any", Condition{
			All: []Condition{leaf("a", "eq", 1)},
			Any: []Condition{leaf("b", "eq", 2)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			assert.Error(t, cond.compile())
		})
	}
}

func TestAnomalyObserve(t *testing.T) {
	state := newAnomalyState()

	// Stable baseline around 10.
	for i := 0; i < 30; i++ {
		v := 9.0
		if i%2 == 0 {
			v = 11.0
		}
		anomalous, _ := state.observe("log", map[string]float64{"bytes": v}, 3, 30)
		assert.False(t, anomalous)
	}

	anomalous, deviation := state.observe("log", map[string]float64{"bytes": 100}, 3, 30)
	assert.True(t, anomalous)
	assert.Greater(t, deviation, 3.0)

	// Values within the baseline still pass after the spike.
	anomalous, _ = state.observe("log", map[string]float64{"bytes": 10}, 3, 30)
	assert.False(t, anomalous)
}

func TestAnomalyRequiresBaseline(t *testing.T) {
	state := newAnomalyState()
	for i := 0; i < 10; i++ {
		anomalous, _ := state.observe("log", map[string]float64{"bytes": 10}, 3, 30)
		assert.False(t, anomalous)
	}
	// Still below min samples; even a wild value stays quiet.
	anomalous, _ := state.observe("log", map[string]float64{"bytes": 1e6}, 3, 30)
	assert.False(t, anomalous)
}

func TestAnomalyFeatureVector(t *testing.T) {
	rule := &Rule{
		ID:   "login-shape",
		Type: RuleTypeAnomaly,
		Anomaly: &AnomalySpec{
			Fields:         []string{"data.bytes", "data.user"},
			ThresholdSigma: 3,
			MinSamples:     10,
		},
	}
	state := newAnomalyState()

	for i := 0; i < 20; i++ {
		e := testEvent()
		e.Data["bytes"] = float64(100 + i%3)
		e.Data["user"] = "alice"
		matched, _ := rule.matchAnomaly(state, e)
		assert.False(t, matched)
	}

	// The usual traffic volume from a never-seen user still trips the
	// categorical feature.
	e := testEvent()
	e.Data["bytes"] = float64(101)
	e.Data["user"] = "mallory"
	matched, fields := rule.matchAnomaly(state, e)
	assert.True(t, matched)
	assert.Equal(t, "mallory", fields["data.user"])
	assert.Contains(t, fields, "deviation")
}

func TestMatchAnomalySkipsUnusableValues(t *testing.T) {
	rule := &Rule{
		ID:      "bytes-anomaly",
		Type:    RuleTypeAnomaly,
		Anomaly: &AnomalySpec{Fields: []string{"data.bytes"}, ThresholdSigma: 3, MinSamples: 5},
	}
	state := newAnomalyState()

	e := testEvent()
	e.Data["bytes"] = map[string]any{"nested": true}
	matched, _ := rule.matchAnomaly(state, e)
	assert.False(t, matched)

	delete(e.Data, "bytes")
	matched, _ = rule.matchAnomaly(state, e)
	assert.False(t, matched)
}
