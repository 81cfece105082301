package models

import (
	"strings"
	"time"
)

// Severity levels for detection rules and alerts, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ValidAlertSeverity reports whether s is a recognized alert severity.
func ValidAlertSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Alert is emitted by the detection engine when a rule matches an event.
// Alerts are append-only; consumers must tolerate at-least-once delivery.
type Alert struct {
	ID            string         `json:"id"`
	RuleID        string         `json:"rule_id"`
	RuleName      string         `json:"rule_name"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Timestamp     time.Time      `json:"timestamp"`
	SourceEvent   *Event         `json:"source_event"`
	MatchedFields map[string]any `json:"matched_fields"`
	Tags          []string       `json:"tags"`
}

// Field resolves a dotted path against the alert for trigger and condition
// matching. Top-level names address alert fields; "matched_fields.X" and
// "source_event.data.X" reach into the nested maps. Returns nil when the
// path does not resolve.
func (a *Alert) Field(path string) any {
	switch path {
	case "id":
		return a.ID
	case "rule_id":
		return a.RuleID
	case "rule_name":
		return a.RuleName
	case "severity":
		return a.Severity
	case "title":
		return a.Title
	case "description":
		return a.Description
	case "tags":
		return a.Tags
	case "matched_fields":
		return a.MatchedFields
	}
	if rest, ok := strings.CutPrefix(path, "matched_fields."); ok {
		// Matched fields are keyed by the flat dotted path the rule used.
		if v, ok := a.MatchedFields[rest]; ok {
			return v
		}
		return LookupPath(a.MatchedFields, rest)
	}
	if rest, ok := strings.CutPrefix(path, "source_event."); ok {
		if a.SourceEvent == nil {
			return nil
		}
		switch rest {
		case "id":
			return a.SourceEvent.ID
		case "source":
			return a.SourceEvent.Source
		case "event_type":
			return a.SourceEvent.EventType
		}
		if dataPath, ok := strings.CutPrefix(rest, "data."); ok {
			return LookupPath(a.SourceEvent.Data, dataPath)
		}
	}
	return nil
}

// LookupPath walks a dotted path through nested string-keyed maps.
// Returns nil when any segment is missing or not a map.
func LookupPath(m map[string]any, path string) any {
	if m == nil {
		return nil
	}
	cur := any(m)
	for path != "" {
		var seg string
		seg, path, _ = strings.Cut(path, ".")
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
