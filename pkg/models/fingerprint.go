package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// volatileDataKeys are excluded from the fingerprint so that retransmissions
// of the same logical event hash identically.
var volatileDataKeys = map[string]bool{
	"timestamp":    true,
	"id":           true,
	"sequence_num": true,
	"request_id":   true,
}

// Fingerprint returns a stable hash identifying semantically equivalent
// events. It covers source, event_type and the non-volatile data fields,
// serialized with sorted keys. Used for deduplication and alert throttling.
func (e *Event) Fingerprint() string {
	subset := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if volatileDataKeys[k] {
			continue
		}
		subset[k] = v
	}
	// json.Marshal sorts map keys, which keeps the digest canonical.
	raw, err := json.Marshal(map[string]any{
		"source":     e.Source,
		"event_type": e.EventType,
		"data":       subset,
	})
	if err != nil {
		raw = []byte(e.Source + "\x00" + e.EventType)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Field resolves a dotted path against the event. Top-level names address
// event fields; everything else is tried against data first, then enriched,
// with an explicit "data." or "enriched." prefix taking priority. The
// second return reports whether the path resolved.
func (e *Event) Field(path string) (any, bool) {
	switch path {
	case "id":
		return e.ID, true
	case "source":
		return e.Source, true
	case "event_type":
		return e.EventType, true
	case "timestamp":
		return e.Timestamp, true
	case "vendor":
		return e.Vendor, true
	case "severity":
		return e.Severity, true
	}
	if rest, ok := strings.CutPrefix(path, "data."); ok {
		return lookupOK(e.Data, rest)
	}
	if rest, ok := strings.CutPrefix(path, "enriched."); ok {
		return lookupOK(e.Enriched, rest)
	}
	if v, ok := lookupOK(e.Data, path); ok {
		return v, true
	}
	return lookupOK(e.Enriched, path)
}

func lookupOK(m map[string]any, path string) (any, bool) {
	v := LookupPath(m, path)
	return v, v != nil
}
