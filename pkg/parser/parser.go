// Package parser turns raw log lines in known formats into normalized events.
// All functions are stateless and safe for concurrent use.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/libresiem/libresiem/pkg/models"
)

// Supported format names. FormatAuto tries JSON, Apache combined, syslog and
// Palo Alto in that order; the first successful parse wins.
const (
	FormatAuto           = "auto"
	FormatJSON           = "json"
	FormatApacheCombined = "apache_combined"
	FormatSyslog         = "syslog"
	FormatPaloAlto       = "paloalto"
)

// ErrUnparseable is returned when no known format matches a line.
var ErrUnparseable = fmt.Errorf("could not parse log line: no known format matched")

var apacheRe = regexp.MustCompile(
	`^(?P<remote_host>[\w\-.:\[\]]+)\s+(?P<ident>\S+)\s+(?P<user>\S+)\s+\[(?P<timestamp>[^\]]+)\]\s+"(?P<request>[^"]*?)"\s+(?P<status>\d+)\s+(?P<size>\d+|-)\s*(?:"(?P<referrer>[^"]*?)"\s+"(?P<user_agent>[^"]*?)")?$`)

var syslogRe = regexp.MustCompile(
	`^(?P<timestamp>\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?P<host>[\w\-.]+)\s+(?P<program>[\w\-./]+)(?:\[(?P<pid>\d+)\])?:\s+(?P<message>.*)$`)

var paloAltoRe = regexp.MustCompile(
	`^(?P<event_type>\w+),(?P<timestamp>\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}),(?P<serial>[\w\-]+),(?P<type>\w+),(?P<subtype>\w+),(?P<source_ip>[\d.]+),(?P<destination_ip>[\d.]+),(?P<source_port>\d+),(?P<destination_port>\d+),(?P<protocol>\w+)$`)

// timestampKeys are checked in order when lifting a timestamp out of parsed
// JSON data.
var timestampKeys = []string{"timestamp", "@timestamp", "time", "datetime"}

// Parse parses a single raw line into an event using the named format, or
// auto-detection when format is empty or "auto". The returned event carries
// event_type "log" and the caller-supplied source.
func Parse(source, line, format string) (*models.Event, error) {
	return parseAt(source, line, format, time.Now().UTC())
}

// parseAt is the clock-injected implementation, used directly by tests that
// exercise the syslog year rollover.
func parseAt(source, line, format string, now time.Time) (*models.Event, error) {
	switch format {
	case "", FormatAuto:
		if ev, err := parseJSON(source, line, now); err == nil {
			return ev, nil
		}
		if ev, err := parseApache(source, line); err == nil {
			return ev, nil
		}
		if ev, err := parseSyslog(source, line, now); err == nil {
			return ev, nil
		}
		if ev, err := parsePaloAlto(source, line); err == nil {
			return ev, nil
		}
		return nil, ErrUnparseable
	case FormatJSON:
		return parseJSON(source, line, now)
	case FormatApacheCombined:
		return parseApache(source, line)
	case FormatSyslog:
		return parseSyslog(source, line, now)
	case FormatPaloAlto:
		return parsePaloAlto(source, line)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Detect reports the name of the first format that matches the line, or an
// empty string when none does.
func Detect(line string) string {
	if json.Valid([]byte(line)) && strings.HasPrefix(strings.TrimSpace(line), "{") {
		return FormatJSON
	}
	if apacheRe.MatchString(line) {
		return FormatApacheCombined
	}
	if syslogRe.MatchString(line) {
		return FormatSyslog
	}
	if paloAltoRe.MatchString(line) {
		return FormatPaloAlto
	}
	return ""
}

func newEvent(source string, ts time.Time, data map[string]any) *models.Event {
	return &models.Event{
		Source:    source,
		EventType: "log",
		Timestamp: ts,
		Data:      data,
	}
}

func parseJSON(source, line string, now time.Time) (*models.Event, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON log line: %w", err)
	}

	ts := now
	for _, key := range timestampKeys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		if str, ok := raw.(string); ok {
			if parsed, err := parseISOTimestamp(str); err == nil {
				ts = parsed
				delete(data, key)
				break
			}
		}
	}

	// Normalize level/severity casing so downstream matching is predictable.
	for _, key := range []string{"level", "severity"} {
		if v, ok := data[key].(string); ok {
			data[key] = strings.ToLower(v)
		}
	}

	return newEvent(source, ts, data), nil
}

func parseApache(source, line string) (*models.Event, error) {
	m := apacheRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("log line does not match apache_combined format")
	}
	fields := captures(apacheRe, m)

	ts, err := time.Parse("02/Jan/2006:15:04:05 -0700", fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid apache timestamp %q: %w", fields["timestamp"], err)
	}

	data := map[string]any{
		"remote_host": fields["remote_host"],
		"ident":       fields["ident"],
		"user":        fields["user"],
		"request":     fields["request"],
		"status":      mustInt(fields["status"]),
	}
	if fields["size"] == "-" {
		data["size"] = 0
	} else {
		data["size"] = mustInt(fields["size"])
	}
	if fields["referrer"] != "" {
		data["referrer"] = fields["referrer"]
	}
	if fields["user_agent"] != "" {
		data["user_agent"] = fields["user_agent"]
	}

	return newEvent(source, ts, data), nil
}

func parseSyslog(source, line string, now time.Time) (*models.Event, error) {
	m := syslogRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("log line does not match syslog format")
	}
	fields := captures(syslogRe, m)

	// BSD syslog omits the year. Assume the current year unless that would
	// place the line in the future (month greater than now), which means the
	// line is from the previous year.
	ts, err := time.Parse("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", now.Year(), fields["timestamp"]))
	if err != nil {
		return nil, fmt.Errorf("invalid syslog timestamp %q: %w", fields["timestamp"], err)
	}
	if ts.Month() > now.Month() {
		ts = ts.AddDate(-1, 0, 0)
	}

	data := map[string]any{
		"host":    fields["host"],
		"program": fields["program"],
		"message": fields["message"],
	}
	if fields["pid"] != "" {
		data["pid"] = mustInt(fields["pid"])
	}

	return newEvent(source, ts.UTC(), data), nil
}

func parsePaloAlto(source, line string) (*models.Event, error) {
	m := paloAltoRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("log line does not match paloalto format")
	}
	fields := captures(paloAltoRe, m)

	ts, err := time.Parse("2006-01-02 15:04:05", fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid paloalto timestamp %q: %w", fields["timestamp"], err)
	}

	data := map[string]any{
		"event_type":       fields["event_type"],
		"serial":           fields["serial"],
		"type":             fields["type"],
		"subtype":          fields["subtype"],
		"source_ip":        fields["source_ip"],
		"destination_ip":   fields["destination_ip"],
		"source_port":      mustInt(fields["source_port"]),
		"destination_port": mustInt(fields["destination_port"]),
		"protocol":         fields["protocol"],
	}

	return newEvent(source, ts.UTC(), data), nil
}

// parseISOTimestamp accepts RFC3339 with or without sub-second precision,
// plus the common "Z-less" variant.
func parseISOTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func captures(re *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			out[name] = match[i]
		}
	}
	return out
}

func mustInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
