package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apacheLine = `127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 200 2326 "http://www.example.com/start.html" "Mozilla/4.08 [en] (Win98; I ;Nav)"`

func TestParseApacheCombined(t *testing.T) {
	ev, err := Parse("apache", apacheLine, FormatApacheCombined)
	require.NoError(t, err)

	assert.Equal(t, "apache", ev.Source)
	assert.Equal(t, "log", ev.EventType)
	assert.Equal(t, "127.0.0.1", ev.Data["remote_host"])
	assert.Equal(t, "frank", ev.Data["user"])
	assert.Equal(t, "GET /apache_pb.gif HTTP/1.0", ev.Data["request"])
	assert.Equal(t, 200, ev.Data["status"])
	assert.Equal(t, 2326, ev.Data["size"])
	assert.Equal(t, "http://www.example.com/start.html", ev.Data["referrer"])

	// Offset must be preserved: 13:55:36 -0700 is 20:55:36 UTC.
	assert.Equal(t, time.Date(2000, 10, 10, 20, 55, 36, 0, time.UTC), ev.Timestamp.UTC())
}

func TestParseApacheWithoutReferrer(t *testing.T) {
	line := `10.1.2.3 - - [10/Oct/2000:13:55:36 +0000] "POST /login HTTP/1.1" 401 0`
	ev, err := Parse("apache", line, FormatApacheCombined)
	require.NoError(t, err)
	assert.Equal(t, 401, ev.Data["status"])
	assert.NotContains(t, ev.Data, "referrer")
}

func TestParseSyslog(t *testing.T) {
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)

	t.Run("basic line with pid", func(t *testing.T) {
		ev, err := parseAt("syslog", "Feb  5 12:23:09 myhost sshd[123]: Failed password for root", FormatSyslog, now)
		require.NoError(t, err)
		assert.Equal(t, "myhost", ev.Data["host"])
		assert.Equal(t, "sshd", ev.Data["program"])
		assert.Equal(t, 123, ev.Data["pid"])
		assert.Equal(t, "Failed password for root", ev.Data["message"])
		assert.Equal(t, 2026, ev.Timestamp.Year())
	})

	t.Run("year rollover", func(t *testing.T) {
		jan1 := time.Date(2026, time.January, 1, 0, 0, 5, 0, time.UTC)
		ev, err := parseAt("syslog", "Dec 31 23:59:59 host prog[1]: last", FormatSyslog, jan1)
		require.NoError(t, err)
		assert.Equal(t, 2025, ev.Timestamp.Year())
		assert.Equal(t, time.December, ev.Timestamp.Month())
	})

	t.Run("no pid", func(t *testing.T) {
		ev, err := parseAt("syslog", "Mar 10 01:02:03 web nginx: reload", FormatSyslog, now)
		require.NoError(t, err)
		assert.Equal(t, "nginx", ev.Data["program"])
		assert.NotContains(t, ev.Data, "pid")
	})
}

func TestParseJSON(t *testing.T) {
	t.Run("with timestamp", func(t *testing.T) {
		line := `{"timestamp":"2024-02-05T14:11:05Z","severity":"HIGH","src_ip":"10.0.0.1"}`
		ev, err := Parse("suricata", line, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 2, 5, 14, 11, 5, 0, time.UTC), ev.Timestamp.UTC())
		assert.Equal(t, "high", ev.Data["severity"])
		assert.Equal(t, "10.0.0.1", ev.Data["src_ip"])
		assert.NotContains(t, ev.Data, "timestamp")
	})

	t.Run("timestamp synthesized when missing", func(t *testing.T) {
		ev, err := Parse("app", `{"msg":"hello"}`, FormatJSON)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, 5*time.Second)
	})

	t.Run("alternate timestamp key", func(t *testing.T) {
		ev, err := Parse("app", `{"@timestamp":"2024-01-01T00:00:00Z","m":1}`, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, 2024, ev.Timestamp.Year())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := Parse("app", "not json", FormatJSON)
		assert.Error(t, err)
	})
}

func TestParsePaloAlto(t *testing.T) {
	line := "traffic,2024-02-05 14:11:05,001234567890,traffic,end,10.0.0.1,192.168.1.1,1234,80,TCP"
	ev, err := Parse("paloalto", line, FormatPaloAlto)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ev.Data["source_ip"])
	assert.Equal(t, "192.168.1.1", ev.Data["destination_ip"])
	assert.Equal(t, 80, ev.Data["destination_port"])
	assert.Equal(t, "TCP", ev.Data["protocol"])
}

func TestAutoDetection(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		format string
	}{
		{"json", `{"event":"x"}`, FormatJSON},
		{"apache", apacheLine, FormatApacheCombined},
		{"syslog", "Feb  5 12:23:09 myhost program[123]: Sample log message", FormatSyslog},
		{"paloalto", "traffic,2024-02-05 14:11:05,001234567890,traffic,end,10.0.0.1,192.168.1.1,1234,80,TCP", FormatPaloAlto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.format, Detect(tt.line))
			ev, err := Parse("src", tt.line, FormatAuto)
			require.NoError(t, err)
			assert.Equal(t, "src", ev.Source)
		})
	}

	t.Run("unparseable line", func(t *testing.T) {
		_, err := Parse("src", "### garbage that matches nothing ###", FormatAuto)
		assert.ErrorIs(t, err, ErrUnparseable)
		assert.Empty(t, Detect("### garbage that matches nothing ###"))
	})

	t.Run("unknown format name", func(t *testing.T) {
		_, err := Parse("src", "anything", "cef")
		assert.Error(t, err)
	})
}
