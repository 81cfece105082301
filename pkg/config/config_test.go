package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", s.Collector.Host)
	assert.Equal(t, 8000, s.Collector.Port)
	assert.Equal(t, []string{"localhost:9092"}, s.Kafka.Brokers())
	assert.Equal(t, "raw_logs", s.Kafka.RawLogsTopic)
	assert.Equal(t, "enriched_logs", s.Kafka.EnrichedLogsTopic)
	assert.Equal(t, "alerts", s.Kafka.AlertsTopic)
	assert.Equal(t, "redis://localhost:6379/0", s.Redis.URL)
	assert.Equal(t, []string{"http://localhost:9200"}, s.Elasticsearch.Hosts)
	assert.Equal(t, "logs", s.Elasticsearch.IndexPrefix)
	assert.Equal(t, 30*time.Minute, s.Auth.AccessTokenExpiry)
	assert.Equal(t, 5, s.Auth.MaxLoginFailures)
	assert.Equal(t, 15*time.Minute, s.Auth.LoginFailureWindow)
	assert.Equal(t, 5*time.Minute, s.Rules.DedupWindow)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("COLLECTOR_PORT", "9000")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092,k2:9092")
	t.Setenv("RAW_LOGS_TOPIC", "siem.raw")
	t.Setenv("RATE_LIMIT_BATCH_TIMES", "3")
	t.Setenv("ES_HOSTS", "https://es1:9200,https://es2:9200")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "5")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, s.Collector.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Kafka.Brokers())
	assert.Equal(t, "siem.raw", s.Kafka.RawLogsTopic)
	assert.Equal(t, 3, s.RateLimit.BatchTimes)
	assert.Len(t, s.Elasticsearch.Hosts, 2)
	assert.Equal(t, 5*time.Minute, s.Auth.AccessTokenExpiry)
}

func TestValidate(t *testing.T) {
	t.Run("missing JWT secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET_KEY", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
	})

	t.Run("unsupported JWT algorithm", func(t *testing.T) {
		t.Setenv("JWT_SECRET_KEY", "s")
		t.Setenv("JWT_ALGORITHM", "RS256")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_ALGORITHM")
	})

	t.Run("bad rate limit", func(t *testing.T) {
		t.Setenv("JWT_SECRET_KEY", "s")
		t.Setenv("RATE_LIMIT_DEFAULT_TIMES", "0")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limit")
	})

	t.Run("invalid integer falls back to default", func(t *testing.T) {
		t.Setenv("JWT_SECRET_KEY", "s")
		t.Setenv("COLLECTOR_PORT", "not-a-port")
		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8000, s.Collector.Port)
	})
}

func TestKafkaClientID(t *testing.T) {
	k := KafkaSettings{ClientIDPrefix: "libresiem"}
	assert.Equal(t, "libresiem-collector", k.ClientID("collector"))
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseSettings{
		Host: "db", Port: 5432, User: "u", Password: "p",
		Database: "siem", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=siem sslmode=disable", d.DSN())
}
