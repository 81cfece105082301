// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the umbrella configuration object shared by all services.
type Settings struct {
	ServiceName string
	LogLevel    string

	Collector     CollectorSettings
	Kafka         KafkaSettings
	Redis         RedisSettings
	Elasticsearch ElasticsearchSettings
	Auth          AuthSettings
	RateLimit     RateLimitSettings
	Database      DatabaseSettings
	Rules         RulesSettings
	Response      ResponseSettings
	Notifications NotificationSettings
}

// CollectorSettings configures the HTTP ingestion service.
type CollectorSettings struct {
	Host           string
	Port           int
	AllowedOrigins []string

	// WebhookURLs receive a signed copy of every accepted event.
	WebhookURLs   []string
	WebhookSecret string
}

// Addr returns the listen address for the collector HTTP server.
func (c CollectorSettings) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaSettings configures the message bus connection and topic names.
type KafkaSettings struct {
	BootstrapServers string
	ClientIDPrefix   string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	SSLCAFile        string
	SSLCertFile      string
	SSLKeyFile       string

	RawLogsTopic      string
	EnrichedLogsTopic string
	AlertsTopic       string
	DeadLetterTopic   string

	PublishTimeout time.Duration
	MaxMessageSize int
}

// Brokers returns the bootstrap servers as a list.
func (k KafkaSettings) Brokers() []string {
	return strings.Split(k.BootstrapServers, ",")
}

// ClientID builds a client identifier for a component.
func (k KafkaSettings) ClientID(suffix string) string {
	return k.ClientIDPrefix + "-" + suffix
}

// RedisSettings configures the shared cache used for rate limiting,
// login lockout and alert throttling.
type RedisSettings struct {
	URL            string
	MaxConnections int
}

// ElasticsearchSettings configures the index store.
type ElasticsearchSettings struct {
	Hosts       []string
	Username    string
	Password    string
	SSLVerify   bool
	IndexPrefix string
}

// AuthSettings configures token issuing and verification.
type AuthSettings struct {
	JWTSecretKey       string
	JWTAlgorithm       string
	AccessTokenExpiry  time.Duration
	MaxLoginFailures   int
	LoginFailureWindow time.Duration
}

// RateLimitSettings configures the ingestion quotas. Each quota is a
// counter of N operations per window.
type RateLimitSettings struct {
	DefaultTimes   int
	DefaultSeconds int
	BatchTimes     int
	BatchSeconds   int
	EventTimes     int
	EventSeconds   int
	LoginTimes     int
	LoginSeconds   int
}

// DatabaseSettings configures the Postgres connection for the user store
// and the playbook run log.
type DatabaseSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns a pgx-compatible connection string.
func (d DatabaseSettings) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RulesSettings locates detection rules, playbooks and enrichment data.
type RulesSettings struct {
	RulesDir     string
	PlaybooksDir string
	GeoIPDBPath  string

	// ThreatIntelPath is a file of known-bad addresses, one per line.
	// Empty disables the enricher.
	ThreatIntelPath string

	DedupWindow time.Duration
	DedupSize   int
}

// ResponseSettings configures the playbook action drivers.
type ResponseSettings struct {
	TheHiveURL    string
	TheHiveAPIKey string
	CortexURL     string
	CortexAPIKey  string

	// ScriptsDir confines the script driver; playbooks can only run
	// executables below it.
	ScriptsDir string

	// AnsibleBinary is the ansible-playbook executable to invoke.
	AnsibleBinary string
}

// NotificationSettings configures the alert dispatcher channels.
type NotificationSettings struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string

	SlackToken   string
	SlackChannel string

	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string
	WebhookURL        string
	WebhookSecret     string
}

// Load reads settings from the environment, applying defaults for every
// option that has one. Call Validate before using the result.
func Load() (*Settings, error) {
	s := &Settings{
		ServiceName: getEnv("SERVICE_NAME", "libresiem"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		Collector: CollectorSettings{
			Host:           getEnv("COLLECTOR_HOST", "0.0.0.0"),
			Port:           getEnvInt("COLLECTOR_PORT", 8000),
			AllowedOrigins: splitNonEmpty(getEnv("CORS_ALLOWED_ORIGINS", "")),
			WebhookURLs:    splitNonEmpty(getEnv("EVENT_WEBHOOK_URLS", "")),
			WebhookSecret:  os.Getenv("EVENT_WEBHOOK_SECRET"),
		},
		Kafka: KafkaSettings{
			BootstrapServers:  getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
			ClientIDPrefix:    getEnv("KAFKA_CLIENT_ID_PREFIX", "libresiem"),
			SecurityProtocol:  getEnv("KAFKA_SECURITY_PROTOCOL", "PLAINTEXT"),
			SASLMechanism:     os.Getenv("KAFKA_SASL_MECHANISM"),
			SASLUsername:      os.Getenv("KAFKA_SASL_USERNAME"),
			SASLPassword:      os.Getenv("KAFKA_SASL_PASSWORD"),
			SSLCAFile:         os.Getenv("KAFKA_SSL_CAFILE"),
			SSLCertFile:       os.Getenv("KAFKA_SSL_CERTFILE"),
			SSLKeyFile:        os.Getenv("KAFKA_SSL_KEYFILE"),
			RawLogsTopic:      getEnv("RAW_LOGS_TOPIC", "raw_logs"),
			EnrichedLogsTopic: getEnv("ENRICHED_LOGS_TOPIC", "enriched_logs"),
			AlertsTopic:       getEnv("ALERTS_TOPIC", "alerts"),
			DeadLetterTopic:   getEnv("DEAD_LETTER_TOPIC", "dead_letter"),
			PublishTimeout:    getEnvDuration("KAFKA_PUBLISH_TIMEOUT", 10*time.Second),
			MaxMessageSize:    getEnvInt("KAFKA_MAX_MESSAGE_BYTES", 1<<20),
		},
		Redis: RedisSettings{
			URL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
			MaxConnections: getEnvInt("REDIS_MAX_CONNECTIONS", 10),
		},
		Elasticsearch: ElasticsearchSettings{
			Hosts:       splitNonEmpty(getEnv("ES_HOSTS", "http://localhost:9200")),
			Username:    os.Getenv("ES_USERNAME"),
			Password:    os.Getenv("ES_PASSWORD"),
			SSLVerify:   getEnvBool("ES_SSL_VERIFY", true),
			IndexPrefix: getEnv("ES_INDEX_PREFIX", "logs"),
		},
		Auth: AuthSettings{
			JWTSecretKey:       os.Getenv("JWT_SECRET_KEY"),
			JWTAlgorithm:       getEnv("JWT_ALGORITHM", "HS256"),
			AccessTokenExpiry:  time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
			MaxLoginFailures:   getEnvInt("MAX_LOGIN_FAILURES", 5),
			LoginFailureWindow: getEnvDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute),
		},
		RateLimit: RateLimitSettings{
			DefaultTimes:   getEnvInt("RATE_LIMIT_DEFAULT_TIMES", 100),
			DefaultSeconds: getEnvInt("RATE_LIMIT_DEFAULT_SECONDS", 60),
			BatchTimes:     getEnvInt("RATE_LIMIT_BATCH_TIMES", 10),
			BatchSeconds:   getEnvInt("RATE_LIMIT_BATCH_SECONDS", 60),
			EventTimes:     getEnvInt("RATE_LIMIT_EVENT_TIMES", 5000),
			EventSeconds:   getEnvInt("RATE_LIMIT_EVENT_SECONDS", 60),
			LoginTimes:     getEnvInt("RATE_LIMIT_LOGIN_TIMES", 5),
			LoginSeconds:   getEnvInt("RATE_LIMIT_LOGIN_SECONDS", 60),
		},
		Database: DatabaseSettings{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "libresiem"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnv("DB_NAME", "libresiem"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Rules: RulesSettings{
			RulesDir:        getEnv("RULES_DIR", "./rules"),
			PlaybooksDir:    getEnv("PLAYBOOKS_DIR", "./playbooks"),
			GeoIPDBPath:     getEnv("GEOIP_DB_PATH", "GeoLite2-City.mmdb"),
			ThreatIntelPath: os.Getenv("THREAT_INTEL_PATH"),
			DedupWindow:     getEnvDuration("DEDUP_WINDOW", 5*time.Minute),
			DedupSize:       getEnvInt("DEDUP_CACHE_SIZE", 100000),
		},
		Response: ResponseSettings{
			TheHiveURL:    os.Getenv("THEHIVE_URL"),
			TheHiveAPIKey: os.Getenv("THEHIVE_API_KEY"),
			CortexURL:     os.Getenv("CORTEX_URL"),
			CortexAPIKey:  os.Getenv("CORTEX_API_KEY"),
			ScriptsDir:    getEnv("SCRIPTS_DIR", "./scripts"),
			AnsibleBinary: getEnv("ANSIBLE_BINARY", "ansible-playbook"),
		},
		Notifications: NotificationSettings{
			SMTPHost:          getEnv("SMTP_HOST", "localhost"),
			SMTPPort:          getEnvInt("SMTP_PORT", 587),
			SMTPUsername:      os.Getenv("SMTP_USERNAME"),
			SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
			EmailFrom:         os.Getenv("EMAIL_FROM"),
			EmailTo:           os.Getenv("EMAIL_TO"),
			SlackToken:        os.Getenv("SLACK_TOKEN"),
			SlackChannel:      os.Getenv("SLACK_CHANNEL"),
			DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
			TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
			WebhookURL:        os.Getenv("ALERT_WEBHOOK_URL"),
			WebhookSecret:     os.Getenv("ALERT_WEBHOOK_SECRET"),
		},
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings that have no safe default. Services call this at
// startup and exit non-zero on failure.
func (s *Settings) Validate() error {
	if s.Auth.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if s.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q (only HS256 is supported)", s.Auth.JWTAlgorithm)
	}
	if s.Collector.Port < 1 || s.Collector.Port > 65535 {
		return fmt.Errorf("COLLECTOR_PORT %d out of range", s.Collector.Port)
	}
	if len(s.Elasticsearch.Hosts) == 0 {
		return fmt.Errorf("ES_HOSTS must not be empty")
	}
	for _, q := range []struct {
		name          string
		times, window int
	}{
		{"default", s.RateLimit.DefaultTimes, s.RateLimit.DefaultSeconds},
		{"batch", s.RateLimit.BatchTimes, s.RateLimit.BatchSeconds},
		{"event", s.RateLimit.EventTimes, s.RateLimit.EventSeconds},
		{"login", s.RateLimit.LoginTimes, s.RateLimit.LoginSeconds},
	} {
		if q.times < 1 || q.window < 1 {
			return fmt.Errorf("rate limit %q must have positive times and seconds", q.name)
		}
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToUpper(s.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default",
			"key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default",
			"key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
