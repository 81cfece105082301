package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/libresiem/libresiem/pkg/config"
)

// KafkaProducer publishes to Kafka with gzip compression and full-ISR
// acknowledgement. Messages are partitioned by key hash so every source
// keeps its ordering.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaProducer builds a producer from the Kafka settings. clientSuffix
// distinguishes the owning service in broker logs.
func NewKafkaProducer(cfg config.KafkaSettings, clientSuffix string) (*KafkaProducer, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers()...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: cfg.PublishTimeout,
		Transport:    transport,
	}

	return &KafkaProducer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "client_id", cfg.ClientID(clientSuffix)),
	}, nil
}

// Publish implements Producer.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending batches and releases connections.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads one topic within a consumer group. Offsets are only
// advanced by explicit Commit calls.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewKafkaConsumer builds a group consumer for the topic.
func NewKafkaConsumer(cfg config.KafkaSettings, topic, groupID string) (*KafkaConsumer, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers(),
		Topic:          topic,
		GroupID:        groupID,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       cfg.MaxMessageSize,
		CommitInterval: 0, // synchronous commits
	})

	return &KafkaConsumer{
		reader: r,
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic, "group", groupID),
	}, nil
}

// Fetch implements Consumer.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("fetching from %s: %w", c.reader.Config().Topic, err)
	}
	return Message{Topic: m.Topic, Key: m.Key, Value: m.Value, inner: m}, nil
}

// Commit implements Consumer.
func (c *KafkaConsumer) Commit(ctx context.Context, msgs ...Message) error {
	kmsgs := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km, ok := m.inner.(kafka.Message)
		if !ok {
			return fmt.Errorf("commit of message not fetched from kafka")
		}
		kmsgs = append(kmsgs, km)
	}
	if err := c.reader.CommitMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	return nil
}

// Close leaves the consumer group.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Ping dials the first broker to prove the cluster is reachable. Producers
// and consumers connect lazily, so a bad broker address would otherwise only
// surface on the first publish or fetch.
func Ping(ctx context.Context, cfg config.KafkaSettings) error {
	brokers := cfg.Brokers()
	if len(brokers) == 0 || brokers[0] == "" {
		return fmt.Errorf("no kafka brokers configured")
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dialing kafka broker %s: %w", brokers[0], err)
	}
	return conn.Close()
}

func newTransport(cfg config.KafkaSettings) (*kafka.Transport, error) {
	mechanism, tlsConfig, err := securityConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mechanism == nil && tlsConfig == nil {
		return nil, nil
	}
	return &kafka.Transport{SASL: mechanism, TLS: tlsConfig}, nil
}

func newDialer(cfg config.KafkaSettings) (*kafka.Dialer, error) {
	mechanism, tlsConfig, err := securityConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mechanism,
		TLS:           tlsConfig,
	}, nil
}

// securityConfig maps the SECURITY_PROTOCOL / SASL settings onto kafka-go
// primitives. PLAINTEXT yields nil for both.
func securityConfig(cfg config.KafkaSettings) (sasl.Mechanism, *tls.Config, error) {
	protocol := strings.ToUpper(cfg.SecurityProtocol)

	var mechanism sasl.Mechanism
	if protocol == "SASL_PLAINTEXT" || protocol == "SASL_SSL" {
		var err error
		mechanism, err = saslMechanism(cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	var tlsConfig *tls.Config
	if protocol == "SSL" || protocol == "SASL_SSL" {
		var err error
		tlsConfig, err = tlsFromFiles(cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	return mechanism, tlsConfig, nil
}

func saslMechanism(cfg config.KafkaSettings) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

func tlsFromFiles(cfg config.KafkaSettings) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.SSLCAFile != "" {
		pem, err := os.ReadFile(cfg.SSLCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading kafka CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.SSLCAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.SSLCertFile != "" && cfg.SSLKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading kafka client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
