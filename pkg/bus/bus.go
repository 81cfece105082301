// Package bus abstracts the message broker between pipeline stages.
// Producers publish keyed messages to named topics; consumers fetch and
// explicitly commit them. The Kafka implementation is used in production,
// the in-memory one in tests.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed producer or consumer.
var ErrClosed = errors.New("bus: closed")

// Message is a single record on a topic. Messages with the same key keep
// their relative order.
type Message struct {
	Topic string
	Key   []byte
	Value []byte

	// inner carries the broker-specific handle needed for commits.
	inner any
}

// Producer publishes messages to topics.
type Producer interface {
	// Publish writes one message. It returns after the broker has
	// acknowledged the write.
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// Consumer delivers messages from a single topic as part of a consumer
// group. A message is redelivered after a restart unless it was committed.
type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	// Commit marks messages as processed. Commit only after downstream
	// effects are durable.
	Commit(ctx context.Context, msgs ...Message) error
	Close() error
}
