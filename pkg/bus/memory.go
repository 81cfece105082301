package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process broker used by tests and local development.
// Each topic is a single ordered stream, which trivially preserves per-key
// ordering.
type MemoryBus struct {
	mu        sync.Mutex
	topics    map[string]chan Message
	published map[string][]Message
	closed    bool
}

// NewMemoryBus creates an empty broker.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:    make(map[string]chan Message),
		published: make(map[string][]Message),
	}
}

func (b *MemoryBus) topic(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, 1024)
		b.topics[name] = ch
	}
	return ch
}

// Messages returns a copy of everything published to the topic so far.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[topic]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Producer returns a Producer backed by this broker.
func (b *MemoryBus) Producer() *MemoryProducer {
	return &MemoryProducer{bus: b}
}

// Consumer returns a Consumer for the topic. Unlike Kafka groups, every
// consumer created for the same topic competes for the same stream.
func (b *MemoryBus) Consumer(topic string) *MemoryConsumer {
	return &MemoryConsumer{bus: b, topicName: topic}
}

// MemoryProducer implements Producer against a MemoryBus.
type MemoryProducer struct {
	bus    *MemoryBus
	mu     sync.Mutex
	closed bool
}

// Publish implements Producer.
func (p *MemoryProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	msg := Message{
		Topic: topic,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	}

	p.bus.mu.Lock()
	p.bus.published[topic] = append(p.bus.published[topic], msg)
	p.bus.mu.Unlock()

	select {
	case p.bus.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Producer.
func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// MemoryConsumer implements Consumer against a MemoryBus.
type MemoryConsumer struct {
	bus       *MemoryBus
	topicName string

	mu        sync.Mutex
	committed []Message
	closed    bool
}

// Fetch implements Consumer.
func (c *MemoryConsumer) Fetch(ctx context.Context) (Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.mu.Unlock()

	select {
	case msg := <-c.bus.topic(c.topicName):
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Commit implements Consumer. Committed messages are recorded so tests can
// assert on at-least-once boundaries.
func (c *MemoryConsumer) Commit(_ context.Context, msgs ...Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.committed = append(c.committed, msgs...)
	return nil
}

// Committed returns every message committed so far.
func (c *MemoryConsumer) Committed() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.committed))
	copy(out, c.committed)
	return out
}

// Close implements Consumer.
func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
