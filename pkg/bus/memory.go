package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process Bus for tests. It preserves the transport
// contract: per-(topic, group) subscriptions each receive every message,
// delivery is asynchronous and in publish order, and retry-tier
// not-before timestamps are honored (scaled by Speedup for fast tests).
type Memory struct {
	mu      sync.Mutex
	subs    []*memorySubscription
	history []Message
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Speedup divides retry delays; 0 means honor them in full.
	Speedup int
}

type memorySubscription struct {
	topic   string
	group   string
	handler Handler
	ch      chan Message
}

// NewMemory creates an in-memory bus with retry delays divided by 1000,
// which keeps back-off ordering observable without slowing tests.
func NewMemory() *Memory {
	return &Memory{Speedup: 1000}
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := Marshal(payload)
	if err != nil {
		return err
	}
	return m.PublishMessage(ctx, Message{Topic: topic, Key: key, Value: value})
}

// PublishMessage implements Publisher.
func (m *Memory) PublishMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msg)
	for _, sub := range m.subs {
		if sub.topic == msg.Topic {
			select {
			case sub.ch <- msg:
			default:
				slog.Warn("Memory bus subscriber backlog full, dropping",
					"topic", msg.Topic, "group", sub.group)
			}
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(topic, group string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, &memorySubscription{
		topic:   topic,
		group:   group,
		handler: handler,
		ch:      make(chan Message, 1024),
	})
}

// Start implements Bus.
func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, sub := range m.subs {
		m.wg.Add(1)
		go m.deliver(sub)
	}
	return nil
}

func (m *Memory) deliver(sub *memorySubscription) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-sub.ch:
			m.waitNotBefore(msg)
			if err := sub.handler(m.ctx, msg); err != nil {
				slog.Error("Memory bus handler error",
					"topic", msg.Topic, "key", msg.Key, "error", err)
			}
		}
	}
}

func (m *Memory) waitNotBefore(msg Message) {
	if msg.NotBefore.IsZero() {
		return
	}
	delay := time.Until(msg.NotBefore)
	if delay <= 0 {
		return
	}
	if m.Speedup > 0 {
		delay /= time.Duration(m.Speedup)
	}
	select {
	case <-m.ctx.Done():
	case <-time.After(delay):
	}
}

// Close implements Bus.
func (m *Memory) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Published returns a copy of every message published so far, in order.
// Test helper.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.history))
	copy(out, m.history)
	return out
}

// PublishedTo returns the messages published to one topic. Test helper.
func (m *Memory) PublishedTo(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.history {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
