// Package bus provides the durable topic transport between pipeline
// workers: a Kafka/Redpanda implementation for production and an
// in-memory implementation for tests.
//
// Delivery is at-least-once. Per-job ordering comes from keying every
// record on the job's correlation id so it lands on one partition;
// idempotency is the consumer's responsibility (a redelivered event
// performs a stage claim that fails cheaply).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivered record.
type Message struct {
	Topic string
	Key   string
	Value []byte

	// Attempt counts retry-tier redeliveries; 0 on first delivery.
	Attempt int

	// NotBefore is the earliest processing time for retry-tier messages.
	// Zero for first deliveries.
	NotBefore time.Time
}

// Decode unmarshals the message payload into v, tolerating unknown fields.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one message. A non-nil error requests redelivery
// through the retry tier (see Retrier).
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes records onto topics.
type Publisher interface {
	// Publish marshals payload to JSON and produces it keyed by key.
	Publish(ctx context.Context, topic, key string, payload any) error

	// PublishMessage produces a fully-formed message, preserving attempt
	// and not-before metadata. Used by the retry tier.
	PublishMessage(ctx context.Context, msg Message) error
}

// Bus is a Publisher plus consumer-group subscriptions.
type Bus interface {
	Publisher

	// Subscribe registers a handler for the topic within a consumer group.
	// Must be called before Start.
	Subscribe(topic, group string, handler Handler)

	// Start begins consuming. It does not block.
	Start(ctx context.Context) error

	// Close stops polling and waits for in-flight handlers to return.
	Close()
}

// Marshal renders a payload the way Publish does. Exposed for tests.
func Marshal(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}
