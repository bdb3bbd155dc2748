package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record headers carrying retry-tier metadata.
const (
	headerAttempt   = "attempt"
	headerNotBefore = "not_before"
)

// Kafka is the production Bus backed by Kafka/Redpanda through franz-go.
// One producer client is shared; each subscription gets its own
// consumer-group client so partition assignment stays per-topic.
type Kafka struct {
	brokers  []string
	producer *kgo.Client

	mu      sync.Mutex
	subs    []kafkaSubscription
	clients []*kgo.Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type kafkaSubscription struct {
	topic   string
	group   string
	handler Handler
}

// NewKafka creates the producer client and verifies broker reachability
// lazily (the first produce dials).
func NewKafka(brokers []string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Kafka{brokers: brokers, producer: producer}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := Marshal(payload)
	if err != nil {
		return err
	}
	return k.PublishMessage(ctx, Message{Topic: topic, Key: key, Value: value})
}

// PublishMessage implements Publisher.
func (k *Kafka) PublishMessage(ctx context.Context, msg Message) error {
	if err := k.producer.ProduceSync(ctx, messageToRecord(msg)).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// messageToRecord maps retry metadata onto record headers. Attempt and
// NotBefore travel independently: a scheduled-delay message may carry a
// fresh attempt budget.
func messageToRecord(msg Message) *kgo.Record {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	if msg.Attempt > 0 {
		record.Headers = append(record.Headers,
			kgo.RecordHeader{Key: headerAttempt, Value: []byte(strconv.Itoa(msg.Attempt))})
	}
	if !msg.NotBefore.IsZero() {
		record.Headers = append(record.Headers,
			kgo.RecordHeader{Key: headerNotBefore, Value: []byte(msg.NotBefore.Format(time.RFC3339Nano))})
	}
	return record
}

// Subscribe implements Bus. Must be called before Start.
func (k *Kafka) Subscribe(topic, group string, handler Handler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.subs = append(k.subs, kafkaSubscription{topic: topic, group: group, handler: handler})
}

// Start implements Bus: one consumer client and poll loop per
// subscription. Offsets are committed per record after the handler
// returns, giving at-least-once delivery.
func (k *Kafka) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return nil
	}
	k.started = true

	ctx, k.cancel = context.WithCancel(ctx)
	for _, sub := range k.subs {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(k.brokers...),
			kgo.ConsumerGroup(sub.group),
			kgo.ConsumeTopics(sub.topic),
			kgo.DisableAutoCommit(),
		)
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", sub.topic, err)
		}
		k.clients = append(k.clients, client)

		k.wg.Add(1)
		go k.consume(ctx, client, sub)
	}

	slog.Info("Kafka bus started", "subscriptions", len(k.subs))
	return nil
}

func (k *Kafka) consume(ctx context.Context, client *kgo.Client, sub kafkaSubscription) {
	defer k.wg.Done()
	log := slog.With("topic", sub.topic, "group", sub.group)
	log.Info("Consumer started")

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			log.Info("Consumer shutting down")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error("Fetch error", "partition", partition, "error", err)
		})

		// Records within a partition are processed serially and committed
		// one by one; a crash redelivers at most the in-flight record.
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				msg := recordToMessage(record)
				if !k.waitUntil(ctx, msg.NotBefore) {
					return
				}
				if err := sub.handler(ctx, msg); err != nil {
					// Handlers are wrapped by Retrier; an error here means
					// the retry publish itself failed. Log and move on —
					// the message is already persisted upstream.
					log.Error("Handler error", "key", msg.Key, "error", err)
				}
				if err := client.CommitRecords(ctx, record); err != nil {
					log.Error("Commit failed", "key", msg.Key, "error", err)
				}
			}
		})
	}
}

// waitUntil blocks until t (for retry-tier messages) or shutdown.
// Returns false when the context ended first.
func (k *Kafka) waitUntil(ctx context.Context, t time.Time) bool {
	if t.IsZero() {
		return true
	}
	delay := time.Until(t)
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close implements Bus.
func (k *Kafka) Close() {
	k.mu.Lock()
	cancel := k.cancel
	clients := k.clients
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, client := range clients {
		client.Close()
	}
	k.wg.Wait()
	k.producer.Close()
	slog.Info("Kafka bus closed")
}

func recordToMessage(record *kgo.Record) Message {
	msg := Message{
		Topic: record.Topic,
		Key:   string(record.Key),
		Value: record.Value,
	}
	for _, h := range record.Headers {
		switch h.Key {
		case headerAttempt:
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				msg.Attempt = n
			}
		case headerNotBefore:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				msg.NotBefore = ts
			}
		}
	}
	return msg
}
