package bus

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// RetryPolicy bounds bus-level redelivery for a topic.
type RetryPolicy struct {
	// MaxAttempts is the total number of handler invocations before the
	// message is dead-lettered (first delivery included).
	MaxAttempts int

	// Delay is the back-off before the first redelivery.
	Delay time.Duration

	// Multiplier scales the delay per additional attempt.
	Multiplier float64
}

// DefaultRetryPolicy matches the stage workers' tiers: 3 attempts,
// 60s base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 60 * time.Second, Multiplier: 2}
}

// Backoff returns the delay before redelivering a message that has
// already been attempted `attempt + 1` times.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Delay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}

// Retrier decorates handlers with the per-topic retry tier and the
// dead-letter sink. A handler error republishes the message onto
// "<topic>.retry" with an incremented attempt counter and a not-before
// timestamp; exhausted messages go to the dead-letter topic.
type Retrier struct {
	pub    Publisher
	policy RetryPolicy

	// dlt is an optional callback invoked after a dead-letter publish,
	// used by DLT handlers to mark the job failed.
	dlt func(ctx context.Context, msg Message, reason string)
}

// NewRetrier creates a retrier publishing through pub.
func NewRetrier(pub Publisher, policy RetryPolicy) *Retrier {
	return &Retrier{pub: pub, policy: policy}
}

// OnDeadLetter registers a callback invoked when a message is
// dead-lettered. The callback runs after the dead-letter publish.
func (r *Retrier) OnDeadLetter(fn func(ctx context.Context, msg Message, reason string)) {
	r.dlt = fn
}

// Wrap returns a handler that applies the retry policy around h.
// The wrapped handler itself never returns an error: redelivery is done
// through the retry topic, not through transport-level re-polling, so a
// poisoned message cannot wedge its partition.
func (r *Retrier) Wrap(h Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		err := h(ctx, msg)
		if err == nil {
			return nil
		}

		baseTopic := strings.TrimSuffix(msg.Topic, ".retry")

		nextAttempt := msg.Attempt + 1
		if nextAttempt >= r.policy.MaxAttempts {
			slog.Error("Message exhausted retries, dead-lettering",
				"topic", baseTopic, "key", msg.Key,
				"attempts", nextAttempt, "error", err)
			r.deadLetter(ctx, msg, baseTopic, nextAttempt, err)
			return nil
		}

		retry := Message{
			Topic:     RetryTopic(baseTopic),
			Key:       msg.Key,
			Value:     msg.Value,
			Attempt:   nextAttempt,
			NotBefore: time.Now().Add(r.policy.Backoff(msg.Attempt)),
		}
		if pubErr := r.pub.PublishMessage(ctx, retry); pubErr != nil {
			slog.Error("Failed to publish retry message, dead-lettering",
				"topic", baseTopic, "key", msg.Key, "error", pubErr)
			r.deadLetter(ctx, msg, baseTopic, nextAttempt, err)
			return nil
		}

		slog.Warn("Message handler failed, scheduled retry",
			"topic", baseTopic, "key", msg.Key,
			"attempt", nextAttempt, "error", err)
		return nil
	}
}

func (r *Retrier) deadLetter(ctx context.Context, msg Message, baseTopic string, attempts int, cause error) {
	event := DeadLetterEvent{
		Topic:    baseTopic,
		Key:      msg.Key,
		Reason:   cause.Error(),
		Attempts: attempts,
		Payload:  msg.Value,
	}
	if err := r.pub.Publish(ctx, TopicDeadLetter, msg.Key, event); err != nil {
		slog.Error("Failed to publish dead-letter event",
			"topic", baseTopic, "key", msg.Key, "error", err)
	}
	if r.dlt != nil {
		r.dlt(ctx, msg, cause.Error())
	}
}
