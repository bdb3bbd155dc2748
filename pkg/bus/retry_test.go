package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records publishes without a transport.
type capturePublisher struct {
	messages []Message
	failWith error
}

func (c *capturePublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := Marshal(payload)
	if err != nil {
		return err
	}
	return c.PublishMessage(ctx, Message{Topic: topic, Key: key, Value: value})
}

func (c *capturePublisher) PublishMessage(_ context.Context, msg Message) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, msg)
	return nil
}

func TestRetrierSuccessPassesThrough(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRetrier(pub, DefaultRetryPolicy())

	h := r.Wrap(func(_ context.Context, _ Message) error { return nil })
	require.NoError(t, h(context.Background(), Message{Topic: TopicScriptCreated, Key: "v1"}))
	assert.Empty(t, pub.messages)
}

func TestRetrierSchedulesRetryWithBackoff(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRetrier(pub, RetryPolicy{MaxAttempts: 3, Delay: time.Minute, Multiplier: 2})

	h := r.Wrap(func(_ context.Context, _ Message) error { return errors.New("boom") })
	before := time.Now()
	require.NoError(t, h(context.Background(), Message{
		Topic: TopicScriptCreated, Key: "v1", Value: []byte(`{}`),
	}))

	require.Len(t, pub.messages, 1)
	retry := pub.messages[0]
	assert.Equal(t, RetryTopic(TopicScriptCreated), retry.Topic)
	assert.Equal(t, 1, retry.Attempt)
	assert.WithinDuration(t, before.Add(time.Minute), retry.NotBefore, 2*time.Second)

	// Second failure, from the retry topic: delay doubles
	require.NoError(t, h(context.Background(), retry))
	require.Len(t, pub.messages, 2)
	second := pub.messages[1]
	assert.Equal(t, RetryTopic(TopicScriptCreated), second.Topic)
	assert.Equal(t, 2, second.Attempt)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), second.NotBefore, 2*time.Second)
}

func TestRetrierDeadLettersAfterExhaustion(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRetrier(pub, RetryPolicy{MaxAttempts: 3, Delay: time.Minute, Multiplier: 2})

	var dltMsg *Message
	r.OnDeadLetter(func(_ context.Context, msg Message, reason string) {
		dltMsg = &msg
		assert.Contains(t, reason, "boom")
	})

	h := r.Wrap(func(_ context.Context, _ Message) error { return errors.New("boom") })
	exhausted := Message{
		Topic:   RetryTopic(TopicScriptCreated),
		Key:     "v1",
		Value:   []byte(`{"videoId":"v1"}`),
		Attempt: 2, // third delivery
	}
	require.NoError(t, h(context.Background(), exhausted))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, TopicDeadLetter, pub.messages[0].Topic)

	var event DeadLetterEvent
	require.NoError(t, pub.messages[0].Decode(&event))
	assert.Equal(t, TopicScriptCreated, event.Topic)
	assert.Equal(t, 3, event.Attempts)
	assert.Contains(t, event.Reason, "boom")

	require.NotNil(t, dltMsg)
	assert.Equal(t, "v1", dltMsg.Key)
}

func TestRetrierDeadLettersWhenRetryPublishFails(t *testing.T) {
	pub := &capturePublisher{failWith: errors.New("broker down")}
	r := NewRetrier(pub, DefaultRetryPolicy())

	called := false
	r.OnDeadLetter(func(_ context.Context, _ Message, _ string) { called = true })

	h := r.Wrap(func(_ context.Context, _ Message) error { return errors.New("boom") })
	require.NoError(t, h(context.Background(), Message{Topic: TopicScriptCreated, Key: "v1"}))
	assert.True(t, called)
}

func TestBackoffProgression(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: 60 * time.Second, Multiplier: 2}
	assert.Equal(t, 60*time.Second, p.Backoff(0))
	assert.Equal(t, 120*time.Second, p.Backoff(1))
	assert.Equal(t, 240*time.Second, p.Backoff(2))
}
