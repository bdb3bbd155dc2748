package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishAndSubscribe(t *testing.T) {
	m := NewMemory()

	var mu sync.Mutex
	var received []Message
	m.Subscribe(TopicScriptCreated, "assets-worker", func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	err := m.Publish(context.Background(), TopicScriptCreated, "vid-1",
		ScriptCreatedEvent{ChannelID: "ch", VideoID: "vid-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "vid-1", received[0].Key)

	var event ScriptCreatedEvent
	require.NoError(t, received[0].Decode(&event))
	assert.Equal(t, "ch", event.ChannelID)
}

func TestMemoryEachGroupReceivesCopy(t *testing.T) {
	m := NewMemory()

	var count1, count2 int
	var mu sync.Mutex
	m.Subscribe(TopicVideoUploaded, "notify", func(_ context.Context, _ Message) error {
		mu.Lock()
		count1++
		mu.Unlock()
		return nil
	})
	m.Subscribe(TopicVideoUploaded, "audit", func(_ context.Context, _ Message) error {
		mu.Lock()
		count2++
		mu.Unlock()
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.NoError(t, m.Publish(context.Background(), TopicVideoUploaded, "vid-1",
		VideoUploadedEvent{ChannelID: "ch", VideoID: "vid-1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count1 == 1 && count2 == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryPublishedInspection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, TopicUploadRequested, "a", UploadRequestedEvent{VideoID: "a"}))
	require.NoError(t, m.Publish(ctx, TopicUploadFailed, "b", UploadFailedEvent{VideoID: "b"}))
	require.NoError(t, m.Publish(ctx, TopicUploadRequested, "c", UploadRequestedEvent{VideoID: "c"}))

	assert.Len(t, m.Published(), 3)
	requested := m.PublishedTo(TopicUploadRequested)
	require.Len(t, requested, 2)
	assert.Equal(t, "a", requested[0].Key)
	assert.Equal(t, "c", requested[1].Key)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	msg := Message{
		Topic: TopicUploadFailed,
		Value: []byte(`{"channelId":"ch","videoId":"v","reason":"500","retryCount":1,"futureField":{"x":1}}`),
	}
	var event UploadFailedEvent
	require.NoError(t, msg.Decode(&event))
	assert.Equal(t, 1, event.RetryCount)
	assert.Equal(t, "500", event.Reason)
}

func TestRetryTopicNaming(t *testing.T) {
	assert.Equal(t, "upload-requested.retry", RetryTopic(TopicUploadRequested))
}
