package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	notBefore := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	msg := Message{
		Topic:     "upload-requested.retry",
		Key:       "v1",
		Value:     []byte(`{"videoId":"v1"}`),
		Attempt:   2,
		NotBefore: notBefore,
	}

	got := recordToMessage(messageToRecord(msg))
	assert.Equal(t, msg.Topic, got.Topic)
	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, 2, got.Attempt)
	assert.True(t, notBefore.Equal(got.NotBefore))
}

func TestDelayedRecordKeepsFreshAttemptBudget(t *testing.T) {
	notBefore := time.Date(2026, 8, 25, 12, 1, 0, 0, time.UTC)
	record := messageToRecord(Message{
		Topic:     "upload-requested.retry",
		Key:       "v1",
		NotBefore: notBefore,
	})

	// No attempt header: the consumer-side counter starts at zero even
	// though the delivery is delayed.
	require.Len(t, record.Headers, 1)
	assert.Equal(t, headerNotBefore, record.Headers[0].Key)

	got := recordToMessage(record)
	assert.Equal(t, 0, got.Attempt)
	assert.True(t, notBefore.Equal(got.NotBefore))
}
