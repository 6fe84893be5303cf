package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/models"
)

// fakeBroker is an in-process stand-in for the Redis list broker.
type fakeBroker struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{lists: make(map[string][][]byte)}
}

func (b *fakeBroker) Push(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append(b.lists[key], value)
	return nil
}

func (b *fakeBroker) Pop(_ context.Context, key string, _ time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lists[key]
	if len(l) == 0 {
		return nil, nil
	}
	head := l[0]
	b.lists[key] = l[1:]
	return head, nil
}

func (b *fakeBroker) Range(_ context.Context, key string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte{}, b.lists[key]...), nil
}

func testQueue() *Queue {
	return &Queue{b: newFakeBroker(), prefix: "test"}
}

func enqueueText(t *testing.T, q *Queue, channel, account, text string) *models.QueueMessage {
	t.Helper()
	payload, err := json.Marshal(models.OutgoingPayload{To: "79990000000", Text: text})
	require.NoError(t, err)
	msg := models.NewQueueMessage(models.DirectionOutgoing, account, payload)
	require.NoError(t, q.Enqueue(context.Background(), channel, msg))
	return msg
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	assert := assert.New(t)
	q := testQueue()
	ctx := context.Background()

	a := enqueueText(t, q, ChannelOutgoing, "acc1", "A")
	b := enqueueText(t, q, ChannelOutgoing, "acc1", "B")

	first, err := q.Dequeue(ctx, ChannelOutgoing, time.Second)
	assert.NoError(err)
	require.NotNil(t, first)
	assert.Equal(a.ID, first.ID)

	second, err := q.Dequeue(ctx, ChannelOutgoing, time.Second)
	assert.NoError(err)
	require.NotNil(t, second)
	assert.Equal(b.ID, second.ID)

	empty, err := q.Dequeue(ctx, ChannelOutgoing, time.Millisecond)
	assert.NoError(err)
	assert.Nil(empty)
}

func TestRetryReEnqueuesUntilMax(t *testing.T) {
	assert := assert.New(t)
	q := testQueue()
	ctx := context.Background()
	const maxRetries = 3

	enqueueText(t, q, ChannelOutgoing, "acc1", "hello")

	// Fail n < max times, then observe the message still delivered via the
	// original channel and never in the dead-letter list.
	for i := 0; i < maxRetries-1; i++ {
		msg, err := q.Dequeue(ctx, ChannelOutgoing, time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, q.Retry(ctx, ChannelOutgoing, msg, maxRetries))
	}

	final, err := q.Dequeue(ctx, ChannelOutgoing, time.Second)
	assert.NoError(err)
	require.NotNil(t, final)
	assert.Equal(maxRetries-1, final.RetryCount)

	dead, err := q.DeadLetters(ctx, ChannelOutgoing)
	assert.NoError(err)
	assert.Empty(dead)
}

func TestRetryDeadLettersAtMax(t *testing.T) {
	assert := assert.New(t)
	q := testQueue()
	ctx := context.Background()
	const maxRetries = 2

	enqueueText(t, q, ChannelOutgoing, "acc1", "doomed")

	for {
		msg, err := q.Dequeue(ctx, ChannelOutgoing, time.Millisecond)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		require.NoError(t, q.Retry(ctx, ChannelOutgoing, msg, maxRetries))
	}

	dead, err := q.DeadLetters(ctx, ChannelOutgoing)
	assert.NoError(err)
	require.Len(t, dead, 1)
	assert.Equal(maxRetries, dead[0].RetryCount)

	// The original channel must be empty: exactly once in dead-letter, zero
	// times in the source channel.
	leftover, err := q.Dequeue(ctx, ChannelOutgoing, time.Millisecond)
	assert.NoError(err)
	assert.Nil(leftover)
}

func TestDeadLetterChannelName(t *testing.T) {
	assert.Equal(t, "outgoing:dead-letter", DeadLetterChannel(ChannelOutgoing))
}
