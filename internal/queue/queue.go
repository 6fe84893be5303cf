package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"wagate/internal/models"
)

// Channel names used by the relay.
const (
	ChannelIncoming = "incoming"
	ChannelOutgoing = "outgoing"
)

// DeadLetterChannel returns the dead-letter companion of a channel.
func DeadLetterChannel(channel string) string {
	return channel + ":dead-letter"
}

// broker is the minimal list-broker surface the queue needs. Redis provides
// it; tests swap in an in-process fake.
type broker interface {
	Push(ctx context.Context, key string, value []byte) error
	// Pop blocks up to timeout and returns nil, nil when nothing arrived.
	Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Range(ctx context.Context, key string) ([][]byte, error)
}

type redisBroker struct {
	rdb *redis.Client
}

func (b *redisBroker) Push(ctx context.Context, key string, value []byte) error {
	return b.rdb.RPush(ctx, key, value).Err()
}

func (b *redisBroker) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := b.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

func (b *redisBroker) Range(ctx context.Context, key string) ([][]byte, error) {
	res, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(res))
	for i, s := range res {
		out[i] = []byte(s)
	}
	return out, nil
}

// Queue is an at-least-once FIFO per named channel backed by a list broker.
// Pop is destructive: a message is visible to exactly one worker, and
// redelivery happens only through Retry.
type Queue struct {
	b      broker
	prefix string
}

// New builds a queue over a Redis connection. Keys are "<prefix>:<channel>".
func New(rdb *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "relay"
	}
	return &Queue{b: &redisBroker{rdb: rdb}, prefix: prefix}
}

func (q *Queue) key(channel string) string {
	return q.prefix + ":" + channel
}

// Enqueue appends msg to the named channel.
func (q *Queue) Enqueue(ctx context.Context, channel string, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling queue message %s: %w", msg.ID, err)
	}
	if err := q.b.Push(ctx, q.key(channel), data); err != nil {
		return fmt.Errorf("enqueue to %s: %w", channel, err)
	}
	log.Debug().Str("channel", channel).Str("messageID", msg.ID).Msg("Message enqueued")
	return nil
}

// Dequeue blocks up to timeout and returns the oldest message on the
// channel, or nil when the wait elapsed empty.
func (q *Queue) Dequeue(ctx context.Context, channel string, timeout time.Duration) (*models.QueueMessage, error) {
	data, err := q.b.Pop(ctx, q.key(channel), timeout)
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", channel, err)
	}
	if data == nil {
		return nil, nil
	}
	var msg models.QueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message from %s: %w", channel, err)
	}
	return &msg, nil
}

// Retry re-enqueues msg on its channel with the retry counter bumped, or
// moves it to the channel's dead-letter list once max attempts are spent.
// Messages are never silently dropped.
func (q *Queue) Retry(ctx context.Context, channel string, msg *models.QueueMessage, max int) error {
	if msg.RetryCount >= max {
		return q.DeadLetter(ctx, channel, msg)
	}
	msg.RetryCount++
	log.Warn().
		Str("channel", channel).
		Str("messageID", msg.ID).
		Int("retryCount", msg.RetryCount).
		Msg("Re-enqueueing message for retry")
	return q.Enqueue(ctx, channel, msg)
}

// DeadLetter parks msg on the channel's dead-letter list for manual
// inspection.
func (q *Queue) DeadLetter(ctx context.Context, channel string, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling dead-letter message %s: %w", msg.ID, err)
	}
	dl := DeadLetterChannel(channel)
	if err := q.b.Push(ctx, q.key(dl), data); err != nil {
		return fmt.Errorf("dead-lettering to %s: %w", dl, err)
	}
	log.Error().
		Str("channel", dl).
		Str("messageID", msg.ID).
		Int("retryCount", msg.RetryCount).
		Msg("Message moved to dead-letter channel")
	return nil
}

// DeadLetters returns the current contents of a channel's dead-letter list
// without consuming them.
func (q *Queue) DeadLetters(ctx context.Context, channel string) ([]*models.QueueMessage, error) {
	raw, err := q.b.Range(ctx, q.key(DeadLetterChannel(channel)))
	if err != nil {
		return nil, fmt.Errorf("listing dead letters for %s: %w", channel, err)
	}
	msgs := make([]*models.QueueMessage, 0, len(raw))
	for _, data := range raw {
		var msg models.QueueMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("Skipping undecodable dead-letter entry")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}
