package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Event types mirrored to AMQP for external consumers (dashboards, audit).
const (
	TypeMessageRelayed  = "message_relayed"
	TypeMessageDead     = "message_dead_lettered"
	TypeAccountState    = "account_state"
	TypeMessageEnqueued = "message_enqueued"
)

// Publisher mirrors relay lifecycle events to an AMQP broker. A nil
// *Publisher is valid and publishes nothing, so call sites never branch.
// Publish failures are logged and swallowed: mirroring is never allowed to
// fail a message.
type Publisher struct {
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	prefix string
}

// NewPublisher connects to the broker, or returns nil (disabled) when url is
// empty.
func NewPublisher(url, prefix string) (*Publisher, error) {
	if url == "" {
		log.Info().Msg("AMQP event mirroring disabled")
		return nil, nil
	}
	if prefix == "" {
		prefix = "wagate"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	log.Info().Str("prefix", prefix).Msg("AMQP event mirroring enabled")
	return &Publisher{conn: conn, ch: ch, prefix: prefix}, nil
}

func (p *Publisher) queueName(eventType string) string {
	return p.prefix + "_" + strings.ToLower(eventType)
}

// Publish marshals body and publishes it on the event type's queue.
func (p *Publisher) Publish(ctx context.Context, eventType string, body interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"event":   eventType,
		"payload": body,
		"time":    time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("Could not marshal mirror event")
		return
	}

	queueName := p.queueName(eventType)
	// Declare is idempotent.
	if _, err := p.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("Could not declare AMQP queue")
		return
	}
	err = p.ch.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("Could not publish mirror event")
		return
	}
	log.Debug().Str("queue", queueName).Str("eventType", eventType).Msg("Mirror event published")
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
