package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Direction of a queued message relative to the gateway.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaKind classifies an attachment on either side of the relay.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaPending is the sentinel placed in IncomingPayload.MediaURI until the
// media download completes and a local path replaces it. Downstream stages
// must tolerate both states.
const MediaPending = "pending"

// QueueMessage is the wire shape stored in the broker. Immutable once
// enqueued except RetryCount. The broker's pop is destructive; redelivery is
// only via explicit re-enqueue.
type QueueMessage struct {
	ID         string          `json:"id"`
	Direction  Direction       `json:"direction"`
	AccountID  string          `json:"account_id"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	Payload    json.RawMessage `json:"payload"`
}

// NewQueueMessage wraps an already-marshaled payload for a given account and
// direction with a fresh unique id.
func NewQueueMessage(direction Direction, accountID string, payload json.RawMessage) *QueueMessage {
	return &QueueMessage{
		ID:        uuid.NewString(),
		Direction: direction,
		AccountID: accountID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

// IncomingPayload is a message received from the messaging network, headed
// for the CRM.
type IncomingPayload struct {
	From          string    `json:"from"`
	CounterpartID string    `json:"counterpart_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Text          string    `json:"text,omitempty"`
	MediaKind     MediaKind `json:"media_kind,omitempty"`
	MediaURI      string    `json:"media_uri,omitempty"`
	MediaMime     string    `json:"media_mime,omitempty"`
	MediaRef      string    `json:"media_ref,omitempty"`
	EventTime     time.Time `json:"event_time"`
}

// OutgoingPayload is a CRM operator message headed for the messaging network.
type OutgoingPayload struct {
	To        string    `json:"to"`
	Text      string    `json:"text"`
	MediaURI  string    `json:"media_uri,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
}

// ConversationMapping is the only persistent learned state of the gateway:
// which CRM thread a counterpart belongs to, scoped per account.
type ConversationMapping struct {
	AccountID     string    `db:"account_id" json:"account_id"`
	CounterpartID string    `db:"counterpart_id" json:"counterpart_id"`
	ThreadID      string    `db:"thread_id" json:"thread_id"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
