package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"wagate/internal/crm"
	"wagate/internal/events"
	"wagate/internal/models"
	"wagate/internal/queue"
	"wagate/internal/session"
	"wagate/internal/throttle"
)

// SessionAPI is what the pipelines need from the session manager.
type SessionAPI interface {
	Send(ctx context.Context, accountID, target string, content session.Content) error
	SendPresence(ctx context.Context, accountID, target, state string) error
	DownloadMedia(ctx context.Context, accountID, ref string) ([]byte, error)
}

// Deliverer is the CRM-side delivery surface (the negotiator).
type Deliverer interface {
	DeliverNamed(ctx context.Context, accountID, counterpartID, senderName, text string, attachments []crm.Attachment) error
}

// MediaSaver persists downloaded media and returns a local path.
type MediaSaver interface {
	Save(data []byte, name, accountID string) (string, error)
}

// Relay wires the two pipelines: messaging network → CRM and CRM →
// messaging network.
type Relay struct {
	q        Queue
	sessions SessionAPI
	crm      Deliverer
	media    MediaSaver
	throttle *throttle.Throttle
	mirror   *events.Publisher
}

// New builds the relay. mirror may be nil.
func New(q Queue, sessions SessionAPI, deliverer Deliverer, media MediaSaver, th *throttle.Throttle, mirror *events.Publisher) *Relay {
	return &Relay{
		q:        q,
		sessions: sessions,
		crm:      deliverer,
		media:    media,
		throttle: th,
		mirror:   mirror,
	}
}

// Attach registers both pipeline handlers on the processor.
func (r *Relay) Attach(p *Processor) error {
	if err := p.Register(queue.ChannelIncoming, r.processIncoming); err != nil {
		return err
	}
	return p.Register(queue.ChannelOutgoing, r.processOutgoing)
}

// HandleIncoming is the session dispatcher: filtered protocol events arrive
// here and message events are enqueued on the incoming channel. Everything
// else is mirrored as account state.
func (r *Relay) HandleIncoming(evt session.Event) {
	ctx := context.Background()
	if evt.Type != session.EventMessage {
		r.mirror.Publish(ctx, events.TypeAccountState, map[string]string{
			"account_id": evt.AccountID,
			"event":      string(evt.Type),
			"reason":     evt.Reason,
		})
		return
	}

	payload, err := json.Marshal(evt.Message)
	if err != nil {
		log.Error().Err(err).Str("accountID", evt.AccountID).Msg("Could not marshal incoming payload")
		return
	}
	msg := models.NewQueueMessage(models.DirectionIncoming, evt.AccountID, payload)
	if err := r.q.Enqueue(ctx, queue.ChannelIncoming, msg); err != nil {
		log.Error().Err(err).
			Str("accountID", evt.AccountID).
			Str("messageID", msg.ID).
			Msg("Enqueue of incoming message failed")
		return
	}
	r.mirror.Publish(ctx, events.TypeMessageEnqueued, msg)
}

// WebhookMessage is the message object inside a CRM webhook.
type WebhookMessage struct {
	Content   string           `json:"content"`
	MediaURI  string           `json:"media_uri,omitempty"`
	MediaKind models.MediaKind `json:"media_kind,omitempty"`
}

// WebhookPayload is the CRM webhook body the boundary accepts.
type WebhookPayload struct {
	AccountID string         `json:"account_id"`
	ChatID    string         `json:"chat_id"`
	Message   WebhookMessage `json:"message"`
}

// HandleOutgoing validates and enqueues a CRM webhook message. It reports
// only the enqueue result; downstream delivery failures are asynchronous.
func (r *Relay) HandleOutgoing(ctx context.Context, wp WebhookPayload) error {
	if wp.AccountID == "" {
		return fmt.Errorf("webhook payload missing account_id")
	}
	counterpart := normalizeCounterpart(wp.ChatID)
	if counterpart == "" {
		return fmt.Errorf("webhook payload has no usable counterpart in chat_id %q", wp.ChatID)
	}
	if wp.Message.Content == "" && wp.Message.MediaURI == "" {
		return fmt.Errorf("webhook payload has neither text nor attachment")
	}

	out := models.OutgoingPayload{
		To:        counterpart,
		Text:      wp.Message.Content,
		MediaURI:  wp.Message.MediaURI,
		MediaKind: wp.Message.MediaKind,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling outgoing payload: %w", err)
	}
	msg := models.NewQueueMessage(models.DirectionOutgoing, wp.AccountID, payload)
	if err := r.q.Enqueue(ctx, queue.ChannelOutgoing, msg); err != nil {
		return fmt.Errorf("enqueueing outgoing message: %w", err)
	}
	r.mirror.Publish(ctx, events.TypeMessageEnqueued, msg)
	return nil
}

// normalizeCounterpart reduces a CRM counterpart reference like
// "WhatsApp 79990000000" to its digits.
func normalizeCounterpart(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// processIncoming resolves pending media, then delivers to the CRM through
// the negotiator.
func (r *Relay) processIncoming(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.IncomingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: undecodable incoming payload: %v", models.ErrPermanentReject, err)
	}

	if payload.MediaKind != "" && payload.MediaURI == models.MediaPending {
		if err := r.resolveMedia(ctx, msg.AccountID, &payload); err != nil {
			return err
		}
		// The download reference is spent once resolved. Write the local
		// path back into the queued message so a delivery retry reuses the
		// saved file instead of re-downloading.
		resolved, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: re-marshaling resolved payload: %v", models.ErrPermanentReject, err)
		}
		msg.Payload = resolved
	}

	var attachments []crm.Attachment
	if payload.MediaURI != "" && payload.MediaURI != models.MediaPending {
		attachments = append(attachments, crm.Attachment{
			Kind: payload.MediaKind,
			URL:  payload.MediaURI,
			Name: mediaFileName(payload),
			Mime: payload.MediaMime,
		})
	}

	return r.crm.DeliverNamed(ctx, msg.AccountID, payload.CounterpartID, payload.DisplayName, payload.Text, attachments)
}

func (r *Relay) resolveMedia(ctx context.Context, accountID string, payload *models.IncomingPayload) error {
	if payload.MediaRef == "" {
		// Nothing to download; deliver without the attachment.
		payload.MediaURI = ""
		return nil
	}
	data, err := r.sessions.DownloadMedia(ctx, accountID, payload.MediaRef)
	if err != nil {
		return fmt.Errorf("downloading media for %s: %w", accountID, err)
	}
	path, err := r.media.Save(data, mediaFileName(*payload), accountID)
	if err != nil {
		return fmt.Errorf("storing media for %s: %w", accountID, err)
	}
	payload.MediaURI = path
	return nil
}

func mediaFileName(p models.IncomingPayload) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(p.MediaMime); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return string(p.MediaKind) + ext
}

// processOutgoing applies the throttle policies in order (typing → random
// delay → rate-limit check) and hands the message to the session manager.
func (r *Relay) processOutgoing(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.OutgoingPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: undecodable outgoing payload: %v", models.ErrPermanentReject, err)
	}

	kind := throttle.KindText
	if payload.MediaURI != "" {
		kind = throttle.KindMedia
	}

	r.throttle.SimulateTyping(ctx, msg.AccountID, func(ctx context.Context) error {
		return r.sessions.SendPresence(ctx, msg.AccountID, payload.To, session.PresenceComposing)
	})
	if err := r.throttle.Delay(ctx); err != nil {
		return fmt.Errorf("outbound delay interrupted: %w", err)
	}
	if !r.throttle.Allow(msg.AccountID, kind) {
		return fmt.Errorf("%w: account %s window is full", models.ErrRateLimited, msg.AccountID)
	}

	content := session.Content{Text: payload.Text}
	if payload.MediaURI != "" {
		data, mimeType, err := loadOutgoingMedia(payload.MediaURI)
		if err != nil {
			return fmt.Errorf("%w: unreadable outgoing media: %v", models.ErrPermanentReject, err)
		}
		content.MediaData = data
		content.MediaMime = mimeType
		content.MediaKind = payload.MediaKind
	}

	return r.sessions.Send(ctx, msg.AccountID, payload.To, content)
}

// loadOutgoingMedia accepts either a data: URI (as CRM webhooks deliver
// inline attachments) or a local file path.
func loadOutgoingMedia(uri string) ([]byte, string, error) {
	if strings.HasPrefix(uri, "data:") {
		du, err := dataurl.DecodeString(uri)
		if err != nil {
			return nil, "", fmt.Errorf("decoding data URI: %w", err)
		}
		return du.Data, du.MediaType.ContentType(), nil
	}
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, "", fmt.Errorf("reading media file: %w", err)
	}
	return data, "", nil
}
