package crm

import "wagate/internal/models"

// Attachment is a media item delivered alongside (or instead of) text.
type Attachment struct {
	Kind models.MediaKind `json:"kind"`
	URL  string           `json:"url"`
	Name string           `json:"name,omitempty"`
	Mime string           `json:"mime,omitempty"`
}

// messagePayload is the inner message body shared by the request variants.
type messagePayload struct {
	ID          string       `json:"msgid"`
	Text        string       `json:"text,omitempty"`
	Sender      string       `json:"sender"`
	SenderName  string       `json:"sender_name,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// threadMessageRequest is the primary request shape: post a message into an
// already-known thread.
type threadMessageRequest struct {
	EventType string         `json:"event_type"`
	Payload   messagePayload `json:"payload"`
}

// chatOpenRequest is the fallback shape: open (or re-open) the chat itself,
// carrying the first message inline.
type chatOpenRequest struct {
	ConversationID string         `json:"conversation_id"`
	Source         string         `json:"source"`
	Message        messagePayload `json:"message"`
}

// legacyMessageRequest is the oldest observed shape, kept last in the chain.
type legacyMessageRequest struct {
	ChatID  string `json:"chat_id"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// tokenResponse is the OAuth refresh reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
