package session

import (
	"context"

	"wagate/internal/models"
)

// EventType enumerates the protocol events the manager consumes and, after
// filtering, hands to the registered dispatcher.
type EventType string

const (
	EventQRIssued     EventType = "qr_issued"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventLoggedOut    EventType = "logged_out"
	EventMessage      EventType = "message"
)

// Event is the single typed notification produced by a protocol connection.
// One dispatcher consumes them; there is no fan-out.
type Event struct {
	Type      EventType
	AccountID string
	// Reason carries the transport's disconnect cause.
	Reason string
	// QRCode is the raw pairing string; rendering happens elsewhere.
	QRCode string
	// Message is set for EventMessage only.
	Message *models.IncomingPayload
	// FromSelf flags echoes of messages this account sent itself.
	FromSelf bool
	// ChatAddress is the raw chat the message arrived on, used for
	// group/broadcast filtering.
	ChatAddress string
}

// Content is what a single protocol send carries.
type Content struct {
	Text      string
	MediaKind models.MediaKind
	MediaData []byte
	MediaMime string
	FileName  string
}

// Presence states passed through to the transport.
const (
	PresenceComposing = "composing"
	PresencePaused    = "paused"
)

// Conn is one live connection to the messaging network.
type Conn interface {
	Send(ctx context.Context, target string, content Content) error
	SendPresence(ctx context.Context, target, state string) error
	DownloadMedia(ctx context.Context, ref string) ([]byte, error)
	// Logout tears the account's registration down (explicit logout, no
	// reconnect follows).
	Logout(ctx context.Context) error
	Close()
}

// ProtocolClient opens connections for accounts. sink receives every raw
// event for the account; the manager filters before dispatching further.
type ProtocolClient interface {
	Connect(ctx context.Context, accountID, deviceRef string, sink func(Event)) (Conn, error)
}

// CredentialSource provides the stored protocol credential for an account.
type CredentialSource interface {
	GetDevice(ctx context.Context, accountID string) (string, error)
}
