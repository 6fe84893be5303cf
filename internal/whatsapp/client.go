// Package whatsapp adapts whatsmeow to the session manager's protocol
// surface. One Client owns the shared device store; each account gets its
// own connection.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"wagate/internal/models"
	"wagate/internal/session"
)

// DeviceSaver persists the paired device reference so the account survives
// restarts without re-pairing.
type DeviceSaver interface {
	SaveDevice(ctx context.Context, accountID, deviceRef string) error
}

// Client implements session.ProtocolClient over whatsmeow.
type Client struct {
	container *sqlstore.Container
	devices   DeviceSaver
}

// NewClient opens the whatsmeow device store on the given database.
func NewClient(ctx context.Context, driver, dsn string, devices DeviceSaver) (*Client, error) {
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Zerolog(log.With().Str("component", "wadb").Logger()))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	return &Client{container: container, devices: devices}, nil
}

// Close releases the device store.
func (c *Client) Close() error {
	return c.container.Close()
}

// Connect builds a connection for the account. An empty deviceRef means the
// account has never paired; a QR event stream follows and the reference is
// saved on pairing success.
func (c *Client) Connect(ctx context.Context, accountID, deviceRef string, sink func(session.Event)) (session.Conn, error) {
	device, err := c.device(ctx, deviceRef)
	if err != nil {
		return nil, err
	}

	cn := &conn{
		accountID: accountID,
		sink:      sink,
		devices:   c.devices,
		downloads: make(map[string]whatsmeow.DownloadableMessage),
	}
	cn.wa = whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("accountID", accountID).Logger()))
	cn.wa.AddEventHandler(cn.handleEvent)

	if cn.wa.Store.ID == nil {
		// Not yet paired. The QR channel must be requested before Connect.
		qrChan, err := cn.wa.GetQRChannel(context.Background())
		if err != nil {
			return nil, fmt.Errorf("requesting pairing channel: %w", err)
		}
		go cn.pumpQR(qrChan)
	}
	if err := cn.wa.Connect(); err != nil {
		return nil, fmt.Errorf("connecting account %s: %w", accountID, err)
	}
	return cn, nil
}

func (c *Client) device(ctx context.Context, deviceRef string) (*store.Device, error) {
	if deviceRef == "" {
		return c.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(deviceRef)
	if err != nil {
		return nil, fmt.Errorf("parsing device reference %q: %w", deviceRef, err)
	}
	device, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", jid, err)
	}
	if device == nil {
		// Stored reference no longer exists in the device store.
		return c.container.NewDevice(), nil
	}
	return device, nil
}

// conn is one live account connection.
type conn struct {
	wa        *whatsmeow.Client
	accountID string
	sink      func(session.Event)
	devices   DeviceSaver

	mu        sync.Mutex
	downloads map[string]whatsmeow.DownloadableMessage
}

func (cn *conn) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event == "code" {
			cn.sink(session.Event{
				Type:      session.EventQRIssued,
				AccountID: cn.accountID,
				QRCode:    item.Code,
			})
			continue
		}
		log.Debug().Str("accountID", cn.accountID).Str("event", item.Event).Msg("Pairing channel event")
	}
}

func (cn *conn) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		if err := cn.devices.SaveDevice(context.Background(), cn.accountID, evt.ID.String()); err != nil {
			log.Error().Err(err).Str("accountID", cn.accountID).Msg("Could not persist device reference")
		}

	case *events.Connected:
		cn.sink(session.Event{Type: session.EventConnected, AccountID: cn.accountID})

	case *events.Disconnected:
		cn.sink(session.Event{Type: session.EventDisconnected, AccountID: cn.accountID, Reason: "transport disconnected"})

	case *events.StreamReplaced:
		cn.sink(session.Event{Type: session.EventDisconnected, AccountID: cn.accountID, Reason: "stream replaced"})

	case *events.LoggedOut:
		cn.sink(session.Event{
			Type:      session.EventLoggedOut,
			AccountID: cn.accountID,
			Reason:    evt.Reason.String(),
		})

	case *events.Message:
		cn.sink(cn.translateMessage(evt))
	}
}

func (cn *conn) translateMessage(evt *events.Message) session.Event {
	info := evt.Info
	payload := &models.IncomingPayload{
		From:          info.Sender.String(),
		CounterpartID: info.Sender.User,
		DisplayName:   info.PushName,
		EventTime:     info.Timestamp,
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		payload.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		payload.Text = msg.GetExtendedTextMessage().GetText()
	}

	// Own echoes and group/broadcast chats get filtered before any download
	// can happen, so their media protos must not be pinned in the map.
	keep := !info.IsFromMe &&
		info.Chat.Server != types.GroupServer &&
		info.Chat.Server != types.BroadcastServer

	if img := msg.GetImageMessage(); img != nil {
		cn.setMedia(payload, models.MediaImage, img.GetMimetype(), info.ID, img, keep)
		if payload.Text == "" {
			payload.Text = img.GetCaption()
		}
	} else if audio := msg.GetAudioMessage(); audio != nil {
		cn.setMedia(payload, models.MediaAudio, audio.GetMimetype(), info.ID, audio, keep)
	} else if video := msg.GetVideoMessage(); video != nil {
		cn.setMedia(payload, models.MediaVideo, video.GetMimetype(), info.ID, video, keep)
		if payload.Text == "" {
			payload.Text = video.GetCaption()
		}
	} else if doc := msg.GetDocumentMessage(); doc != nil {
		cn.setMedia(payload, models.MediaDocument, doc.GetMimetype(), info.ID, doc, keep)
		if payload.Text == "" {
			payload.Text = doc.GetFileName()
		}
	}

	return session.Event{
		Type:        session.EventMessage,
		AccountID:   cn.accountID,
		Message:     payload,
		FromSelf:    info.IsFromMe,
		ChatAddress: info.Chat.String(),
	}
}

// setMedia marks the payload as carrying media and, when keep is set,
// remembers the protocol message so a later DownloadMedia call can fetch the
// bytes by reference.
func (cn *conn) setMedia(p *models.IncomingPayload, kind models.MediaKind, mime, ref string, dl whatsmeow.DownloadableMessage, keep bool) {
	p.MediaKind = kind
	p.MediaMime = mime
	p.MediaURI = models.MediaPending
	p.MediaRef = ref
	if !keep {
		return
	}
	cn.mu.Lock()
	cn.downloads[ref] = dl
	cn.mu.Unlock()
}

func (cn *conn) Send(ctx context.Context, target string, content session.Content) error {
	jid, err := parseTarget(target)
	if err != nil {
		return err
	}

	var msg *waE2E.Message
	if len(content.MediaData) > 0 {
		msg, err = cn.buildMediaMessage(ctx, content)
		if err != nil {
			return err
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(content.Text)}
	}

	_, err = cn.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", jid, err)
	}
	return nil
}

func (cn *conn) buildMediaMessage(ctx context.Context, content session.Content) (*waE2E.Message, error) {
	mediaType, err := uploadType(content.MediaKind)
	if err != nil {
		return nil, err
	}
	up, err := cn.wa.Upload(ctx, content.MediaData, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading %s media: %w", content.MediaKind, err)
	}

	mime := content.MediaMime
	length := proto.Uint64(uint64(len(content.MediaData)))
	switch content.MediaKind {
	case models.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(content.Text),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	case models.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	case models.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(content.Text),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			FileName:      proto.String(content.FileName),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}, nil
	}
}

func uploadType(kind models.MediaKind) (whatsmeow.MediaType, error) {
	switch kind {
	case models.MediaImage:
		return whatsmeow.MediaImage, nil
	case models.MediaAudio:
		return whatsmeow.MediaAudio, nil
	case models.MediaVideo:
		return whatsmeow.MediaVideo, nil
	case models.MediaDocument:
		return whatsmeow.MediaDocument, nil
	default:
		return "", fmt.Errorf("unsupported media kind %q", kind)
	}
}

func (cn *conn) SendPresence(_ context.Context, target, state string) error {
	jid, err := parseTarget(target)
	if err != nil {
		return err
	}
	chatState := types.ChatPresenceComposing
	if state == session.PresencePaused {
		chatState = types.ChatPresencePaused
	}
	return cn.wa.SendChatPresence(jid, chatState, types.ChatPresenceMediaText)
}

func (cn *conn) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	cn.mu.Lock()
	dl, ok := cn.downloads[ref]
	cn.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no downloadable media for reference %s", ref)
	}
	data, err := cn.wa.Download(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("downloading media %s: %w", ref, err)
	}
	cn.mu.Lock()
	delete(cn.downloads, ref)
	cn.mu.Unlock()
	return data, nil
}

func (cn *conn) Logout(ctx context.Context) error {
	return cn.wa.Logout(ctx)
}

func (cn *conn) Close() {
	cn.wa.Disconnect()
}

func parseTarget(target string) (types.JID, error) {
	if strings.Contains(target, "@") {
		jid, err := types.ParseJID(target)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parsing target %q: %w", target, err)
		}
		return jid, nil
	}
	return types.NewJID(target, types.DefaultUserServer), nil
}
