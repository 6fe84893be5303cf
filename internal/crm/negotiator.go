package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wagate/internal/models"
	"wagate/internal/store"
)

// The CRM's chat-channel API has historically changed shape without version
// negotiation. The negotiator probes a fixed, ordered list of request
// variants and isolates that instability: the rest of the pipeline only sees
// success or a classified failure.

// TokenSource provides and persists the CRM credentials for an account.
type TokenSource interface {
	GetTokens(ctx context.Context, accountID string) (store.Tokens, error)
	SaveTokens(ctx context.Context, accountID string, t store.Tokens) error
	GetScope(ctx context.Context, accountID string) (string, error)
}

// MappingStore is the persistent (account, counterpart) → thread id map.
type MappingStore interface {
	GetMapping(ctx context.Context, accountID, counterpartID string) (string, error)
	SetMapping(ctx context.Context, accountID, counterpartID, threadID string) error
}

// Config for the negotiator.
type Config struct {
	BaseURL      string
	AuthURL      string // token refresh endpoint
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// deliverRequest carries one delivery attempt through the variant chain.
type deliverRequest struct {
	accountID   string
	counterpart string
	threadID    string
	scopeID     string
	msgID       string
	text        string
	senderName  string
	attachments []Attachment
	// token is the access token of the current chain run; the legacy API
	// expects it in the body as well as the header.
	token string
}

// variant is one candidate request shape/endpoint, tried in priority order.
type variant struct {
	name string
	path func(r deliverRequest) string
	body func(r deliverRequest) interface{}
}

// Negotiator resolves the CRM wire format and thread id for a message, with
// response-driven thread-id learning.
type Negotiator struct {
	http     *resty.Client
	cfg      Config
	creds    TokenSource
	mappings MappingStore
	variants []variant
}

// New builds a negotiator over the given credential and mapping stores.
func New(cfg Config, creds TokenSource, mappings MappingStore) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	return &Negotiator{
		http:     client,
		cfg:      cfg,
		creds:    creds,
		mappings: mappings,
		variants: []variant{
			{
				name: "thread-messages",
				path: func(r deliverRequest) string {
					return fmt.Sprintf("/v2/origin/custom/%s/chats/%s/messages", r.scopeID, r.threadID)
				},
				body: func(r deliverRequest) interface{} {
					return threadMessageRequest{
						EventType: "new_message",
						Payload: messagePayload{
							ID:          r.msgID,
							Text:        r.text,
							Sender:      r.counterpart,
							SenderName:  r.senderName,
							Attachments: r.attachments,
						},
					}
				},
			},
			{
				name: "chat-open",
				path: func(r deliverRequest) string {
					return fmt.Sprintf("/v2/origin/custom/%s/chats", r.scopeID)
				},
				body: func(r deliverRequest) interface{} {
					return chatOpenRequest{
						ConversationID: r.threadID,
						Source:         "whatsapp",
						Message: messagePayload{
							ID:          r.msgID,
							Text:        r.text,
							Sender:      r.counterpart,
							SenderName:  r.senderName,
							Attachments: r.attachments,
						},
					}
				},
			},
			{
				name: "legacy-messages",
				path: func(r deliverRequest) string {
					return fmt.Sprintf("/api/chats/%s/messages", r.scopeID)
				},
				body: func(r deliverRequest) interface{} {
					return legacyMessageRequest{
						ChatID:  r.threadID,
						Token:   r.token,
						Message: r.text,
						Sender:  r.counterpart,
					}
				},
			},
		},
	}
}

// errAuth signals an authorization-expired response inside one chain run.
var errAuth = errors.New("crm authorization rejected")

// Deliver produces a delivered message on the CRM side for the counterpart
// and learns or refreshes the thread id. Errors carry the §7 classification
// sentinels where applicable.
func (n *Negotiator) Deliver(ctx context.Context, accountID, counterpartID, text string, attachments []Attachment) error {
	return n.deliver(ctx, accountID, counterpartID, "", text, attachments)
}

// DeliverNamed is Deliver with a counterpart display name attached to the
// message payload.
func (n *Negotiator) DeliverNamed(ctx context.Context, accountID, counterpartID, senderName, text string, attachments []Attachment) error {
	return n.deliver(ctx, accountID, counterpartID, senderName, text, attachments)
}

func (n *Negotiator) deliver(ctx context.Context, accountID, counterpartID, senderName, text string, attachments []Attachment) error {
	scopeID, err := n.creds.GetScope(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading scope for %s: %w", accountID, err)
	}
	if scopeID == "" {
		return fmt.Errorf("%w: account %s has no integration scope bound", models.ErrConfiguration, accountID)
	}

	threadID, err := n.mappings.GetMapping(ctx, accountID, counterpartID)
	if err != nil {
		return fmt.Errorf("resolving thread for %s/%s: %w", accountID, counterpartID, err)
	}
	req := deliverRequest{
		accountID:   accountID,
		counterpart: counterpartID,
		threadID:    threadID,
		scopeID:     scopeID,
		msgID:       uuid.NewString(),
		text:        text,
		senderName:  senderName,
		attachments: attachments,
	}
	if req.threadID == "" {
		// No learned thread yet: the counterpart id itself serves as the
		// provisional thread reference.
		req.threadID = counterpartID
	}

	tokens, err := n.creds.GetTokens(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading tokens for %s: %w", accountID, err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("%w: account %s has no CRM access token", models.ErrConfiguration, accountID)
	}

	err = n.runChain(ctx, req, tokens.AccessToken)
	if !errors.Is(err, errAuth) {
		return err
	}

	// Authorization expired: refresh once and rerun the whole chain exactly
	// once. A second rejection is a hard failure.
	tokens, err = n.refreshTokens(ctx, accountID, tokens)
	if err != nil {
		return fmt.Errorf("%w: refresh failed: %v", models.ErrAuthExpired, err)
	}
	if err := n.runChain(ctx, req, tokens.AccessToken); err != nil {
		if errors.Is(err, errAuth) {
			return fmt.Errorf("%w: account %s rejected after token refresh", models.ErrAuthExpired, accountID)
		}
		return err
	}
	return nil
}

// runChain tries each variant in priority order. A 404-class status means
// "wrong variant, keep probing"; any other error class aborts the chain.
func (n *Negotiator) runChain(ctx context.Context, req deliverRequest, accessToken string) error {
	req.token = accessToken
	for _, v := range n.variants {
		resp, err := n.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+accessToken).
			SetBody(v.body(req)).
			Post(v.path(req))
		if err != nil {
			return fmt.Errorf("CRM request (%s) failed: %w", v.name, err)
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusNotFound, status == http.StatusGone:
			log.Debug().
				Str("variant", v.name).
				Int("status", status).
				Str("accountID", req.accountID).
				Msg("CRM variant rejected, trying next")
			continue

		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			return fmt.Errorf("CRM variant %s: status %d: %w", v.name, status, errAuth)

		case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: CRM variant %s rejected content with status %d: %s",
				models.ErrPermanentReject, v.name, status, resp.String())

		case resp.IsError():
			return fmt.Errorf("CRM variant %s: status %d: %s", v.name, status, resp.String())
		}

		n.learnThreadID(ctx, req, v.name, resp.Body())
		return nil
	}
	return fmt.Errorf("all CRM request variants rejected for account %s", req.accountID)
}

// threadIDFields is the priority order for the returned thread id. The CRM
// has used all three names for the same concept across API revisions; this
// order is our own tested convention, not a remote contract.
var threadIDFields = []string{"conversation_id", "chat_id", "id"}

// learnThreadID inspects a successful response for a returned thread id and
// persists it when it differs from the one used. Learning failures are
// logged, not surfaced: the message was delivered.
func (n *Negotiator) learnThreadID(ctx context.Context, req deliverRequest, variantName string, body []byte) {
	returned := extractThreadID(body)
	if returned == "" || returned == req.threadID {
		return
	}
	if err := n.mappings.SetMapping(ctx, req.accountID, req.counterpart, returned); err != nil {
		log.Error().Err(err).
			Str("accountID", req.accountID).
			Str("counterpartID", req.counterpart).
			Str("threadID", returned).
			Msg("Failed to persist learned thread id")
		return
	}
	log.Info().
		Str("accountID", req.accountID).
		Str("counterpartID", req.counterpart).
		Str("threadID", returned).
		Str("variant", variantName).
		Msg("Learned CRM thread id")
}

// extractThreadID scans a response body for the thread id, checking each
// candidate field name at the top level and under a nested "payload" object.
func extractThreadID(body []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	scopes := []map[string]interface{}{doc}
	if nested, ok := doc["payload"].(map[string]interface{}); ok {
		scopes = append(scopes, nested)
	}
	for _, field := range threadIDFields {
		for _, scope := range scopes {
			if v, ok := scope[field]; ok {
				switch id := v.(type) {
				case string:
					if id != "" {
						return id
					}
				case float64:
					return fmt.Sprintf("%.0f", id)
				}
			}
		}
	}
	return ""
}

// refreshTokens exchanges the refresh token for a new pair and persists it.
func (n *Negotiator) refreshTokens(ctx context.Context, accountID string, old store.Tokens) (store.Tokens, error) {
	if old.RefreshToken == "" {
		return store.Tokens{}, fmt.Errorf("account %s has no refresh token", accountID)
	}
	var tr tokenResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"client_id":     n.cfg.ClientID,
			"client_secret": n.cfg.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": old.RefreshToken,
		}).
		SetResult(&tr).
		Post(n.cfg.AuthURL)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("token refresh request: %w", err)
	}
	if resp.IsError() || tr.AccessToken == "" {
		return store.Tokens{}, fmt.Errorf("token refresh rejected with status %d", resp.StatusCode())
	}

	fresh := store.Tokens{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if err := n.creds.SaveTokens(ctx, accountID, fresh); err != nil {
		return store.Tokens{}, fmt.Errorf("persisting refreshed tokens: %w", err)
	}
	log.Info().Str("accountID", accountID).Msg("CRM access token refreshed")
	return fresh, nil
}
