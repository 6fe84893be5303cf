// Package handlers is the HTTP boundary: the CRM webhook plus the small
// admin surface for accounts and dead-letter inspection.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"wagate/internal/models"
	"wagate/internal/relay"
	"wagate/internal/session"
	"wagate/internal/store"
)

// RelayAPI accepts validated CRM webhook payloads.
type RelayAPI interface {
	HandleOutgoing(ctx context.Context, wp relay.WebhookPayload) error
}

// SessionAdmin manages account lifecycles.
type SessionAdmin interface {
	Add(ctx context.Context, accountID string) error
	Remove(ctx context.Context, accountID string) error
	Status(accountID string) (session.Status, bool)
}

// DeadLetterReader exposes the dead-letter channels without consuming them.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, channel string) ([]*models.QueueMessage, error)
}

// AccountStore persists CRM credentials alongside the account.
type AccountStore interface {
	SaveScope(ctx context.Context, accountID, scopeID string) error
	SaveTokens(ctx context.Context, accountID string, t store.Tokens) error
	DeleteAccount(ctx context.Context, accountID string) error
}

// Server routes HTTP requests into the gateway.
type Server struct {
	router     *mux.Router
	relay      RelayAPI
	sessions   SessionAdmin
	deadLetter DeadLetterReader
	accounts   AccountStore
	adminToken string
}

// NewServer wires the routes. adminToken guards everything except the
// health endpoint; an empty token disables the guard.
func NewServer(r RelayAPI, sessions SessionAdmin, dl DeadLetterReader, accounts AccountStore, adminToken string) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		relay:      r,
		sessions:   sessions,
		deadLetter: dl,
		accounts:   accounts,
		adminToken: adminToken,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	guarded := alice.New(s.logRequest, s.requireToken)

	s.router.Handle("/health", alice.New(s.logRequest).ThenFunc(s.health)).Methods(http.MethodGet)
	s.router.Handle("/webhooks/crm", guarded.ThenFunc(s.crmWebhook)).Methods(http.MethodPost)
	s.router.Handle("/accounts/{id}", guarded.ThenFunc(s.createAccount)).Methods(http.MethodPost)
	s.router.Handle("/accounts/{id}", guarded.ThenFunc(s.deleteAccount)).Methods(http.MethodDelete)
	s.router.Handle("/accounts/{id}/status", guarded.ThenFunc(s.accountStatus)).Methods(http.MethodGet)
	s.router.Handle("/queues/{channel}/dead-letter", guarded.ThenFunc(s.deadLetters)).Methods(http.MethodGet)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("HTTP request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.adminToken {
			s.respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Could not write HTTP response")
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// crmWebhook accepts a CRM outbound-message webhook. A 200 means enqueued,
// not delivered; delivery is asynchronous.
func (s *Server) crmWebhook(w http.ResponseWriter, r *http.Request) {
	var wp relay.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&wp); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if err := s.relay.HandleOutgoing(r.Context(), wp); err != nil {
		log.Warn().Err(err).Str("accountID", wp.AccountID).Msg("CRM webhook rejected")
		s.respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "enqueued"})
}

type createAccountRequest struct {
	ScopeID      string `json:"scope_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req createAccountRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
			return
		}
	}

	ctx := r.Context()
	if req.ScopeID != "" {
		if err := s.accounts.SaveScope(ctx, accountID, req.ScopeID); err != nil {
			s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.AccessToken != "" || req.RefreshToken != "" {
		tokens := store.Tokens{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken}
		if err := s.accounts.SaveTokens(ctx, accountID, tokens); err != nil {
			s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	if err := s.sessions.Add(ctx, accountID); err != nil {
		s.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	log.Info().Str("accountID", accountID).Msg("Account created")
	s.respond(w, http.StatusCreated, map[string]string{"account_id": accountID})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	ctx := r.Context()

	if err := s.sessions.Remove(ctx, accountID); err != nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := s.accounts.DeleteAccount(ctx, accountID); err != nil {
		s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Info().Str("accountID", accountID).Msg("Account removed")
	s.respond(w, http.StatusOK, map[string]string{"account_id": accountID})
}

func (s *Server) accountStatus(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	status, ok := s.sessions.Status(accountID)
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "unknown account"})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"status":     string(status),
	})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	msgs, err := s.deadLetter.DeadLetters(r.Context(), channel)
	if err != nil {
		s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"channel":  channel,
		"count":    len(msgs),
		"messages": msgs,
	})
}
