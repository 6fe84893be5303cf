package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/models"
	"wagate/internal/relay"
	"wagate/internal/session"
	"wagate/internal/store"
)

type fakeRelay struct {
	payloads []relay.WebhookPayload
	err      error
}

func (f *fakeRelay) HandleOutgoing(_ context.Context, wp relay.WebhookPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, wp)
	return nil
}

type fakeSessions struct {
	added    []string
	removed  []string
	statuses map[string]session.Status
}

func (f *fakeSessions) Add(_ context.Context, accountID string) error {
	for _, id := range f.added {
		if id == accountID {
			return fmt.Errorf("account %s already managed", accountID)
		}
	}
	f.added = append(f.added, accountID)
	return nil
}

func (f *fakeSessions) Remove(_ context.Context, accountID string) error {
	if _, ok := f.statuses[accountID]; !ok {
		return errors.New("unknown account")
	}
	f.removed = append(f.removed, accountID)
	return nil
}

func (f *fakeSessions) Status(accountID string) (session.Status, bool) {
	st, ok := f.statuses[accountID]
	return st, ok
}

type fakeDeadLetters struct {
	msgs map[string][]*models.QueueMessage
}

func (f *fakeDeadLetters) DeadLetters(_ context.Context, channel string) ([]*models.QueueMessage, error) {
	return f.msgs[channel], nil
}

type fakeAccounts struct {
	scopes  map[string]string
	tokens  map[string]store.Tokens
	deleted []string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{scopes: make(map[string]string), tokens: make(map[string]store.Tokens)}
}

func (f *fakeAccounts) SaveScope(_ context.Context, accountID, scopeID string) error {
	f.scopes[accountID] = scopeID
	return nil
}

func (f *fakeAccounts) SaveTokens(_ context.Context, accountID string, t store.Tokens) error {
	f.tokens[accountID] = t
	return nil
}

func (f *fakeAccounts) DeleteAccount(_ context.Context, accountID string) error {
	f.deleted = append(f.deleted, accountID)
	return nil
}

func testServer(token string) (*Server, *fakeRelay, *fakeSessions, *fakeAccounts) {
	fr := &fakeRelay{}
	fs := &fakeSessions{statuses: make(map[string]session.Status)}
	fa := newFakeAccounts()
	dl := &fakeDeadLetters{msgs: map[string][]*models.QueueMessage{
		"outgoing": {models.NewQueueMessage(models.DirectionOutgoing, "acc1", []byte(`{}`))},
	}}
	return NewServer(fr, fs, dl, fa, token), fr, fs, fa
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("token", token)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func TestHealthNeedsNoToken(t *testing.T) {
	s, _, _, _ := testServer("secret")
	rr := do(s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTokenGuard(t *testing.T) {
	s, _, _, _ := testServer("secret")

	rr := do(s, http.MethodGet, "/accounts/acc1/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(s, http.MethodGet, "/accounts/acc1/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBearerTokenAccepted(t *testing.T) {
	s, _, fs, _ := testServer("secret")
	fs.statuses["acc1"] = session.StatusOpen

	req := httptest.NewRequest(http.MethodGet, "/accounts/acc1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"open"`)
}

func TestCRMWebhookEnqueues(t *testing.T) {
	s, fr, _, _ := testServer("secret")

	body := `{"account_id":"acc1","chat_id":"WhatsApp 79990000000","message":{"content":"hello"}}`
	rr := do(s, http.MethodPost, "/webhooks/crm", "secret", body)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, fr.payloads, 1)
	assert.Equal(t, "acc1", fr.payloads[0].AccountID)
	assert.Equal(t, "hello", fr.payloads[0].Message.Content)
}

func TestCRMWebhookRejectsBadPayloads(t *testing.T) {
	s, fr, _, _ := testServer("secret")

	rr := do(s, http.MethodPost, "/webhooks/crm", "secret", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	fr.err = errors.New("webhook payload missing account_id")
	rr = do(s, http.MethodPost, "/webhooks/crm", "secret", `{"chat_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateAccountPersistsCredentials(t *testing.T) {
	s, _, fs, fa := testServer("secret")

	body := `{"scope_id":"scope1","access_token":"tok","refresh_token":"ref"}`
	rr := do(s, http.MethodPost, "/accounts/acc1", "secret", body)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []string{"acc1"}, fs.added)
	assert.Equal(t, "scope1", fa.scopes["acc1"])
	assert.Equal(t, "tok", fa.tokens["acc1"].AccessToken)
}

func TestCreateAccountTwiceConflicts(t *testing.T) {
	s, _, _, _ := testServer("secret")

	rr := do(s, http.MethodPost, "/accounts/acc1", "secret", "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(s, http.MethodPost, "/accounts/acc1", "secret", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDeleteAccount(t *testing.T) {
	s, _, fs, fa := testServer("secret")
	fs.statuses["acc1"] = session.StatusOpen

	rr := do(s, http.MethodDelete, "/accounts/acc1", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"acc1"}, fs.removed)
	assert.Equal(t, []string{"acc1"}, fa.deleted)

	rr = do(s, http.MethodDelete, "/accounts/ghost", "secret", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAccountStatusUnknown(t *testing.T) {
	s, _, _, _ := testServer("secret")
	rr := do(s, http.MethodGet, "/accounts/ghost/status", "secret", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeadLetterListing(t *testing.T) {
	s, _, _, _ := testServer("secret")
	rr := do(s, http.MethodGet, "/queues/outgoing/dead-letter", "secret", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)
}
