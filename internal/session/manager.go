package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status of one account's connection state machine.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	// StatusFailed means the reconnect budget is exhausted; the account
	// needs a manual re-add.
	StatusFailed Status = "failed"
)

// Options tune reconnect behavior and addressing.
type Options struct {
	BackoffBase   time.Duration // default 1s
	BackoffCap    time.Duration // default 30s
	MaxReconnects int           // default 8
	// UserDomain is appended to bare counterpart ids when building send
	// targets, e.g. "s.whatsapp.net".
	UserDomain string
}

func (o *Options) defaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 8
	}
	if o.UserDomain == "" {
		o.UserDomain = "s.whatsapp.net"
	}
}

type account struct {
	id        string
	conn      Conn
	status    Status
	attempts  int
	reconnect *time.Timer
	// removing suppresses the reconnect path while Remove tears the
	// account down.
	removing bool
}

// Manager owns one long-lived connection per account with a
// disconnected→connecting→open state machine and capped exponential
// reconnect. All account state lives in this instance; no globals.
type Manager struct {
	mu       sync.Mutex
	client   ProtocolClient
	creds    CredentialSource
	opts     Options
	accounts map[string]*account
	dispatch func(Event)
}

// NewManager builds a manager over the given protocol client and credential
// source.
func NewManager(client ProtocolClient, creds CredentialSource, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		client:   client,
		creds:    creds,
		opts:     opts,
		accounts: make(map[string]*account),
		dispatch: func(Event) {},
	}
}

// OnEvent registers the single dispatcher that receives filtered events.
// Must be called before Add.
func (m *Manager) OnEvent(fn func(Event)) {
	if fn != nil {
		m.dispatch = fn
	}
}

// Add creates the account's session and starts connecting. Adding an
// account that already exists is an error.
func (m *Manager) Add(ctx context.Context, accountID string) error {
	m.mu.Lock()
	if _, ok := m.accounts[accountID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("account %s already added", accountID)
	}
	acct := &account{id: accountID, status: StatusConnecting}
	m.accounts[accountID] = acct
	m.mu.Unlock()

	go m.connect(accountID)
	return nil
}

// Remove cancels any pending reconnect, logs the account out and drops its
// session. Safe to race with reconnect scheduling.
func (m *Manager) Remove(ctx context.Context, accountID string) error {
	m.mu.Lock()
	acct, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("account %s not found", accountID)
	}
	acct.removing = true
	if acct.reconnect != nil {
		acct.reconnect.Stop()
		acct.reconnect = nil
	}
	conn := acct.conn
	delete(m.accounts, accountID)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("accountID", accountID).Msg("Logout failed during removal")
		}
		conn.Close()
	}
	log.Info().Str("accountID", accountID).Msg("Account removed")
	return nil
}

// Status reports the account's connection state; ok is false for unknown
// accounts. Exhausted accounts report StatusFailed rather than erroring.
func (m *Manager) Status(accountID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return StatusClosed, false
	}
	return acct.status, true
}

// Target builds the protocol address for a bare counterpart id.
func (m *Manager) Target(counterpartID string) string {
	if strings.Contains(counterpartID, "@") {
		return counterpartID
	}
	return counterpartID + "@" + m.opts.UserDomain
}

func (m *Manager) openConn(accountID string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	if acct.status != StatusOpen || acct.conn == nil {
		return nil, fmt.Errorf("account %s is %s, not open", accountID, acct.status)
	}
	return acct.conn, nil
}

// Send delivers content to a counterpart over the account's connection.
func (m *Manager) Send(ctx context.Context, accountID, target string, content Content) error {
	conn, err := m.openConn(accountID)
	if err != nil {
		return err
	}
	return conn.Send(ctx, m.Target(target), content)
}

// SendPresence forwards a presence state. Callers treat failures as
// cosmetic.
func (m *Manager) SendPresence(ctx context.Context, accountID, target, state string) error {
	conn, err := m.openConn(accountID)
	if err != nil {
		return err
	}
	return conn.SendPresence(ctx, m.Target(target), state)
}

// DownloadMedia fetches the raw bytes behind a message's media reference.
func (m *Manager) DownloadMedia(ctx context.Context, accountID, ref string) ([]byte, error) {
	conn, err := m.openConn(accountID)
	if err != nil {
		return nil, err
	}
	return conn.DownloadMedia(ctx, ref)
}

// Stop closes every connection without logging accounts out, for process
// shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.accounts))
	for _, acct := range m.accounts {
		acct.removing = true
		if acct.reconnect != nil {
			acct.reconnect.Stop()
			acct.reconnect = nil
		}
		if acct.conn != nil {
			conns = append(conns, acct.conn)
		}
		acct.status = StatusClosed
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *Manager) connect(accountID string) {
	ctx := context.Background()
	deviceRef, err := m.creds.GetDevice(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("Loading stored credential failed")
		m.handleDisconnect(accountID, err.Error())
		return
	}

	conn, err := m.client.Connect(ctx, accountID, deviceRef, func(evt Event) {
		m.handleEvent(accountID, evt)
	})
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("Connect failed")
		m.handleDisconnect(accountID, err.Error())
		return
	}

	m.mu.Lock()
	if acct, ok := m.accounts[accountID]; ok && !acct.removing {
		acct.conn = conn
	} else {
		// Removed while connecting; close the orphan connection.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.mu.Unlock()
}

// handleEvent filters raw protocol events and advances the state machine.
// Echoes, broadcast/status chats and group chats never reach the dispatcher.
func (m *Manager) handleEvent(accountID string, evt Event) {
	evt.AccountID = accountID

	switch evt.Type {
	case EventConnected:
		m.mu.Lock()
		if acct, ok := m.accounts[accountID]; ok {
			acct.status = StatusOpen
			acct.attempts = 0
		}
		m.mu.Unlock()
		log.Info().Str("accountID", accountID).Msg("Session open")
		m.dispatch(evt)

	case EventLoggedOut:
		// Explicit logout: no reconnect.
		m.mu.Lock()
		if acct, ok := m.accounts[accountID]; ok {
			acct.status = StatusClosed
			acct.conn = nil
		}
		m.mu.Unlock()
		log.Info().Str("accountID", accountID).Msg("Session logged out")
		m.dispatch(evt)

	case EventDisconnected:
		m.handleDisconnect(accountID, evt.Reason)
		m.dispatch(evt)

	case EventQRIssued:
		log.Info().Str("accountID", accountID).Msg("Pairing code issued")
		m.dispatch(evt)

	case EventMessage:
		if m.filterMessage(accountID, evt) {
			return
		}
		m.dispatch(evt)
	}
}

func (m *Manager) filterMessage(accountID string, evt Event) bool {
	if evt.Message == nil {
		// Protocol-internal control frame.
		return true
	}
	if evt.FromSelf {
		log.Debug().Str("accountID", accountID).Msg("Ignoring echo of own message")
		return true
	}
	addr := evt.ChatAddress
	if strings.HasSuffix(addr, "@g.us") {
		log.Debug().Str("accountID", accountID).Str("chat", addr).Msg("Ignoring group message")
		return true
	}
	if strings.Contains(addr, "@broadcast") {
		log.Debug().Str("accountID", accountID).Str("chat", addr).Msg("Ignoring broadcast message")
		return true
	}
	return false
}

// handleDisconnect moves the account to disconnected and schedules a
// reconnect with capped exponential backoff, unless removal is in progress
// or the budget is spent.
func (m *Manager) handleDisconnect(accountID, reason string) {
	m.mu.Lock()
	acct, ok := m.accounts[accountID]
	if !ok || acct.removing || acct.status == StatusClosed {
		m.mu.Unlock()
		return
	}
	acct.conn = nil
	acct.attempts++
	if acct.attempts > m.opts.MaxReconnects {
		acct.status = StatusFailed
		m.mu.Unlock()
		log.Error().
			Str("accountID", accountID).
			Str("reason", reason).
			Int("attempts", m.opts.MaxReconnects).
			Msg("Reconnect budget exhausted, account marked failed")
		return
	}
	acct.status = StatusConnecting
	attempt := acct.attempts
	backoff := m.backoff(attempt)
	acct.reconnect = time.AfterFunc(backoff, func() {
		m.mu.Lock()
		if a, ok := m.accounts[accountID]; ok {
			a.reconnect = nil
		}
		m.mu.Unlock()
		m.connect(accountID)
	})
	m.mu.Unlock()

	log.Warn().
		Str("accountID", accountID).
		Str("reason", reason).
		Int("attempt", attempt).
		Dur("backoff", backoff).
		Msg("Session disconnected, reconnect scheduled")
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.opts.BackoffCap {
			return m.opts.BackoffCap
		}
	}
	if d > m.opts.BackoffCap {
		d = m.opts.BackoffCap
	}
	return d
}
