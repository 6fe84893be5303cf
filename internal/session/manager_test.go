package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/models"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	presences []string
	loggedOut bool
	closed    bool
}

func (c *fakeConn) Send(_ context.Context, target string, content Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, target+"|"+content.Text)
	return nil
}

func (c *fakeConn) SendPresence(_ context.Context, target, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, target+"|"+state)
	return nil
}

func (c *fakeConn) DownloadMedia(context.Context, string) ([]byte, error) {
	return []byte("bytes"), nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type fakeClient struct {
	mu       sync.Mutex
	conns    map[string]*fakeConn
	sinks    map[string]func(Event)
	failNext int
	attempts int
}

func newFakeClient() *fakeClient {
	return &fakeClient{conns: make(map[string]*fakeConn), sinks: make(map[string]func(Event))}
}

func (f *fakeClient) Connect(_ context.Context, accountID, _ string, sink func(Event)) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("transport unavailable")
	}
	conn := &fakeConn{}
	f.conns[accountID] = conn
	f.sinks[accountID] = sink
	go sink(Event{Type: EventConnected})
	return conn, nil
}

func (f *fakeClient) emit(accountID string, evt Event) {
	f.mu.Lock()
	sink := f.sinks[accountID]
	f.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

type fakeCreds struct{}

func (fakeCreds) GetDevice(context.Context, string) (string, error) { return "dev-ref", nil }

func waitStatus(t *testing.T, m *Manager, accountID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Status(accountID); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := m.Status(accountID)
	t.Fatalf("account %s never reached %s, stuck at %s", accountID, want, got)
}

func TestAddConnectsAndOpens(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	assert.Error(t, m.Add(context.Background(), "acc1"), "double add must fail")
}

func TestSendAppendsUserDomain(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{UserDomain: "s.whatsapp.net"})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	require.NoError(t, m.Send(context.Background(), "acc1", "79990000000", Content{Text: "hello"}))

	fc.mu.Lock()
	conn := fc.conns["acc1"]
	fc.mu.Unlock()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "79990000000@s.whatsapp.net|hello", conn.sent[0])
}

func TestSendWhileNotOpenFails(t *testing.T) {
	fc := newFakeClient()
	fc.failNext = 100
	m := NewManager(fc, fakeCreds{}, Options{BackoffBase: time.Hour})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	time.Sleep(20 * time.Millisecond)

	err := m.Send(context.Background(), "acc1", "79990000000", Content{Text: "x"})
	assert.Error(t, err)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{BackoffBase: 5 * time.Millisecond})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	fc.emit("acc1", Event{Type: EventDisconnected, Reason: "stream error"})
	waitStatus(t, m, "acc1", StatusOpen)

	fc.mu.Lock()
	attempts := fc.attempts
	fc.mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestReconnectBudgetExhaustedMarksFailed(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{BackoffBase: time.Millisecond, MaxReconnects: 2})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	fc.mu.Lock()
	fc.failNext = 100
	fc.mu.Unlock()
	fc.emit("acc1", Event{Type: EventDisconnected, Reason: "stream error"})

	waitStatus(t, m, "acc1", StatusFailed)
}

func TestLogoutDoesNotReconnect(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{BackoffBase: time.Millisecond})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	fc.mu.Lock()
	before := fc.attempts
	fc.mu.Unlock()
	fc.emit("acc1", Event{Type: EventLoggedOut})
	waitStatus(t, m, "acc1", StatusClosed)

	time.Sleep(30 * time.Millisecond)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, before, fc.attempts, "no reconnect after explicit logout")
}

func TestRemoveCancelsPendingReconnect(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{BackoffBase: 50 * time.Millisecond})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	fc.mu.Lock()
	fc.failNext = 100
	before := fc.attempts
	fc.mu.Unlock()
	fc.emit("acc1", Event{Type: EventDisconnected, Reason: "stream error"})

	require.NoError(t, m.Remove(context.Background(), "acc1"))
	time.Sleep(120 * time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, before, fc.attempts, "removal must cancel the scheduled reconnect")

	_, ok := m.Status("acc1")
	assert.False(t, ok)
}

func TestEventFiltering(t *testing.T) {
	fc := newFakeClient()
	m := NewManager(fc, fakeCreds{}, Options{})

	var mu sync.Mutex
	var delivered []Event
	m.OnEvent(func(evt Event) {
		if evt.Type != EventMessage {
			return
		}
		mu.Lock()
		delivered = append(delivered, evt)
		mu.Unlock()
	})

	require.NoError(t, m.Add(context.Background(), "acc1"))
	waitStatus(t, m, "acc1", StatusOpen)

	msg := func(chat string, fromSelf bool) Event {
		return Event{
			Type:        EventMessage,
			FromSelf:    fromSelf,
			ChatAddress: chat,
			Message:     &models.IncomingPayload{CounterpartID: "79990000000", Text: "hi"},
		}
	}

	fc.emit("acc1", msg("79990000000@s.whatsapp.net", true))       // echo
	fc.emit("acc1", msg("1234-5678@g.us", false))                  // group
	fc.emit("acc1", msg("status@broadcast", false))                // status
	fc.emit("acc1", Event{Type: EventMessage})                     // control frame
	fc.emit("acc1", msg("79990000000@s.whatsapp.net", false))      // real one

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "hi", delivered[0].Message.Text)
	assert.Equal(t, "acc1", delivered[0].AccountID)
}
