package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/rtc2/internal/transport"
)

// memoryBrokers is an in-process stand-in for Redis shared by several
// relays in one test.
type memoryBrokers struct {
	mu      sync.Mutex
	owners  map[string]string
	inboxes map[string]chan transport.SignalMessage
}

func newMemoryBrokers() *memoryBrokers {
	return &memoryBrokers{
		owners:  make(map[string]string),
		inboxes: make(map[string]chan transport.SignalMessage),
	}
}

func (n *memoryBrokers) broker(instance string) *memoryBroker {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox := make(chan transport.SignalMessage, 64)
	n.inboxes[instance] = inbox
	return &memoryBroker{brokers: n, instance: instance, inbox: inbox}
}

type memoryBroker struct {
	brokers  *memoryBrokers
	instance string
	inbox    chan transport.SignalMessage
}

func (b *memoryBroker) Claim(ctx context.Context, id string) (bool, error) {
	b.brokers.mu.Lock()
	defer b.brokers.mu.Unlock()
	if _, taken := b.brokers.owners[id]; taken {
		return false, nil
	}
	b.brokers.owners[id] = b.instance
	return true, nil
}

func (b *memoryBroker) Refresh(ctx context.Context, id string) error { return nil }

func (b *memoryBroker) Release(ctx context.Context, id string) error {
	b.brokers.mu.Lock()
	defer b.brokers.mu.Unlock()
	if b.brokers.owners[id] == b.instance {
		delete(b.brokers.owners, id)
	}
	return nil
}

func (b *memoryBroker) Route(ctx context.Context, msg transport.SignalMessage) (bool, error) {
	b.brokers.mu.Lock()
	defer b.brokers.mu.Unlock()
	owner, ok := b.brokers.owners[msg.Dst]
	if !ok {
		return false, nil
	}
	b.brokers.inboxes[owner] <- msg
	return true, nil
}

func (b *memoryBroker) Messages() <-chan transport.SignalMessage { return b.inbox }

func (b *memoryBroker) Close() error { return nil }

func (b *memoryBroker) owner(id string) (string, bool) {
	b.brokers.mu.Lock()
	defer b.brokers.mu.Unlock()
	owner, ok := b.brokers.owners[id]
	return owner, ok
}

type relay struct {
	srv  *Server
	http *httptest.Server
	url  string
}

func startRelay(t *testing.T, broker Broker) *relay {
	t.Helper()
	srv := NewWithBroker(&Config{}, broker)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &relay{
		srv:  srv,
		http: ts,
		url:  "ws" + strings.TrimPrefix(ts.URL, "http") + SignalPath,
	}
}

func dial(t *testing.T, r *relay, id string) *websocket.Conn {
	t.Helper()
	target := r.url
	if id != "" {
		target += "?id=" + id
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSignal(t *testing.T, conn *websocket.Conn) transport.SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg transport.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// register dials id and consumes its OPEN.
func register(t *testing.T, r *relay, id string) *websocket.Conn {
	t.Helper()
	conn := dial(t, r, id)
	open := readSignal(t, conn)
	require.Equal(t, transport.SignalOpen, open.Type)
	require.Equal(t, id, open.Dst)
	return conn
}

func offer(dst string, connectionID string) transport.SignalMessage {
	return transport.SignalMessage{
		Type: transport.SignalOffer,
		Dst:  dst,
		Payload: &transport.SignalPayload{
			SDP:          "v=0",
			ConnectionID: connectionID,
		},
	}
}

func TestRelayAssignsID(t *testing.T) {
	r := startRelay(t, nil)

	conn := dial(t, r, "")
	open := readSignal(t, conn)

	assert.Equal(t, transport.SignalOpen, open.Type)
	_, err := uuid.Parse(open.Dst)
	assert.NoError(t, err, "assigned id should be a uuid")
}

func TestRelayRequestedIDTaken(t *testing.T) {
	r := startRelay(t, nil)
	register(t, r, "alice")

	second := dial(t, r, "alice")
	taken := readSignal(t, second)
	assert.Equal(t, transport.SignalIDTaken, taken.Type)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "want close after ID-TAKEN, got %v", err)
}

func TestRelayRejectsInvalidID(t *testing.T) {
	r := startRelay(t, nil)

	tests := []struct {
		name string
		id   string
	}{
		{"punctuation", "bad!id"},
		{"leading separator", "-alice"},
		{"double separator", "alice--bob"},
		{"too long", strings.Repeat("a", maxIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, r, tt.id)
			msg := readSignal(t, conn)
			assert.Equal(t, transport.SignalError, msg.Type)
			require.NotNil(t, msg.Payload)
			assert.Contains(t, msg.Payload.Message, "Invalid id")
		})
	}
}

func TestRelayForwardsStampingSource(t *testing.T) {
	r := startRelay(t, nil)
	alice := register(t, r, "alice")
	bob := register(t, r, "bob")

	msg := offer("bob", "c1")
	msg.Src = "mallory"
	require.NoError(t, alice.WriteJSON(msg))

	got := readSignal(t, bob)
	assert.Equal(t, transport.SignalOffer, got.Type)
	assert.Equal(t, "alice", got.Src)
	assert.Equal(t, "bob", got.Dst)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "v=0", got.Payload.SDP)
	assert.Equal(t, "c1", got.Payload.ConnectionID)

	require.NoError(t, bob.WriteJSON(transport.SignalMessage{
		Type:    transport.SignalAnswer,
		Dst:     "alice",
		Payload: &transport.SignalPayload{SDP: "v=0 answer", ConnectionID: "c1"},
	}))
	answer := readSignal(t, alice)
	assert.Equal(t, transport.SignalAnswer, answer.Type)
	assert.Equal(t, "bob", answer.Src)
}

func TestRelayExpiresOfferToUnknownPeer(t *testing.T) {
	r := startRelay(t, nil)
	alice := register(t, r, "alice")

	// Undeliverable answers are dropped silently.
	require.NoError(t, alice.WriteJSON(transport.SignalMessage{Type: transport.SignalAnswer, Dst: "nobody"}))
	require.NoError(t, alice.WriteJSON(offer("nobody", "c7")))

	expire := readSignal(t, alice)
	assert.Equal(t, transport.SignalExpire, expire.Type)
	assert.Equal(t, "nobody", expire.Src)
	assert.Equal(t, "alice", expire.Dst)
	require.NotNil(t, expire.Payload)
	assert.Equal(t, "c7", expire.Payload.ConnectionID)
}

func TestRelaySurvivesMalformedMessages(t *testing.T) {
	r := startRelay(t, nil)
	alice := register(t, r, "alice")
	bob := register(t, r, "bob")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, alice.WriteJSON(transport.SignalMessage{Type: transport.SignalOffer}))
	require.NoError(t, alice.WriteJSON(transport.SignalMessage{Type: transport.SignalHeartbeat}))
	require.NoError(t, alice.WriteJSON(offer("bob", "c2")))

	got := readSignal(t, bob)
	assert.Equal(t, "c2", got.Payload.ConnectionID)
}

func TestRelayFreesIDOnDisconnect(t *testing.T) {
	r := startRelay(t, nil)
	alice := register(t, r, "alice")
	require.Equal(t, 1, r.srv.GetActiveConnections())

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return r.srv.GetActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	register(t, r, "alice")
}

func TestHealthz(t *testing.T) {
	r := startRelay(t, nil)
	register(t, r, "alice")

	resp, err := http.Get(r.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Peers)
	assert.False(t, health.Redis)
}

func TestRelayShutdownClosesPeers(t *testing.T) {
	r := startRelay(t, nil)
	alice := register(t, r, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "want close frame, got %v", err)
	assert.Equal(t, 0, r.srv.GetActiveConnections())
}

func TestRelayAcrossInstances(t *testing.T) {
	brokers := newMemoryBrokers()
	first := brokers.broker("first")
	second := brokers.broker("second")
	r1 := startRelay(t, first)
	r2 := startRelay(t, second)

	alice := register(t, r1, "alice")
	bob := register(t, r2, "bob")

	owner, ok := first.owner("bob")
	require.True(t, ok)
	assert.Equal(t, "second", owner)

	t.Run("forwards to the owning instance", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(offer("bob", "c1")))
		got := readSignal(t, bob)
		assert.Equal(t, transport.SignalOffer, got.Type)
		assert.Equal(t, "alice", got.Src)
	})

	t.Run("id taken on another instance", func(t *testing.T) {
		conn := dial(t, r2, "alice")
		assert.Equal(t, transport.SignalIDTaken, readSignal(t, conn).Type)
	})

	t.Run("expires when no instance owns the id", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(offer("nobody", "c3")))
		got := readSignal(t, alice)
		assert.Equal(t, transport.SignalExpire, got.Type)
		assert.Equal(t, "c3", got.Payload.ConnectionID)
	})

	t.Run("releases the claim on disconnect", func(t *testing.T) {
		require.NoError(t, bob.Close())
		require.Eventually(t, func() bool {
			_, ok := first.owner("bob")
			return !ok
		}, 2*time.Second, 10*time.Millisecond)
	})
}
