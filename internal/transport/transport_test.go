package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	conns  []Conn
	data   [][]byte
	errs   []*Error
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) peerHandler() PeerHandler {
	return PeerHandler{
		OnOpen: func(id string) { r.add("open:" + id) },
		OnConnection: func(conn Conn) {
			r.mu.Lock()
			r.conns = append(r.conns, conn)
			r.mu.Unlock()
			r.add("connection:" + conn.PeerID())
		},
		OnDisconnected: func() { r.add("disconnected") },
		OnError: func(err *Error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.add("error:" + string(err.Kind))
		},
	}
}

func (r *recorder) connHandler() ConnHandler {
	return ConnHandler{
		OnOpen: func() { r.add("open") },
		OnData: func(data []byte) {
			r.mu.Lock()
			r.data = append(r.data, data)
			r.mu.Unlock()
			r.add("data:" + string(data))
		},
		OnClose: func() { r.add("close") },
	}
}

func TestEmitterBuffersUntilFirstSubscriber(t *testing.T) {
	var e emitter[PeerHandler]
	emitPeerOpen(&e, "a")
	emitPeerDisconnected(&e)

	first := &recorder{}
	e.subscribe(first.peerHandler())
	assert.Equal(t, []string{"open:a", "disconnected"}, first.Events())

	second := &recorder{}
	e.subscribe(second.peerHandler())
	emitPeerOpen(&e, "b")

	assert.Equal(t, []string{"open:a", "disconnected", "open:b"}, first.Events())
	assert.Equal(t, []string{"open:b"}, second.Events(), "buffered events go to the first subscriber only")
}

func TestEmitterUnsubscribe(t *testing.T) {
	var e emitter[ConnHandler]
	r := &recorder{}
	sub := e.subscribe(r.connHandler())

	emitConnOpen(&e)
	sub.Unsubscribe()
	sub.Unsubscribe()
	emitConnClose(&e)

	assert.Equal(t, []string{"open"}, r.Events())
}

func TestEmitterRemoveAllDropsLaterEvents(t *testing.T) {
	var e emitter[ConnHandler]
	emitConnOpen(&e)
	e.removeAll()

	r := &recorder{}
	e.subscribe(r.connHandler())
	emitConnClose(&e)

	assert.Equal(t, []string{"close"}, r.Events(), "events buffered before removeAll are discarded")
}

func TestSubscriptionsRelease(t *testing.T) {
	var e emitter[ConnHandler]
	r := &recorder{}

	var subs Subscriptions
	subs.Add(e.subscribe(r.connHandler()))
	subs.Add(e.subscribe(r.connHandler()))
	emitConnOpen(&e)
	subs.Release()
	emitConnOpen(&e)

	assert.Equal(t, []string{"open", "open"}, r.Events())
	subs.Release()
}

func TestMemoryNetworkConnect(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.NewPeerWithID("a")
	b := network.NewPeerWithID("b")

	aEvents := &recorder{}
	bEvents := &recorder{}
	a.Subscribe(aEvents.peerHandler())
	b.Subscribe(bEvents.peerHandler())

	conn, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", conn.PeerID())

	assert.Equal(t, []string{"open:a"}, aEvents.Events())
	assert.Equal(t, []string{"open:b", "connection:a"}, bEvents.Events())

	local := &recorder{}
	remote := &recorder{}
	conn.Subscribe(local.connHandler())
	require.Len(t, bEvents.conns, 1)
	bEvents.conns[0].Subscribe(remote.connHandler())

	require.NoError(t, conn.Send([]byte("hello")))
	require.NoError(t, bEvents.conns[0].Send([]byte("back")))

	assert.Equal(t, []string{"open", "data:back"}, local.Events())
	assert.Equal(t, []string{"open", "data:hello"}, remote.Events())

	require.NoError(t, conn.Close())
	assert.Equal(t, []string{"open", "data:back", "close"}, local.Events())
	assert.Equal(t, []string{"open", "data:hello", "close"}, remote.Events())

	assert.ErrorIs(t, conn.Send([]byte("late")), ErrNotOpen)
	assert.Empty(t, a.Conns())
}

func TestMemoryNetworkSendCopiesData(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.NewPeer()
	b := network.NewPeer()
	bEvents := &recorder{}
	b.Subscribe(bEvents.peerHandler())

	conn, err := a.Connect(context.Background(), b.ID())
	require.NoError(t, err)
	remote := &recorder{}
	bEvents.conns[0].Subscribe(remote.connHandler())

	payload := []byte("abc")
	require.NoError(t, conn.Send(payload))
	payload[0] = 'x'

	require.Len(t, remote.data, 1)
	assert.Equal(t, "abc", string(remote.data[0]))
}

func TestMemoryNetworkUnknownTarget(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.NewPeerWithID("a")
	events := &recorder{}
	a.Subscribe(events.peerHandler())

	conn, err := a.Connect(context.Background(), "nobody")
	require.NoError(t, err)

	connEvents := &recorder{}
	conn.Subscribe(connEvents.connHandler())

	assert.Equal(t, []string{"open:a", "error:peer-unavailable"}, events.Events())
	assert.Empty(t, connEvents.Events())
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrNotOpen)
}

func TestMemoryNetworkTakenID(t *testing.T) {
	network := NewMemoryNetwork()
	network.NewPeerWithID("a")
	dup := network.NewPeerWithID("a")

	events := &recorder{}
	dup.Subscribe(events.peerHandler())

	assert.Equal(t, []string{"error:unavailable-id"}, events.Events())
	assert.Empty(t, dup.ID())
}

func TestMemoryNetworkManualOpen(t *testing.T) {
	network := NewMemoryNetwork()
	network.SetManualOpen(true)
	p := network.NewPeerWithID("a")

	events := &recorder{}
	p.Subscribe(events.peerHandler())
	assert.Empty(t, events.Events())
	assert.Nil(t, network.Peer("a"))

	network.OpenPending()
	assert.Equal(t, []string{"open:a"}, events.Events())
	assert.Same(t, p, network.Peer("a"))
}

func TestMemoryNetworkFaults(t *testing.T) {
	network := NewMemoryNetwork()
	p := network.NewPeerWithID("a")
	events := &recorder{}
	p.Subscribe(events.peerHandler())

	assert.True(t, network.Fail("a", KindNetwork, "boom"))
	require.Len(t, events.errs, 1)
	assert.Equal(t, "boom", events.errs[0].Message)

	assert.True(t, network.Disconnect("a"))
	assert.False(t, network.Disconnect("a"), "disconnected peer is no longer registered")
	assert.Equal(t, []string{"open:a", "error:network", "disconnected"}, events.Events())

	_, err := p.Connect(context.Background(), "b")
	assert.Equal(t, KindDisconnected, KindOf(err))
}

func TestMemoryPeerDestroy(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.NewPeerWithID("a")
	b := network.NewPeerWithID("b")
	bEvents := &recorder{}
	b.Subscribe(bEvents.peerHandler())

	conn, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	local := &recorder{}
	conn.Subscribe(local.connHandler())
	remote := &recorder{}
	bEvents.conns[0].Subscribe(remote.connHandler())

	aEvents := &recorder{}
	a.Subscribe(aEvents.peerHandler())
	require.NoError(t, a.Destroy())

	assert.True(t, a.Destroyed())
	assert.Nil(t, network.Peer("a"))
	assert.Equal(t, []string{"open", "close"}, remote.Events())
	assert.Equal(t, []string{"open:a"}, aEvents.Events())

	_, err = a.Connect(context.Background(), "b")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("refused")
	err := NewError(KindNetwork, "Could not connect", cause)

	assert.Equal(t, "network: Could not connect (caused by: refused)", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "webrtc: failed", NewError(KindWebRTC, "failed", nil).Error())

	wrapped := fmt.Errorf("session: %w", err)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
}

func TestSignalTypeForwarded(t *testing.T) {
	tests := []struct {
		signal SignalType
		want   bool
	}{
		{SignalOffer, true},
		{SignalAnswer, true},
		{SignalLeave, true},
		{SignalHeartbeat, false},
		{SignalOpen, false},
		{SignalExpire, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.signal.Forwarded(), string(tt.signal))
	}
}
