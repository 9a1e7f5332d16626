package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
)

// DataChannelLabel is the label of the single data channel of a link.
const DataChannelLabel = "rtc2"

const (
	// signalDialTimeout bounds the WebSocket handshake with the relay.
	signalDialTimeout = 10 * time.Second

	// heartbeatInterval keeps the relay registration alive.
	heartbeatInterval = 5 * time.Second

	// signalWriteTimeout bounds a single write to the relay.
	signalWriteTimeout = 10 * time.Second

	// iceGatherTimeout is the maximum time to wait for ICE candidate
	// gathering before giving up on a link.
	iceGatherTimeout = 15 * time.Second
)

// Compile-time interface checks.
var (
	_ Peer = (*WebRTCPeer)(nil)
	_ Conn = (*webrtcConn)(nil)
)

// WebRTCConfig configures a WebRTCPeer.
type WebRTCConfig struct {
	// SignalURL is the relay's WebSocket endpoint, e.g.
	// ws://localhost:9000/peerjs.
	SignalURL string

	// RequestedID asks the relay for a specific id. Empty lets the relay
	// assign one.
	RequestedID string

	// ICEServers is passed to every PeerConnection. Empty means host
	// candidates only, which is enough on a LAN.
	ICEServers []webrtc.ICEServer

	// Dialer overrides the WebSocket dialer. Nil uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// WebRTCPeer is a Peer that registers with the rtc2 relay and carries links
// over WebRTC data channels.
type WebRTCPeer struct {
	config WebRTCConfig
	events emitter[PeerHandler]
	api    *webrtc.API

	writeMu sync.Mutex

	mu           sync.Mutex
	ws           *websocket.Conn
	id           string
	conns        map[string]*webrtcConn
	disconnected bool
	destroyed    bool

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebRTCPeer creates a peer and starts registering with the relay in the
// background. The open event carries the assigned id.
func NewWebRTCPeer(config WebRTCConfig) *WebRTCPeer {
	// Loopback candidates make same-machine links work, which is what a
	// user testing two peers on one laptop hits first.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	p := &WebRTCPeer{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		conns:  make(map[string]*webrtcConn),
		closed: make(chan struct{}),
	}
	go p.run()
	return p
}

// ID returns the relay-assigned id, or "" before open.
func (p *WebRTCPeer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Subscribe registers handler for peer events.
func (p *WebRTCPeer) Subscribe(handler PeerHandler) Subscription {
	return p.events.subscribe(handler)
}

func (p *WebRTCPeer) run() {
	ws, err := p.dial()
	if err != nil {
		if !p.isClosed() {
			emitPeerError(&p.events, NewError(KindNetwork, "Could not connect to the signaling server", err))
		}
		return
	}

	p.mu.Lock()
	if p.disconnected || p.destroyed {
		p.mu.Unlock()
		ws.Close()
		return
	}
	p.ws = ws
	p.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go p.heartbeat(done)

	for {
		var msg SignalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			p.lostSignaling(err)
			return
		}
		logging.LogSignal("recv", string(msg.Type), msg.Src, msg.Dst)
		p.handleSignal(msg)
	}
}

func (p *WebRTCPeer) dial() (*websocket.Conn, error) {
	target, err := url.Parse(p.config.SignalURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signal URL %q: %w", p.config.SignalURL, err)
	}
	if p.config.RequestedID != "" {
		query := target.Query()
		query.Set("id", p.config.RequestedID)
		target.RawQuery = query.Encode()
	}

	dialer := p.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalDialTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	ws, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (p *WebRTCPeer) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-p.closed:
			return
		case <-ticker.C:
			if err := p.send(SignalMessage{Type: SignalHeartbeat}); err != nil {
				logging.Debug("Heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// lostSignaling handles the relay socket going away. A socket lost before
// open is an error; after open it is a disconnect.
func (p *WebRTCPeer) lostSignaling(err error) {
	p.mu.Lock()
	if p.disconnected || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	opened := p.id != ""
	p.mu.Unlock()

	if !opened {
		emitPeerError(&p.events, NewError(KindSocketError, "Lost connection to the signaling server", err))
		return
	}
	logging.Warn("Signaling connection lost", zap.Error(err))
	emitPeerDisconnected(&p.events)
}

func (p *WebRTCPeer) handleSignal(msg SignalMessage) {
	switch msg.Type {
	case SignalOpen:
		p.mu.Lock()
		p.id = msg.Dst
		p.mu.Unlock()
		emitPeerOpen(&p.events, msg.Dst)

	case SignalIDTaken:
		emitPeerError(&p.events, NewError(KindUnavailableID,
			fmt.Sprintf("ID %q is taken", p.config.RequestedID), nil))

	case SignalError:
		message := "Relay error"
		if msg.Payload != nil && msg.Payload.Message != "" {
			message = msg.Payload.Message
		}
		emitPeerError(&p.events, NewError(KindServerError, message, nil))

	case SignalOffer:
		if msg.Payload == nil || msg.Payload.SDP == "" {
			logging.Warn("Dropping offer without SDP", zap.String("src", msg.Src))
			return
		}
		go p.answer(msg.Src, msg.Payload.ConnectionID, msg.Payload.SDP)

	case SignalAnswer:
		if msg.Payload == nil {
			return
		}
		conn := p.conn(msg.Payload.ConnectionID)
		if conn == nil {
			logging.Debug("Answer for unknown connection", zap.String("connection_id", msg.Payload.ConnectionID))
			return
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload.SDP}
		if err := conn.pc.SetRemoteDescription(answer); err != nil {
			p.failLink(conn, err)
		}

	case SignalExpire:
		// The relay could not deliver to Src.
		var conn *webrtcConn
		if msg.Payload != nil {
			conn = p.conn(msg.Payload.ConnectionID)
		}
		if conn != nil {
			conn.shutdown(false)
		}
		emitPeerError(&p.events, NewError(KindPeerUnavailable,
			fmt.Sprintf("Could not connect to peer %s", msg.Src), nil))

	case SignalLeave:
		for _, conn := range p.connsFor(msg.Src) {
			conn.shutdown(true)
		}

	case SignalHeartbeat:

	default:
		logging.Debug("Unknown signal message", zap.String("type", string(msg.Type)))
	}
}

// Connect starts a link to targetID. The offer is gathered and sent in the
// background; the returned connection opens once the answer arrives and ICE
// completes.
func (p *WebRTCPeer) Connect(ctx context.Context, targetID string) (Conn, error) {
	p.mu.Lock()
	if p.destroyed || p.disconnected {
		p.mu.Unlock()
		return nil, NewError(KindDisconnected, "Cannot connect to new peer after disconnecting from the server", ErrDestroyed)
	}
	if p.id == "" {
		p.mu.Unlock()
		return nil, NewError(KindDisconnected, "Peer is not registered with the server yet", nil)
	}
	p.mu.Unlock()

	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, NewError(KindWebRTC, "Could not create peer connection", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, NewError(KindWebRTC, "Could not create data channel", err)
	}

	conn := newWebRTCConn(p, targetID, uuid.NewString(), pc)
	conn.attach(dc)
	p.track(conn)

	go p.offer(conn)

	logging.LogConnection(targetID, "connecting")
	return conn, nil
}

func (p *WebRTCPeer) offer(conn *webrtcConn) {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		p.failLink(conn, fmt.Errorf("creating SDP offer: %w", err))
		return
	}

	sdp, err := p.gather(conn.pc, offer)
	if err != nil {
		p.failLink(conn, err)
		return
	}

	err = p.send(SignalMessage{
		Type:    SignalOffer,
		Dst:     conn.peerID,
		Payload: &SignalPayload{SDP: sdp, ConnectionID: conn.connectionID},
	})
	if err != nil {
		p.failLink(conn, fmt.Errorf("sending SDP offer: %w", err))
	}
}

func (p *WebRTCPeer) answer(src string, connectionID string, offerSDP string) {
	pc, err := p.newPeerConnection()
	if err != nil {
		logging.Error("Failed to create peer connection for offer", zap.String("src", src), zap.Error(err))
		return
	}

	conn := newWebRTCConn(p, src, connectionID, pc)
	p.track(conn)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			logging.Debug("Closing unexpected data channel", zap.String("label", dc.Label()))
			dc.Close()
			return
		}
		conn.attach(dc)
		emitPeerConnection(&p.events, conn)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		p.failLink(conn, fmt.Errorf("setting remote description: %w", err))
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.failLink(conn, fmt.Errorf("creating SDP answer: %w", err))
		return
	}

	sdp, err := p.gather(pc, answer)
	if err != nil {
		p.failLink(conn, err)
		return
	}

	err = p.send(SignalMessage{
		Type:    SignalAnswer,
		Dst:     src,
		Payload: &SignalPayload{SDP: sdp, ConnectionID: connectionID},
	})
	if err != nil {
		p.failLink(conn, fmt.Errorf("sending SDP answer: %w", err))
		return
	}
	logging.LogConnection(src, "answered")
}

// gather sets the local description and waits for ICE gathering to finish
// (vanilla ICE), returning the complete SDP.
func (p *WebRTCPeer) gather(pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-p.closed:
		return "", ErrDestroyed
	}
	return pc.LocalDescription().SDP, nil
}

// failLink drops a link that could not be negotiated and reports it as a
// webrtc error.
func (p *WebRTCPeer) failLink(conn *webrtcConn, err error) {
	conn.shutdown(false)
	if p.isClosed() {
		return
	}
	logging.Warn("Link negotiation failed", zap.String("peer", conn.peerID), zap.Error(err))
	emitPeerError(&p.events, NewError(KindWebRTC, "Negotiation failed", err))
}

func (p *WebRTCPeer) newPeerConnection() (*webrtc.PeerConnection, error) {
	return p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.config.ICEServers,
	})
}

func (p *WebRTCPeer) send(msg SignalMessage) error {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return NewError(KindDisconnected, "Not connected to the signaling server", nil)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		return err
	}
	logging.LogSignal("send", string(msg.Type), msg.Src, msg.Dst)
	return nil
}

func (p *WebRTCPeer) track(conn *webrtcConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn.connectionID] = conn
}

func (p *WebRTCPeer) forget(conn *webrtcConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.conns[conn.connectionID]; ok && current == conn {
		delete(p.conns, conn.connectionID)
	}
}

func (p *WebRTCPeer) conn(connectionID string) *webrtcConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[connectionID]
}

func (p *WebRTCPeer) connsFor(peerID string) []*webrtcConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var conns []*webrtcConn
	for _, conn := range p.conns {
		if conn.peerID == peerID {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (p *WebRTCPeer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Disconnect closes the relay socket. Existing links stay up but no new
// link can be made.
func (p *WebRTCPeer) Disconnect() error {
	p.mu.Lock()
	if p.disconnected || p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.disconnected = true
	ws := p.ws
	p.mu.Unlock()

	if ws == nil {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ws.Close()
}

// Destroy closes the relay socket and every link. Handlers receive nothing
// further.
func (p *WebRTCPeer) Destroy() error {
	err := p.Disconnect()

	p.mu.Lock()
	p.destroyed = true
	conns := make([]*webrtcConn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.closed) })
	p.events.removeAll()

	for _, conn := range conns {
		conn.shutdown(true)
	}
	return err
}

// webrtcConn is one data channel plus its PeerConnection.
type webrtcConn struct {
	peer         *WebRTCPeer
	peerID       string
	connectionID string
	pc           *webrtc.PeerConnection
	events       emitter[ConnHandler]

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	open   bool
	closed bool
}

func newWebRTCConn(peer *WebRTCPeer, peerID string, connectionID string, pc *webrtc.PeerConnection) *webrtcConn {
	c := &webrtcConn{
		peer:         peer,
		peerID:       peerID,
		connectionID: connectionID,
		pc:           pc,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logging.Debug("Peer connection state change",
			zap.String("peer", peerID),
			zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown(true)
		}
	})
	return c
}

func (c *webrtcConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		logging.LogConnection(c.peerID, "open")
		emitConnOpen(&c.events)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		emitConnData(&c.events, msg.Data)
	})
	dc.OnError(func(err error) {
		emitConnError(&c.events, err)
	})
	dc.OnClose(func() {
		c.shutdown(true)
	})
}

// PeerID returns the remote peer's id.
func (c *webrtcConn) PeerID() string {
	return c.peerID
}

// Subscribe registers handler for connection events.
func (c *webrtcConn) Subscribe(handler ConnHandler) Subscription {
	return c.events.subscribe(handler)
}

// Send transmits one binary message.
func (c *webrtcConn) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	dc := c.dc
	c.mu.Unlock()
	return dc.Send(data)
}

// Close closes the data channel and its PeerConnection.
func (c *webrtcConn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *webrtcConn) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	dc := c.dc
	c.mu.Unlock()

	c.peer.forget(c)
	if dc != nil {
		dc.Close()
	}
	if err := c.pc.Close(); err != nil {
		logging.Debug("Closing peer connection", zap.String("peer", c.peerID), zap.Error(err))
	}
	logging.LogConnection(c.peerID, "closed")
	if notify {
		emitConnClose(&c.events)
	}
}
