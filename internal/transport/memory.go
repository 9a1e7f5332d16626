package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Compile-time interface checks.
var (
	_ Peer = (*MemoryPeer)(nil)
	_ Conn = (*memoryConn)(nil)
)

// MemoryNetwork connects peers in-process. Delivery is synchronous: Send
// hands the message to the remote connection's handlers before returning.
type MemoryNetwork struct {
	mu       sync.Mutex
	peers    map[string]*MemoryPeer
	manual   bool
	unopened []*MemoryPeer
	created  []*MemoryPeer
}

// NewMemoryNetwork returns a network whose peers open immediately.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*MemoryPeer)}
}

// SetManualOpen makes later peers wait for OpenPending before raising their
// open event.
func (n *MemoryNetwork) SetManualOpen(manual bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.manual = manual
}

// NewPeer creates a peer with a generated id.
func (n *MemoryNetwork) NewPeer() *MemoryPeer {
	return n.NewPeerWithID(uuid.NewString())
}

// NewPeerWithID creates a peer with the given id. If the id is taken the
// peer raises an unavailable-id error instead of opening.
func (n *MemoryNetwork) NewPeerWithID(id string) *MemoryPeer {
	p := &MemoryPeer{network: n, requested: id}

	n.mu.Lock()
	n.created = append(n.created, p)
	if n.manual {
		n.unopened = append(n.unopened, p)
		n.mu.Unlock()
		return p
	}
	n.mu.Unlock()

	n.open(p)
	return p
}

// Factory returns a Factory producing peers on this network.
func (n *MemoryNetwork) Factory() Factory {
	return func() Peer { return n.NewPeer() }
}

// OpenPending opens every peer held back by manual open.
func (n *MemoryNetwork) OpenPending() {
	n.mu.Lock()
	pending := n.unopened
	n.unopened = nil
	n.mu.Unlock()

	for _, p := range pending {
		n.open(p)
	}
}

func (n *MemoryNetwork) open(p *MemoryPeer) {
	n.mu.Lock()
	if _, taken := n.peers[p.requested]; taken {
		n.mu.Unlock()
		emitPeerError(&p.events, NewError(KindUnavailableID,
			fmt.Sprintf("ID %q is taken", p.requested), nil))
		return
	}
	n.peers[p.requested] = p
	n.mu.Unlock()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		n.remove(p)
		return
	}
	p.id = p.requested
	p.mu.Unlock()

	emitPeerOpen(&p.events, p.requested)
}

func (n *MemoryNetwork) lookup(id string) *MemoryPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *MemoryNetwork) remove(p *MemoryPeer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.peers[p.requested]; ok && current == p {
		delete(n.peers, p.requested)
	}
}

// Peer returns the registered peer with id, or nil.
func (n *MemoryNetwork) Peer(id string) *MemoryPeer {
	return n.lookup(id)
}

// Created returns every peer made on this network, in creation order.
func (n *MemoryNetwork) Created() []*MemoryPeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MemoryPeer(nil), n.created...)
}

// Disconnect drops id's registration and raises disconnected on it, as if
// the relay went away.
func (n *MemoryNetwork) Disconnect(id string) bool {
	p := n.lookup(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	n.remove(p)
	emitPeerDisconnected(&p.events)
	return true
}

// Fail raises a transport error of kind on id.
func (n *MemoryNetwork) Fail(id string, kind ErrorKind, message string) bool {
	p := n.lookup(id)
	if p == nil {
		return false
	}
	emitPeerError(&p.events, NewError(kind, message, nil))
	return true
}

// MemoryPeer is a Peer on a MemoryNetwork.
type MemoryPeer struct {
	network   *MemoryNetwork
	requested string
	events    emitter[PeerHandler]

	mu           sync.Mutex
	id           string
	conns        []*memoryConn
	disconnected bool
	destroyed    bool
}

// ID returns the id once open.
func (p *MemoryPeer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Subscribe registers handler for peer events.
func (p *MemoryPeer) Subscribe(handler PeerHandler) Subscription {
	return p.events.subscribe(handler)
}

// Connect links to targetID. Both ends open before Connect returns; the
// target receives a connection event first. An unknown target raises a
// peer-unavailable error and returns a connection that never opens.
func (p *MemoryPeer) Connect(ctx context.Context, targetID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.destroyed || p.disconnected {
		p.mu.Unlock()
		return nil, NewError(KindDisconnected, "Cannot connect to new peer after disconnecting from the server", ErrDestroyed)
	}
	if p.id == "" {
		p.mu.Unlock()
		return nil, NewError(KindDisconnected, "Peer is not registered with the server yet", nil)
	}
	localID := p.id
	p.mu.Unlock()

	local := &memoryConn{owner: p, peerID: targetID}
	p.track(local)

	target := p.network.lookup(targetID)
	if target == nil || target == p {
		emitPeerError(&p.events, NewError(KindPeerUnavailable,
			fmt.Sprintf("Could not connect to peer %s", targetID), nil))
		return local, nil
	}

	remote := &memoryConn{owner: target, peerID: localID}
	local.other = remote
	remote.other = local
	target.track(remote)

	emitPeerConnection(&target.events, remote)
	local.markOpen()
	remote.markOpen()
	return local, nil
}

// Disconnect drops the registration without raising an event.
func (p *MemoryPeer) Disconnect() error {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
	p.network.remove(p)
	return nil
}

// Destroy disconnects and closes every connection.
func (p *MemoryPeer) Destroy() error {
	p.Disconnect()

	p.mu.Lock()
	p.destroyed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.events.removeAll()
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// Destroyed reports whether Destroy was called.
func (p *MemoryPeer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Conns returns the peer's connections that have not been closed.
func (p *MemoryPeer) Conns() []Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var conns []Conn
	for _, conn := range p.conns {
		if !conn.isClosed() {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (p *MemoryPeer) track(conn *memoryConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
}

type memoryConn struct {
	owner  *MemoryPeer
	peerID string
	other  *memoryConn
	events emitter[ConnHandler]

	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *memoryConn) markOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	emitConnOpen(&c.events)
}

func (c *memoryConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memoryConn) PeerID() string {
	return c.peerID
}

func (c *memoryConn) Subscribe(handler ConnHandler) Subscription {
	return c.events.subscribe(handler)
}

func (c *memoryConn) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.mu.Unlock()

	other := c.other
	if other == nil || other.isClosed() {
		return ErrNotOpen
	}
	emitConnData(&other.events, append([]byte(nil), data...))
	return nil
}

// Close closes both ends; each raises close once.
func (c *memoryConn) Close() error {
	c.shutdown()
	if c.other != nil {
		c.other.shutdown()
	}
	return nil
}

func (c *memoryConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()
	emitConnClose(&c.events)
}
