package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/transport"
)

// routeTimeout bounds a broker lookup for a peer on another instance.
const routeTimeout = 5 * time.Second

type registration struct {
	client *client
	result chan bool
}

// Hub owns the id to connection table. A single goroutine runs every
// register, unregister and delivery in arrival order.
type Hub struct {
	broker Broker

	clients    map[string]*client
	register   chan registration
	unregister chan *client
	forward    chan transport.SignalMessage
	expire     chan transport.SignalMessage

	count atomic.Int64
	done  chan struct{}
}

func newHub(broker Broker) *Hub {
	return &Hub{
		broker:     broker,
		clients:    make(map[string]*client),
		register:   make(chan registration),
		unregister: make(chan *client),
		forward:    make(chan transport.SignalMessage, 64),
		expire:     make(chan transport.SignalMessage, 16),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	var remote <-chan transport.SignalMessage
	if h.broker != nil {
		remote = h.broker.Messages()
	}

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.count.Store(0)
			return

		case reg := <-h.register:
			if _, taken := h.clients[reg.client.id]; taken {
				reg.result <- false
				continue
			}
			h.clients[reg.client.id] = reg.client
			h.count.Store(int64(len(h.clients)))
			// OPEN goes out before anything forwarded to the new id.
			reg.client.send <- transport.SignalMessage{Type: transport.SignalOpen, Dst: reg.client.id}
			reg.result <- true
			logging.Debug("Peer registered",
				zap.String("id", reg.client.id),
				zap.Int("peers", len(h.clients)),
			)

		case c := <-h.unregister:
			if current, ok := h.clients[c.id]; ok && current == c {
				delete(h.clients, c.id)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
				logging.Debug("Peer unregistered",
					zap.String("id", c.id),
					zap.Int("peers", len(h.clients)),
				)
			}

		case msg := <-h.forward:
			h.route(ctx, msg)

		case msg := <-h.expire:
			h.expired(msg)

		case msg, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			if !h.deliver(msg) {
				logging.Debug("Routed message for a peer that already left",
					zap.String("type", string(msg.Type)),
					zap.String("dst", msg.Dst),
				)
			}
		}
	}
}

// route delivers msg locally, through the broker, or expires it.
func (h *Hub) route(ctx context.Context, msg transport.SignalMessage) {
	if h.deliver(msg) {
		return
	}
	if h.broker != nil {
		go h.routeRemote(ctx, msg)
		return
	}
	h.expired(msg)
}

func (h *Hub) routeRemote(ctx context.Context, msg transport.SignalMessage) {
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	ok, err := h.broker.Route(ctx, msg)
	if err != nil {
		logging.Warn("Broker routing failed", zap.String("dst", msg.Dst), zap.Error(err))
	}
	if ok {
		return
	}
	select {
	case h.expire <- msg:
	case <-h.done:
	}
}

// expired tells the sender of an undeliverable offer that its target is
// gone. Other undeliverable messages are dropped.
func (h *Hub) expired(msg transport.SignalMessage) {
	if msg.Type != transport.SignalOffer {
		logging.Debug("Dropping message for unknown peer",
			zap.String("type", string(msg.Type)),
			zap.String("src", msg.Src),
			zap.String("dst", msg.Dst),
		)
		return
	}

	reply := transport.SignalMessage{
		Type:    transport.SignalExpire,
		Src:     msg.Dst,
		Dst:     msg.Src,
		Payload: &transport.SignalPayload{Message: fmt.Sprintf("Could not connect to peer %s", msg.Dst)},
	}
	if msg.Payload != nil {
		reply.Payload.ConnectionID = msg.Payload.ConnectionID
	}
	h.deliver(reply)
}

// deliver queues msg for a local client. A client whose queue is full is
// dropped.
func (h *Hub) deliver(msg transport.SignalMessage) bool {
	c, ok := h.clients[msg.Dst]
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		logging.LogSignal("forward", string(msg.Type), msg.Src, msg.Dst)
	default:
		logging.Warn("Peer send queue full, dropping connection", zap.String("id", c.id))
		delete(h.clients, c.id)
		close(c.send)
		h.count.Store(int64(len(h.clients)))
	}
	return true
}

// Register adds c under its id and queues OPEN. It reports false if the id
// is taken or the hub has stopped.
func (h *Hub) Register(c *client) bool {
	reg := registration{client: c, result: make(chan bool, 1)}
	select {
	case h.register <- reg:
		return <-reg.result
	case <-h.done:
		return false
	}
}

// Unregister removes c if it still owns its id.
func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Forward routes msg to msg.Dst.
func (h *Hub) Forward(msg transport.SignalMessage) {
	select {
	case h.forward <- msg:
	case <-h.done:
	}
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
