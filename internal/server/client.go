package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/transport"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with gathered candidates
	// stays well below this.
	maxMessageSize = 64 * 1024

	// sendBuffer is the per-peer outbound queue length
	sendBuffer = 64
)

// client is one peer's signaling connection.
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan transport.SignalMessage
}

func newClient(id string, remote string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		remote: remote,
		conn:   conn,
		send:   make(chan transport.SignalMessage, sendBuffer),
	}
}

// readPump reads the peer's messages until the socket fails, then
// unregisters it.
func (c *client) readPump(hub *Hub, broker Broker) {
	defer func() {
		hub.Unregister(c)
		_ = c.conn.Close()
		if broker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if err := broker.Release(ctx, c.id); err != nil {
				logging.Warn("Failed to release peer id", zap.String("id", c.id), zap.Error(err))
			}
			cancel()
		}
		logging.LogConnection(c.remote, "websocket_closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Info("Connection closed or error reading message",
					zap.String("id", c.id),
					zap.String("remote_addr", c.remote),
					zap.Error(err),
				)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg transport.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn("Dropping malformed signal message",
				zap.String("id", c.id),
				zap.Error(err),
			)
			continue
		}
		c.handle(hub, broker, msg)
	}
}

func (c *client) handle(hub *Hub, broker Broker, msg transport.SignalMessage) {
	logging.LogSignal("recv", string(msg.Type), c.id, msg.Dst)

	switch {
	case msg.Type == transport.SignalHeartbeat:
		if broker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if err := broker.Refresh(ctx, c.id); err != nil {
				logging.Warn("Failed to refresh peer id", zap.String("id", c.id), zap.Error(err))
			}
			cancel()
		}

	case msg.Type.Forwarded():
		if msg.Dst == "" {
			logging.Warn("Dropping message without destination",
				zap.String("id", c.id),
				zap.String("type", string(msg.Type)),
			)
			return
		}
		msg.Src = c.id
		hub.Forward(msg)

	default:
		logging.Debug("Ignoring unexpected message type",
			zap.String("id", c.id),
			zap.String("type", string(msg.Type)),
		)
	}
}

// writePump drains the send queue and keeps the socket alive with pings.
// It sends a close frame once the hub closes the queue.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Debug("Write to peer failed", zap.String("id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject writes msg and closes the socket. Used before the client is
// registered, when no pumps run yet.
func reject(conn *websocket.Conn, msg transport.SignalMessage) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = conn.Close()
}
