package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const writeWait = 10 * time.Second

// Client is one live transport. It carries no identity of its own until a
// register or reconnect frame binds it to a session; the session survives
// transport churn, the Client does not.
type Client struct {
	hub    *Hub
	conn   wsConnection
	connID string
	codec  wire.Codec

	send chan *wire.Frame

	mu         sync.Mutex
	sess       *session
	closed     bool
	terminated bool
}

func newClient(hub *Hub, conn wsConnection, connID string, codec wire.Codec) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		connID: connID,
		codec:  codec,
		send:   make(chan *wire.Frame, 256),
	}
}

func (c *Client) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) bind(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = s
}

// SendFrame queues a frame for delivery. A full or closed transport drops
// the frame; the version fence lets the client detect and recover from any
// gap this causes.
func (c *Client) SendFrame(f *wire.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing transport",
				zap.String("conn_id", c.connID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- f:
	default:
		logging.Warn(context.Background(), "Transport send buffer full, dropping frame",
			zap.String("conn_id", c.connID), zap.String("frame_type", string(f.Type)))
	}
}

// Disconnect closes the outbound channel, which makes writePump flush,
// send the close frame, and tear the connection down.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

// terminate closes the transport for a rate-limit violation, at most once.
func (c *Client) terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()

	metrics.RateLimitTerminations.Inc()
	logging.Warn(context.Background(), "Terminating transport over frame budget",
		zap.String("conn_id", c.connID))
	c.Disconnect()
}

// readPump decodes inbound frames and hands them to the hub in arrival
// order. It owns the disconnect path: when the read loop exits for any
// reason the hub is told the transport is gone.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleTransportClose(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping undecodable frame",
				zap.String("conn_id", c.connID), zap.Error(err))
			metrics.Frames.WithLabelValues("unknown", "undecodable").Inc()
			continue
		}

		c.hub.route(c, frame)

		c.mu.Lock()
		terminated := c.terminated
		c.mu.Unlock()
		if terminated {
			return
		}
	}
}

// writePump serializes queued frames onto the socket. Channel close is the
// shutdown signal: drain, emit the websocket close frame, exit.
func (c *Client) writePump() {
	defer c.conn.Close()

	for frame := range c.send {
		data, err := c.codec.Encode(frame)
		if err != nil {
			logging.Error(context.Background(), "Failed to encode frame",
				zap.String("frame_type", string(frame.Type)), zap.Error(err))
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			logging.Warn(context.Background(), "Error writing frame", zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
