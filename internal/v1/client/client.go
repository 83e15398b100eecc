// Package client implements the connecting side of the protocol: a replica
// of the room document, the optimistic update path, the version fence, and
// the reconnection state machine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// Errors surfaced by the client API.
var (
	ErrDestroyed      = errors.New("client instance destroyed")
	ErrCallInFlight   = errors.New("another call is already in flight")
	ErrCallTimeout    = errors.New("call timed out")
	ErrNotInRoom      = errors.New("not in a room")
	ErrNotConnected   = errors.New("not connected")
	ErrServerRejected = errors.New("server rejected the call")
)

// wsConn is the transport surface the client needs; *websocket.Conn
// satisfies it and tests substitute their own.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a transport to the server.
type Dialer func(ctx context.Context, url string) (wsConn, error)

func gorillaDialer(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Handlers are the application callbacks. All of them are optional and all
// run on the client's read goroutine.
type Handlers struct {
	OnStorageChanged     func(storage map[string]any)
	OnClientConnected    func(id string)
	OnClientDisconnected func(id string)
	OnHostMigrated       func(newHost string)
	OnKicked             func(reason string)
	OnInstanceDestroyed  func()
}

// Options configure a Client.
type Options struct {
	URL      string
	Codec    wire.Codec
	Dialer   Dialer
	Handlers Handlers

	// CallTimeout bounds each single-flight call; ReconnectAttempts and
	// ReconnectDelay shape the reconnection loop. Zero values take the
	// protocol defaults.
	CallTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type state int

const (
	stateIdle state = iota
	stateConnected
	stateRegistered
	stateInRoom
	stateDestroyed
)

// pendingCall is the single outstanding request/response exchange.
type pendingCall struct {
	accept map[wire.FrameType]bool
	result chan *wire.Frame
}

// Client is one participant instance. It owns its own CRDT replica; the
// server's room document is mirrored into it via state imports and
// property_updated frames.
type Client struct {
	opts    Options
	codec   wire.Codec
	dialer  Dialer
	handler Handlers

	mu       sync.Mutex
	conn     wsConn
	engine   *crdt.Engine
	st       state
	id       string
	token    string
	roomID   string
	host     string
	version  uint64
	call         *pendingCall
	willful      bool
	reconnecting bool
	readDone     chan struct{}

	wg sync.WaitGroup
}

// New builds an unconnected client.
func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = wire.JSONCodec{}
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = types.ClientCallTimeout
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = types.ClientReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = types.ClientReconnectDelay
	}
	return &Client{
		opts:    opts,
		codec:   opts.Codec,
		dialer:  opts.Dialer,
		handler: opts.Handlers,
		engine:  crdt.NewEngine(),
	}
}

// ID returns the registered client id.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// RoomID returns the current room, empty when not in one.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Host returns the last known host of the current room.
func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Storage returns the client's materialized view of the room document.
func (c *Client) Storage() map[string]any {
	return c.engine.Properties()
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.st == stateDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialer(ctx, c.opts.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.attach(conn)
	return nil
}

// attach installs a transport and spawns its read loop.
func (c *Client) attach(conn wsConn) {
	c.mu.Lock()
	c.conn = conn
	if c.st == stateIdle {
		c.st = stateConnected
	}
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.readLoop(conn)
	}()
}

// Register binds an identity to the connection. id may be empty; the
// server then mints one.
func (c *Client) Register(ctx context.Context, id string, customData any) error {
	reply, err := c.roundTrip(ctx, &wire.Frame{
		Type:       wire.FrameRegister,
		ID:         id,
		CustomData: customData,
	}, wire.FrameRegistered, wire.FrameRegistrationFailed)
	if err != nil {
		return err
	}
	if reply.Type == wire.FrameRegistrationFailed {
		return fmt.Errorf("%w: %s", ErrServerRejected, reply.Reason)
	}

	c.mu.Lock()
	c.id = reply.ID
	c.token = reply.SessionToken
	c.st = stateRegistered
	c.mu.Unlock()
	return nil
}

// CreateRoom creates a client-owned room and enters it as host.
func (c *Client) CreateRoom(ctx context.Context, initialStorage map[string]any, size int) (string, error) {
	reply, err := c.roundTrip(ctx, &wire.Frame{
		Type:           wire.FrameCreateRoom,
		InitialStorage: initialStorage,
		Size:           size,
	}, wire.FrameRoomCreated, wire.FrameRoomCreationFailed)
	if err != nil {
		return "", err
	}
	if reply.Type == wire.FrameRoomCreationFailed {
		return "", fmt.Errorf("%w: %s", ErrServerRejected, reply.Reason)
	}

	c.mu.Lock()
	c.roomID = reply.RoomID
	c.host = c.id
	c.version = 0
	c.st = stateInRoom
	c.mu.Unlock()
	if reply.State != nil {
		c.importState(reply.State)
	}
	return reply.RoomID, nil
}

// JoinRoom enters an existing room and hydrates the local replica from the
// server's snapshot.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	reply, err := c.roundTrip(ctx, &wire.Frame{
		Type:   wire.FrameJoinRoom,
		RoomID: roomID,
	}, wire.FrameJoinAccepted, wire.FrameJoinRejected)
	if err != nil {
		return err
	}
	if reply.Type == wire.FrameJoinRejected {
		return fmt.Errorf("%w: %s", ErrServerRejected, reply.Reason)
	}

	c.mu.Lock()
	c.roomID = roomID
	c.host = reply.Host
	c.version = reply.Version
	c.st = stateInRoom
	c.mu.Unlock()
	if reply.State != nil {
		c.importState(reply.State)
	}
	return nil
}

// UpdateProperty applies a mutation optimistically on the local replica
// and sends it to the server. The server's echo imports idempotently.
func (c *Client) UpdateProperty(key string, opType crdt.OpType, value, updateValue any) error {
	c.mu.Lock()
	if c.st == stateDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.st != stateInRoom {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	c.mu.Unlock()

	u, err := c.engine.UpdateProperty(key, opType, value, updateValue)
	if err != nil {
		return err
	}
	c.emitStorageIfChanged()
	return c.writeFrame(&wire.Frame{Type: wire.FrameUpdateProperty, Update: u})
}

// Request sends an opaque application message.
func (c *Client) Request(name string, data any) error {
	return c.writeFrame(&wire.Frame{
		Type:    wire.FrameRequest,
		Request: &wire.Request{Name: name, Data: data},
	})
}

// Disconnect leaves willfully: the server tears the session down with no
// grace window, and no reconnection is attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.willful = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.writeFrame(&wire.Frame{Type: wire.FrameDisconnect})
		_ = conn.Close()
	}
	c.destroy()
}

// Destroy tears the instance down locally. Safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	conn := c.conn
	c.willful = true
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.destroy()
}

// Wait blocks until all client goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) destroy() {
	c.mu.Lock()
	if c.st == stateDestroyed {
		c.mu.Unlock()
		return
	}
	c.st = stateDestroyed
	call := c.call
	c.call = nil
	c.conn = nil
	c.mu.Unlock()

	if call != nil {
		close(call.result)
	}
	if c.handler.OnInstanceDestroyed != nil {
		c.handler.OnInstanceDestroyed()
	}
}

// roundTrip is the single-flight request path: send one frame, wait for
// one of the accepted reply types or the timeout.
func (c *Client) roundTrip(ctx context.Context, f *wire.Frame, accepted ...wire.FrameType) (*wire.Frame, error) {
	call := &pendingCall{
		accept: make(map[wire.FrameType]bool, len(accepted)),
		result: make(chan *wire.Frame, 1),
	}
	for _, ft := range accepted {
		call.accept[ft] = true
	}

	c.mu.Lock()
	if c.st == stateDestroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.call != nil {
		c.mu.Unlock()
		return nil, ErrCallInFlight
	}
	c.call = call
	c.mu.Unlock()

	clear := func() {
		c.mu.Lock()
		if c.call == call {
			c.call = nil
		}
		c.mu.Unlock()
	}

	if err := c.writeFrame(f); err != nil {
		clear()
		return nil, err
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-call.result:
		clear()
		if !ok {
			return nil, ErrDestroyed
		}
		return reply, nil
	case <-timer.C:
		clear()
		return nil, ErrCallTimeout
	case <-ctx.Done():
		clear()
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(f *wire.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop decodes server frames until the transport dies, then decides
// between reconnection and destruction.
func (c *Client) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := c.codec.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping undecodable server frame", zap.Error(err))
			continue
		}
		if !c.handleFrame(frame) {
			_ = conn.Close()
			break
		}
	}

	c.mu.Lock()
	willful := c.willful
	destroyed := c.st == stateDestroyed
	hadIdentity := c.id != "" && c.token != ""
	reconnecting := c.reconnecting
	if c.conn == conn {
		c.conn = nil
	}
	call := c.call
	c.call = nil
	c.mu.Unlock()

	if call != nil {
		close(call.result)
	}
	if destroyed || willful {
		return
	}
	// A transport dialed by the reconnect loop must not spawn a second
	// loop when it dies; the loop owns the whole retry budget.
	if reconnecting {
		return
	}
	if !hadIdentity {
		c.destroy()
		return
	}
	c.reconnectLoop()
}

// handleFrame processes one server frame. Returning false force-closes the
// transport, which routes into reconnection.
func (c *Client) handleFrame(f *wire.Frame) bool {
	// Replies to the outstanding call.
	c.mu.Lock()
	call := c.call
	if call != nil && call.accept[f.Type] {
		c.call = nil
		c.mu.Unlock()
		call.result <- f
		return true
	}
	c.mu.Unlock()

	switch f.Type {
	case wire.FramePing:
		_ = c.writeFrame(&wire.Frame{Type: wire.FramePong})

	case wire.FramePropertyUpdated:
		return c.handlePropertyUpdated(f)

	case wire.FramePropertyUpdateRejected:
		if f.State != nil {
			c.importState(f.State)
			c.mu.Lock()
			c.version = f.Version
			c.mu.Unlock()
		}

	case wire.FrameClientConnected:
		if c.handler.OnClientConnected != nil {
			c.handler.OnClientConnected(f.Client)
		}

	case wire.FrameClientDisconnected:
		if c.handler.OnClientDisconnected != nil {
			c.handler.OnClientDisconnected(f.Client)
		}

	case wire.FrameHostMigrated:
		c.mu.Lock()
		c.host = f.NewHost
		c.mu.Unlock()
		if c.handler.OnHostMigrated != nil {
			c.handler.OnHostMigrated(f.NewHost)
		}

	case wire.FrameKicked:
		if c.handler.OnKicked != nil {
			c.handler.OnKicked(f.Reason)
		}
		c.mu.Lock()
		c.willful = true
		c.mu.Unlock()
		c.destroy()
		return false

	case wire.FrameServerStopped:
		c.mu.Lock()
		c.willful = true
		c.mu.Unlock()
		c.destroy()
		return false
	}
	return true
}

// handlePropertyUpdated enforces the version fence: any gap means missed
// frames, and the only safe recovery is a full resync through reconnect.
func (c *Client) handlePropertyUpdated(f *wire.Frame) bool {
	c.mu.Lock()
	expected := c.version + 1
	if f.Version != expected {
		c.mu.Unlock()
		logging.Warn(context.Background(), "Version fence gap, forcing resync",
			zap.Uint64("expected", expected), zap.Uint64("got", f.Version))
		return false
	}
	c.version = f.Version
	c.mu.Unlock()

	if f.Update != nil {
		if err := c.engine.ImportPropertyUpdate(f.Update); err != nil {
			logging.Warn(context.Background(), "Failed to import property update", zap.Error(err))
		}
	}
	c.emitStorageIfChanged()
	return true
}

// importState overwrites the local replica with a server snapshot.
func (c *Client) importState(state *crdt.State) {
	if err := c.engine.ImportState(state); err != nil {
		logging.Warn(context.Background(), "Failed to import state snapshot", zap.Error(err))
		return
	}
	c.emitStorageIfChanged()
}

func (c *Client) emitStorageIfChanged() {
	if c.handler.OnStorageChanged != nil && c.engine.DidPropertiesChange() {
		c.handler.OnStorageChanged(c.engine.Properties())
	}
}

// reconnectLoop runs the bounded retry protocol. Exhausting the attempts,
// or a reconnect answer without a room payload, destroys the instance.
// Exactly one loop runs per outage: attempt transports that die route
// back here through the reconnecting flag instead of starting their own.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(c.opts.ReconnectDelay)

		c.mu.Lock()
		if c.st == stateDestroyed || c.willful {
			c.mu.Unlock()
			return
		}
		id, token := c.id, c.token
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		conn, err := c.dialer(ctx, c.opts.URL)
		cancel()
		if err != nil {
			logging.Warn(context.Background(), "Reconnect dial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.attach(conn)
		reply, err := c.roundTrip(context.Background(), &wire.Frame{
			Type:         wire.FrameReconnect,
			ID:           id,
			SessionToken: token,
		}, wire.FrameReconnected, wire.FrameReconnectionFailed)
		if err != nil || reply.Type == wire.FrameReconnectionFailed {
			logging.Warn(context.Background(), "Reconnect attempt rejected",
				zap.Int("attempt", attempt), zap.Error(err))
			_ = conn.Close()
			continue
		}

		if reply.RoomData == nil {
			// The room is gone; there is nothing to resume.
			c.destroy()
			return
		}

		c.mu.Lock()
		c.host = reply.RoomData.Host
		c.version = reply.RoomData.Version
		c.st = stateInRoom
		// Hand ownership back before returning, so the fresh transport
		// re-enters reconnection if it dies right away.
		c.reconnecting = false
		c.mu.Unlock()
		c.importState(reply.RoomData.State)
		logging.Info(context.Background(), "Reconnected",
			zap.String("client_id", id), zap.Int("attempt", attempt))
		return
	}
	c.destroy()
}
