// Package session owns everything between the websocket upgrade and the
// room registry: transports, registered client identities, the reconnection
// grace protocol, per-connection rate limiting, the heartbeat, and the
// frame dispatcher.
//
// Concurrency Design:
// Each transport runs its own read goroutine, so frames from one connection
// are handled strictly in arrival order. The Hub's mutex guards the session
// and connection tables; per-room atomicity lives in the room package.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/ratelimit"
	"github.com/wrightlabs/syncroom/internal/v1/room"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// Hub coordinates sessions, transports, and the room registry.
type Hub struct {
	registry *room.Registry
	hooks    *hooks.Registry
	limiter  *ratelimit.Limiter
	codec    wire.Codec

	mu          sync.Mutex
	sessions    map[types.ClientIDType]*session
	conns       map[string]*Client
	outstanding set.Set[string] // conn ids pinged and not yet answered

	pingInterval time.Duration
	graceWindow  time.Duration

	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHub wires the hub to its collaborators. rateCapacity is the
// per-connection frame budget per second.
func NewHub(registry *room.Registry, hookReg *hooks.Registry, rateCapacity int64) *Hub {
	if hookReg == nil {
		hookReg = hooks.NewRegistry()
	}
	if rateCapacity <= 0 {
		rateCapacity = types.RateLimitCapacity
	}
	return &Hub{
		registry:     registry,
		hooks:        hookReg,
		limiter:      ratelimit.New(rateCapacity),
		codec:        wire.JSONCodec{},
		sessions:     make(map[types.ClientIDType]*session),
		conns:        make(map[string]*Client),
		outstanding:  set.New[string](),
		pingInterval: types.TransportPingInterval,
		graceWindow:  types.ReconnectGrace,
		stopCh:       make(chan struct{}),
	}
}

// Hooks exposes the hook registry for the host application.
func (h *Hub) Hooks() *hooks.Registry {
	return h.hooks
}

// Registry exposes the room registry.
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// heartbeatLoop pings every transport on a fixed cadence and terminates
// the ones that never answered the previous ping.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.Lock()
	var stale []*Client
	var fresh []*Client
	for id, c := range h.conns {
		if h.outstanding.Has(id) {
			stale = append(stale, c)
		} else {
			h.outstanding.Insert(id)
			fresh = append(fresh, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		logging.Warn(context.Background(), "Terminating unresponsive transport",
			zap.String("conn_id", c.connID))
		c.Disconnect()
	}
	ping := &wire.Frame{Type: wire.FramePing}
	for _, c := range fresh {
		c.SendFrame(ping)
	}
}

// ClientCount returns the number of live transports.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SessionCount returns the number of registered identities, including
// sessions inside the grace window.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// addConn registers a freshly upgraded transport.
func (h *Hub) addConn(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.connID] = c
	metrics.IncConnection()
}

// route dispatches one inbound frame. It runs on the transport's read
// goroutine, so frames from one connection never interleave.
func (h *Hub) route(c *Client, f *wire.Frame) {
	if !f.Type.IsClientFrame() {
		metrics.Frames.WithLabelValues(string(f.Type), "invalid").Inc()
		return
	}

	cost := int64(1)
	if f.Type == wire.FrameCreateRoom {
		cost = types.RateCostCreateRoom
	}
	ctx := h.frameContext(c)
	if h.limiter.Charge(ctx, c.connID, cost) {
		metrics.Frames.WithLabelValues(string(f.Type), "rate_limited").Inc()
		c.terminate()
		return
	}

	timer := time.Now()
	status := "ok"
	switch f.Type {
	case wire.FrameRegister:
		status = h.handleRegister(ctx, c, f)
	case wire.FrameReconnect:
		status = h.handleReconnect(ctx, c, f)
	case wire.FrameCreateRoom:
		status = h.handleCreateRoom(ctx, c, f)
	case wire.FrameJoinRoom:
		status = h.handleJoinRoom(ctx, c, f)
	case wire.FrameUpdateProperty:
		status = h.handleUpdateProperty(ctx, c, f)
	case wire.FrameRequest:
		status = h.handleRequest(ctx, c, f)
	case wire.FrameDisconnect:
		status = h.handleDisconnect(ctx, c)
	case wire.FramePong:
		h.handlePong(c)
	}

	metrics.Frames.WithLabelValues(string(f.Type), status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(string(f.Type)).Observe(time.Since(timer).Seconds())
}

// frameContext builds the logging context for one frame.
func (h *Hub) frameContext(c *Client) context.Context {
	ctx := context.Background()
	if s := c.session(); s != nil {
		ctx = context.WithValue(ctx, logging.ClientIDKey, string(s.id))
		if rid := s.room(); rid != "" {
			ctx = context.WithValue(ctx, logging.RoomIDKey, string(rid))
		}
	}
	return ctx
}

func (h *Hub) handlePong(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outstanding.Delete(c.connID)
}

// handleTransportClose runs when a read loop exits. Host migration happens
// here, at the moment the transport drops, not when the grace window ends.
func (h *Hub) handleTransportClose(c *Client) {
	// Releases writePump even when the peer dropped without a close frame.
	c.Disconnect()

	h.mu.Lock()
	delete(h.conns, c.connID)
	h.outstanding.Delete(c.connID)
	h.mu.Unlock()

	s := c.session()
	if s == nil {
		return
	}
	if !s.detach(c) {
		// A reconnect already rebound the session to a newer transport.
		return
	}

	ctx := context.WithValue(context.Background(), logging.ClientIDKey, string(s.id))

	if rid := s.room(); rid != "" {
		if r, ok := h.registry.Get(rid); ok {
			r.MigrateHostFrom(s.id)
		}
	}

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()

	if s.isWillful() || stopped {
		logging.Info(ctx, "Client disconnected willfully")
		s.expire()
		h.teardown(ctx, s)
		return
	}

	logging.Info(ctx, "Transport lost, arming reconnection grace window")
	metrics.PendingReconnections.Inc()
	s.armGrace(h.graceWindow, func() {
		if s.endGrace() {
			metrics.PendingReconnections.Dec()
		}
		h.expire(s)
	})
}

// expire finalizes a session whose grace window elapsed.
func (h *Hub) expire(s *session) {
	if !s.expire() {
		return
	}
	ctx := context.WithValue(context.Background(), logging.ClientIDKey, string(s.id))
	logging.Info(ctx, "Reconnection grace expired")
	h.teardown(ctx, s)
}

// teardown removes a session from every table it appears in: the session
// map, its room's participant list, and, for a client-owned room emptied by
// the departure, the room itself.
func (h *Hub) teardown(ctx context.Context, s *session) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()

	rid := s.room()
	if rid != "" {
		s.setRoom("")
		if r, ok := h.registry.Get(rid); ok {
			if empty := r.RemoveParticipant(s.id); empty && r.Owner() == types.OwnerClient {
				h.registry.Remove(ctx, rid)
			}
		}
	}

	h.hooks.Notify(ctx, hooks.ClientDisconnected, hooks.DisconnectPayload{
		ClientID: s.id,
		RoomID:   rid,
	})
}

// Kick ejects a live client on behalf of the host application, whether or
// not it currently sits in a room. The kicked transport closes willfully,
// so no grace window follows.
func (h *Hub) Kick(ctx context.Context, id types.ClientIDType, reason string) error {
	h.mu.Lock()
	s := h.sessions[id]
	h.mu.Unlock()
	if s == nil {
		return types.ErrSessionUnknown
	}

	rid := s.room()
	if rid != "" {
		if r, ok := h.registry.Get(rid); ok {
			r.MigrateHostFrom(id)
			if empty := r.RemoveParticipant(id); empty && r.Owner() == types.OwnerClient {
				h.registry.Remove(ctx, rid)
			}
		}
		s.setRoom("")
	}

	s.markWillful()
	s.SendFrame(&wire.Frame{Type: wire.FrameKicked, Reason: reason})
	s.Disconnect()
	logging.Info(ctx, "Kicked client",
		zap.String("room_id", string(rid)), zap.String("client_id", string(id)), zap.String("reason", reason))
	return nil
}

// Stop tears the whole hub down: heartbeat, grace timers, rooms, and every
// remaining transport.
func (h *Hub) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	for _, info := range h.registry.Snapshot() {
		if err := h.registry.Destroy(ctx, info.ID, "Server restart."); err != nil {
			logging.Warn(ctx, "Failed to destroy room during shutdown",
				zap.String("room_id", string(info.ID)), zap.Error(err))
		}
	}

	h.mu.Lock()
	h.stopped = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	conns := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.sessions = make(map[types.ClientIDType]*session)
	h.conns = make(map[string]*Client)
	h.outstanding = set.New[string]()
	h.mu.Unlock()

	for _, s := range sessions {
		if s.endGrace() {
			metrics.PendingReconnections.Dec()
		}
		s.expire()
	}

	// Transports still open here never sat in a room, so the room-destroy
	// pass above did not kick them. They get the same farewell before the
	// stop notice; sends to already-closed transports drop harmlessly.
	kicked := &wire.Frame{Type: wire.FrameKicked, Reason: "Server restart."}
	stopped := &wire.Frame{Type: wire.FrameServerStopped}
	for _, c := range conns {
		c.SendFrame(kicked)
		c.SendFrame(stopped)
		c.Disconnect()
	}

	logging.Info(ctx, "Hub stopped",
		zap.Int("sessions", len(sessions)), zap.Int("transports", len(conns)))
}

// mintClientID draws ids until one is free of the session table.
func (h *Hub) mintClientID() (types.ClientIDType, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < types.MintRetries; i++ {
		id := types.ClientIDType(types.MintID())
		if _, taken := h.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", types.ErrMintExhausted
}

func newConnID() string {
	return uuid.NewString()
}
