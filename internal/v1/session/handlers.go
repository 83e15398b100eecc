package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/room"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// Wire-visible failure reasons.
const (
	reasonIDTaken        = "ID is taken"
	reasonUnknownClient  = "Client unknown to server"
	reasonTokenMismatch  = "Session token does not match"
	reasonNotRegistered  = "Not registered"
	reasonAlreadyInRoom  = "Already in a room"
	reasonRoomNotFound   = "Room not found"
	reasonRoomFull       = "Room is full"
	reasonCreationFailed = "Could not create room"
)

// handleRegister binds an identity to the transport. The id may come from
// the client or be minted here; either way it must be free of the live
// table and must not be the reserved server id.
func (h *Hub) handleRegister(ctx context.Context, c *Client, f *wire.Frame) string {
	if c.session() != nil {
		c.SendFrame(&wire.Frame{Type: wire.FrameRegistrationFailed, Reason: "Already registered"})
		return "rejected"
	}

	id := types.ClientIDType(f.ID)
	if id != "" {
		if id == types.ServerID || h.idInUse(id) {
			c.SendFrame(&wire.Frame{Type: wire.FrameRegistrationFailed, Reason: reasonIDTaken})
			return "rejected"
		}
	} else {
		minted, err := h.mintClientID()
		if err != nil {
			c.SendFrame(&wire.Frame{Type: wire.FrameRegistrationFailed, Reason: reasonIDTaken})
			return "rejected"
		}
		id = minted
	}

	allowed, reason := h.hooks.Decide(ctx, hooks.ClientRegistrationRequested, hooks.RegistrationPayload{
		ClientID:   id,
		CustomData: f.CustomData,
	})
	if !allowed {
		c.SendFrame(&wire.Frame{Type: wire.FrameRegistrationFailed, Reason: reason})
		return "rejected"
	}

	s := newSession(id, f.CustomData, c)

	h.mu.Lock()
	if _, taken := h.sessions[id]; taken {
		h.mu.Unlock()
		c.SendFrame(&wire.Frame{Type: wire.FrameRegistrationFailed, Reason: reasonIDTaken})
		return "rejected"
	}
	h.sessions[id] = s
	h.mu.Unlock()
	c.bind(s)

	logging.Info(ctx, "Client registered", zap.String("client_id", string(id)))
	c.SendFrame(&wire.Frame{Type: wire.FrameRegistered, ID: string(id), SessionToken: s.token})
	h.hooks.Notify(ctx, hooks.ClientRegistered, hooks.RegistrationPayload{ClientID: id, CustomData: f.CustomData})
	return "ok"
}

func (h *Hub) idInUse(id types.ClientIDType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, taken := h.sessions[id]
	return taken
}

// handleReconnect resumes a session inside its grace window on a fresh
// transport. A still-existing room is answered with a full snapshot; a
// destroyed one with a bare reconnected frame, which tells the client to
// wind itself down.
func (h *Hub) handleReconnect(ctx context.Context, c *Client, f *wire.Frame) string {
	if c.session() != nil {
		c.SendFrame(&wire.Frame{Type: wire.FrameReconnectionFailed, Reason: reasonUnknownClient})
		return "rejected"
	}

	id := types.ClientIDType(f.ID)
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok || !s.isAbsent() {
		c.SendFrame(&wire.Frame{Type: wire.FrameReconnectionFailed, Reason: reasonUnknownClient})
		return "rejected"
	}
	if !s.tokenMatches(f.SessionToken) {
		c.SendFrame(&wire.Frame{Type: wire.FrameReconnectionFailed, Reason: reasonTokenMismatch})
		return "rejected"
	}
	if !s.rebind(c) {
		c.SendFrame(&wire.Frame{Type: wire.FrameReconnectionFailed, Reason: reasonUnknownClient})
		return "rejected"
	}
	if s.endGrace() {
		metrics.PendingReconnections.Dec()
	}
	c.bind(s)

	reply := &wire.Frame{Type: wire.FrameReconnected}
	if rid := s.room(); rid != "" {
		if r, found := h.registry.Get(rid); found {
			state, count, host, version := r.Snapshot()
			reply.RoomData = &wire.RoomData{
				State:            state,
				ParticipantCount: count,
				Host:             host.String(),
				Version:          version,
			}
		} else {
			s.setRoom("")
		}
	}

	logging.Info(ctx, "Client reconnected",
		zap.String("client_id", string(id)), zap.Bool("room_restored", reply.RoomData != nil))
	c.SendFrame(reply)
	return "ok"
}

// handleCreateRoom creates a client-owned room with the requester as host
// and first participant.
func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, f *wire.Frame) string {
	s := c.session()
	if s == nil {
		c.SendFrame(&wire.Frame{Type: wire.FrameRoomCreationFailed, Reason: reasonNotRegistered})
		return "rejected"
	}
	if s.room() != "" {
		c.SendFrame(&wire.Frame{Type: wire.FrameRoomCreationFailed, Reason: reasonAlreadyInRoom})
		return "rejected"
	}

	r, err := h.registry.Create(ctx, f.InitialStorage, f.Size,
		types.NewClientHost(s.id), types.OwnerClient, s.id)
	if err != nil {
		reason := reasonCreationFailed
		if errors.Is(err, types.ErrDeniedByHook) {
			reason = "Denied"
		}
		c.SendFrame(&wire.Frame{Type: wire.FrameRoomCreationFailed, Reason: reason})
		return "rejected"
	}

	// The creator disconnecting while the creation hook ran is resolved
	// here: AddParticipant still succeeds, and the standard departure path
	// tears the empty client-owned room down.
	if err := r.AddParticipant(s); err != nil {
		c.SendFrame(&wire.Frame{Type: wire.FrameRoomCreationFailed, Reason: reasonCreationFailed})
		_ = h.registry.Destroy(ctx, r.ID, "")
		return "rejected"
	}
	s.setRoom(r.ID)

	state, _, _, _ := r.Snapshot()
	c.SendFrame(&wire.Frame{
		Type:   wire.FrameRoomCreated,
		RoomID: string(r.ID),
		State:  state,
		Size:   r.MaxSize(),
	})
	h.hooks.Notify(ctx, hooks.ClientJoinedRoom, hooks.JoinPayload{ClientID: s.id, RoomID: r.ID})
	return "ok"
}

// handleJoinRoom admits a registered client into an existing room. Joining
// a room whose host is inside its grace window promotes the joiner.
func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, f *wire.Frame) string {
	s := c.session()
	if s == nil {
		c.SendFrame(&wire.Frame{Type: wire.FrameJoinRejected, Reason: reasonNotRegistered})
		return "rejected"
	}
	if s.room() != "" {
		c.SendFrame(&wire.Frame{Type: wire.FrameJoinRejected, Reason: reasonAlreadyInRoom})
		return "rejected"
	}

	rid := types.RoomIDType(f.RoomID)
	r, found := h.registry.Get(rid)
	if !found {
		c.SendFrame(&wire.Frame{Type: wire.FrameJoinRejected, Reason: reasonRoomNotFound})
		return "rejected"
	}

	allowed, reason := h.hooks.Decide(ctx, hooks.ClientJoinRequested, hooks.JoinPayload{
		ClientID: s.id,
		RoomID:   rid,
	})
	if !allowed {
		c.SendFrame(&wire.Frame{Type: wire.FrameJoinRejected, Reason: reason})
		return "rejected"
	}

	if err := r.AddParticipant(s); err != nil {
		reason := reasonRoomNotFound
		if errors.Is(err, types.ErrRoomFull) {
			reason = reasonRoomFull
		}
		c.SendFrame(&wire.Frame{Type: wire.FrameJoinRejected, Reason: reason})
		return "rejected"
	}
	s.setRoom(rid)

	if hostID, isClient := r.Host().ClientID(); isClient && h.hostAbsent(hostID) {
		r.PromoteHost(s.id)
	}

	state, count, host, version := r.Snapshot()
	c.SendFrame(&wire.Frame{
		Type:             wire.FrameJoinAccepted,
		State:            state,
		ParticipantCount: count,
		Host:             host.String(),
		Version:          version,
	})
	h.hooks.Notify(ctx, hooks.ClientJoinedRoom, hooks.JoinPayload{ClientID: s.id, RoomID: rid})
	return "ok"
}

// hostAbsent reports whether the named client currently has no transport.
func (h *Hub) hostAbsent(id types.ClientIDType) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	return !ok || s.isAbsent()
}

// handleUpdateProperty imports a client-authored CRDT operation. Outside a
// room the frame is dropped without an answer; inside one, a hook veto or
// an import failure re-syncs the author with the room's full state.
func (h *Hub) handleUpdateProperty(ctx context.Context, c *Client, f *wire.Frame) string {
	s := c.session()
	if s == nil || s.room() == "" || f.Update == nil {
		return "dropped"
	}
	rid := s.room()
	r, found := h.registry.Get(rid)
	if !found {
		return "dropped"
	}

	if !h.hooks.DecideUpdate(ctx, hooks.UpdatePayload{
		RoomID:   rid,
		ClientID: s.id,
		Update:   f.Update,
		Storage:  r.Storage(),
	}) {
		h.resync(c, r)
		return "rejected"
	}

	if _, err := r.ApplyImport(f.Update); err != nil {
		logging.Warn(ctx, "Rejecting property update", zap.Error(err))
		h.resync(c, r)
		return "rejected"
	}

	h.hooks.Notify(ctx, hooks.StorageUpdated, hooks.UpdatePayload{
		RoomID:   rid,
		ClientID: s.id,
		Update:   f.Update,
		Storage:  r.Storage(),
	})
	return "ok"
}

// resync answers a rejected update with the room's authoritative state.
func (h *Hub) resync(c *Client, r *room.Room) {
	state, _, _, version := r.Snapshot()
	c.SendFrame(&wire.Frame{
		Type:    wire.FramePropertyUpdateRejected,
		State:   state,
		Version: version,
	})
}

// handleRequest passes an opaque application message to the host app.
func (h *Hub) handleRequest(ctx context.Context, c *Client, f *wire.Frame) string {
	s := c.session()
	if s == nil || f.Request == nil {
		return "dropped"
	}
	h.hooks.Notify(ctx, hooks.RequestReceived, hooks.RequestPayload{
		RoomID:   s.room(),
		ClientID: s.id,
		Name:     f.Request.Name,
		Data:     f.Request.Data,
	})
	return "ok"
}

// handleDisconnect marks the session willful; the transport close that
// follows tears it down with no grace window.
func (h *Hub) handleDisconnect(ctx context.Context, c *Client) string {
	if s := c.session(); s != nil {
		s.markWillful()
		logging.Info(ctx, "Client announced disconnect", zap.String("client_id", string(s.id)))
	}
	return "ok"
}
