// Package room implements the room registry and the per-room state: the
// replicated storage document, the ordered participant list, the host, and
// the monotonic version fence carried on every storage broadcast.
//
// Concurrency Design:
// Each Room guards its state with a read-write mutex. Applying an update,
// bumping the version, and fanning out the broadcast happen under one lock
// acquisition, so two updates to the same room serialize and every
// participant observes property_updated frames in the same version order.
package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// Participant defines the behavior the room needs from a connected client.
// This keeps the room independent of the transport package and lets tests
// substitute mock participants.
type Participant interface {
	GetID() types.ClientIDType
	SendFrame(f *wire.Frame)
	Disconnect()
}

// Room is one synchronization session: a replicated document plus its
// membership.
type Room struct {
	ID types.RoomIDType

	mu           sync.RWMutex
	engine       *crdt.Engine
	participants []Participant // ordered by join time
	index        map[types.ClientIDType]Participant
	host         types.Host
	maxSize      int
	version      uint64
	owner        types.RoomOwner
}

// newRoom builds a room around a fresh replica. Storage seeding and hook
// dispatch are the registry's job.
func newRoom(id types.RoomIDType, host types.Host, maxSize int, owner types.RoomOwner) *Room {
	return &Room{
		ID:      id,
		engine:  crdt.NewEngine(),
		index:   make(map[types.ClientIDType]Participant),
		host:    host,
		maxSize: maxSize,
		owner:   owner,
	}
}

// Owner reports who controls the room's lifecycle.
func (r *Room) Owner() types.RoomOwner {
	return r.owner
}

// MaxSize returns the participant cap.
func (r *Room) MaxSize() int {
	return r.maxSize
}

// Host returns the current host.
func (r *Room) Host() types.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// Version returns the current version fence.
func (r *Room) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the participant count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Has reports membership.
func (r *Room) Has(id types.ClientIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// AddParticipant appends a client to the ordered participant list and
// notifies the existing members with a client_connected frame.
func (r *Room) AddParticipant(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.GetID()
	if _, ok := r.index[id]; ok {
		return types.ErrAlreadyInRoom
	}
	if len(r.participants) >= r.maxSize {
		return types.ErrRoomFull
	}

	frame := &wire.Frame{
		Type:             wire.FrameClientConnected,
		Client:           string(id),
		ParticipantCount: len(r.participants) + 1,
	}
	for _, member := range r.participants {
		member.SendFrame(frame)
	}

	r.participants = append(r.participants, p)
	r.index[id] = p

	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.participants)))
	return nil
}

// RemoveParticipant drops a client from the list and notifies the
// remaining members. It reports whether the room is now empty.
func (r *Room) RemoveParticipant(id types.ClientIDType) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; !ok {
		return len(r.participants) == 0
	}
	delete(r.index, id)
	for i, p := range r.participants {
		if p.GetID() == id {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			break
		}
	}

	frame := &wire.Frame{
		Type:             wire.FrameClientDisconnected,
		Client:           string(id),
		ParticipantCount: len(r.participants),
	}
	for _, member := range r.participants {
		member.SendFrame(frame)
	}

	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.participants)))
	return len(r.participants) == 0
}

// MigrateHostFrom hands leadership to the first participant that is not
// the departing client and broadcasts the migration. A room without a
// successor keeps its host untouched.
func (r *Room) MigrateHostFrom(departing types.ClientIDType) (types.ClientIDType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, isClient := r.host.ClientID()
	if !isClient || current != departing {
		return "", false
	}

	for _, p := range r.participants {
		if p.GetID() == departing {
			continue
		}
		r.setHostLocked(p.GetID())
		return p.GetID(), true
	}
	return "", false
}

// PromoteHost installs a new client host and broadcasts the migration.
// Used by the join path when the current host is absent.
func (r *Room) PromoteHost(id types.ClientIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setHostLocked(id)
}

// setHostLocked updates the host and fans out host_migrated. Caller holds
// the write lock.
func (r *Room) setHostLocked(id types.ClientIDType) {
	r.host = types.NewClientHost(id)
	frame := &wire.Frame{Type: wire.FrameHostMigrated, NewHost: string(id)}
	for _, member := range r.participants {
		member.SendFrame(frame)
	}
	metrics.HostMigrations.Inc()
	logging.Info(context.Background(), "Host migrated",
		zap.String("room_id", string(r.ID)), zap.String("new_host", string(id)))
}

// ApplyImport folds a client-authored update into the document, bumps the
// version fence, and broadcasts property_updated to every participant.
// The three steps are atomic relative to other updates to this room.
func (r *Room) ApplyImport(u *crdt.PropertyUpdate) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.engine.ImportPropertyUpdate(u); err != nil {
		return 0, err
	}
	r.version++

	frame := &wire.Frame{Type: wire.FramePropertyUpdated, Update: u, Version: r.version}
	for _, member := range r.participants {
		member.SendFrame(frame)
	}
	return r.version, nil
}

// ApplyLocal is the server-authoritative write path: author the operation
// on the room's own replica, bump the version, broadcast.
func (r *Room) ApplyLocal(key string, opType crdt.OpType, value, updateValue any) (*crdt.PropertyUpdate, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, err := r.engine.UpdateProperty(key, opType, value, updateValue)
	if err != nil {
		return nil, 0, err
	}
	r.version++

	frame := &wire.Frame{Type: wire.FramePropertyUpdated, Update: u, Version: r.version}
	for _, member := range r.participants {
		member.SendFrame(frame)
	}
	return u, r.version, nil
}

// Broadcast fans a frame out to every participant, optionally excluding
// one sender.
func (r *Room) Broadcast(frame *wire.Frame, exclude types.ClientIDType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, member := range r.participants {
		if exclude != "" && member.GetID() == exclude {
			continue
		}
		member.SendFrame(frame)
	}
}

// ForEach visits every participant in join order.
func (r *Room) ForEach(fn func(p Participant)) {
	r.mu.RLock()
	members := append([]Participant(nil), r.participants...)
	r.mu.RUnlock()
	for _, p := range members {
		fn(p)
	}
}

// Storage returns the materialized document.
func (r *Room) Storage() map[string]any {
	return r.engine.Properties()
}

// Snapshot captures the join/reconnect payload: full state, participant
// count, host, and version, consistently under one lock.
func (r *Room) Snapshot() (*crdt.State, int, types.Host, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.ExportState(), len(r.participants), r.host, r.version
}
