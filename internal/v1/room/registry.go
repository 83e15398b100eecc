package room

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/metrics"
	"github.com/wrightlabs/syncroom/internal/v1/sanitize"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// Registry is the process-wide room table.
type Registry struct {
	mu       sync.Mutex
	rooms    map[types.RoomIDType]*Room
	reserved map[types.RoomIDType]struct{} // ids minted by in-flight creations
	hooks    *hooks.Registry
}

// NewRegistry returns an empty registry wired to the given hook registry.
func NewRegistry(h *hooks.Registry) *Registry {
	if h == nil {
		h = hooks.NewRegistry()
	}
	return &Registry{
		rooms:    make(map[types.RoomIDType]*Room),
		reserved: make(map[types.RoomIDType]struct{}),
		hooks:    h,
	}
}

// Create mints a room, consults the roomCreationRequested hook, seeds the
// document from initialStorage, and registers the room. creator is the
// requesting client id, empty for rooms created by the host application.
func (reg *Registry) Create(ctx context.Context, initialStorage map[string]any, size int, host types.Host, owner types.RoomOwner, creator types.ClientIDType) (*Room, error) {
	reg.mu.Lock()
	id, err := reg.mintIDLocked()
	if err != nil {
		reg.mu.Unlock()
		return nil, err
	}
	reg.reserved[id] = struct{}{}
	reg.mu.Unlock()
	defer func() {
		reg.mu.Lock()
		delete(reg.reserved, id)
		reg.mu.Unlock()
	}()

	// From here the registry lock is released: the creation hook is host
	// code and may block, and lookups on other rooms must not stall behind
	// it. The reservation keeps the minted id out of concurrent mints.
	//
	// Hooks get a deep copy so an observing callback cannot corrupt the
	// seed, and an overriding one replaces it wholesale.
	payload := hooks.CreationPayload{
		RoomID:         id,
		ClientID:       creator,
		InitialStorage: deepCopyStorage(initialStorage),
	}
	storage, allowed := reg.hooks.DecideCreation(ctx, payload)
	if !allowed {
		return nil, fmt.Errorf("%w: room creation", types.ErrDeniedByHook)
	}

	limit := types.MaxRoomSizeClient
	if owner == types.OwnerServer {
		limit = types.MaxRoomSizeServer
	}
	if size <= 0 || size > limit {
		size = limit
	}

	r := newRoom(id, host, size, owner)
	for key, value := range storage {
		if _, _, err := r.ApplyLocal(key, crdt.OpSet, value, nil); err != nil {
			logging.Warn(ctx, "Dropping initial storage key",
				zap.String("room_id", string(id)), zap.String("key", key), zap.Error(err))
		}
	}
	// Seeding is setup, not synchronized history; the fence starts at zero.
	r.mu.Lock()
	r.version = 0
	r.mu.Unlock()

	reg.mu.Lock()
	reg.rooms[id] = r
	reg.mu.Unlock()
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("room_id", string(id)), zap.String("owner", string(owner)),
		zap.String("host", host.String()), zap.Int("max_size", size))

	reg.hooks.Notify(ctx, hooks.RoomCreated, hooks.CreationPayload{
		RoomID:         id,
		ClientID:       creator,
		InitialStorage: r.Storage(),
	})
	return r, nil
}

// mintIDLocked draws room ids until one is free, bounded by MintRetries.
func (reg *Registry) mintIDLocked() (types.RoomIDType, error) {
	for i := 0; i < types.MintRetries; i++ {
		id := types.RoomIDType(types.MintID())
		if _, taken := reg.rooms[id]; taken {
			continue
		}
		if _, taken := reg.reserved[id]; taken {
			continue
		}
		return id, nil
	}
	return "", types.ErrMintExhausted
}

// Get looks a room up.
func (reg *Registry) Get(id types.RoomIDType) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Destroy kicks every participant, removes the room, and fires
// roomDestroyed. Kicked clients receive the reason before their transport
// closes.
func (reg *Registry) Destroy(ctx context.Context, id types.RoomIDType, reason string) error {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if ok {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	if !ok {
		return types.ErrRoomNotFound
	}
	if reason == "" {
		reason = "Room destroyed by server"
	}

	r.ForEach(func(p Participant) {
		p.SendFrame(&wire.Frame{Type: wire.FrameKicked, Reason: reason})
		p.Disconnect()
	})

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(id))
	logging.Info(ctx, "Room destroyed", zap.String("room_id", string(id)))

	reg.hooks.Notify(ctx, hooks.RoomDestroyed, hooks.CreationPayload{RoomID: id})
	return nil
}

// Remove deletes an emptied room without kicking anyone. Used when the
// last participant of a client-owned room leaves.
func (reg *Registry) Remove(ctx context.Context, id types.RoomIDType) {
	reg.mu.Lock()
	_, ok := reg.rooms[id]
	if ok {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(id))
	logging.Info(ctx, "Empty room removed", zap.String("room_id", string(id)))

	reg.hooks.Notify(ctx, hooks.RoomDestroyed, hooks.CreationPayload{RoomID: id})
}

// GetStorage returns a room's materialized document.
func (reg *Registry) GetStorage(id types.RoomIDType) (map[string]any, error) {
	r, ok := reg.Get(id)
	if !ok {
		return nil, types.ErrRoomNotFound
	}
	return r.Storage(), nil
}

// UpdateStorage is the server-authoritative write: apply on the room's own
// replica, bump the fence, broadcast, fire storageUpdated.
func (reg *Registry) UpdateStorage(ctx context.Context, id types.RoomIDType, key string, opType crdt.OpType, value, updateValue any) error {
	r, ok := reg.Get(id)
	if !ok {
		return types.ErrRoomNotFound
	}

	u, _, err := r.ApplyLocal(key, opType, value, updateValue)
	if err != nil {
		return err
	}

	reg.hooks.Notify(ctx, hooks.StorageUpdated, hooks.UpdatePayload{
		RoomID:  id,
		Update:  u,
		Storage: r.Storage(),
	})
	return nil
}

// ForEachParticipant visits a room's participants in join order.
func (reg *Registry) ForEachParticipant(id types.RoomIDType, fn func(p Participant)) error {
	r, ok := reg.Get(id)
	if !ok {
		return types.ErrRoomNotFound
	}
	r.ForEach(fn)
	return nil
}

// RoomInfo is one row of the registry snapshot.
type RoomInfo struct {
	ID               types.RoomIDType
	ParticipantCount int
	Host             string
	Version          uint64
	Owner            types.RoomOwner
}

// Snapshot lists the current rooms for the host-application interface and
// the readiness endpoint.
func (reg *Registry) Snapshot() []RoomInfo {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		_, count, host, version := r.Snapshot()
		out = append(out, RoomInfo{
			ID:               r.ID,
			ParticipantCount: count,
			Host:             host.String(),
			Version:          version,
			Owner:            r.Owner(),
		})
	}
	return out
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// deepCopyStorage clones an initial-storage map through sanitization, which
// both copies and cleans it. Keys whose values fail the size cap are
// dropped here rather than poisoning the seed.
func deepCopyStorage(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		clean, err := sanitize.Value(v)
		if err != nil {
			continue
		}
		out[k] = clean
	}
	return out
}
