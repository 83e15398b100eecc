package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

func TestRegistryCreate_SeedsStorage(t *testing.T) {
	reg := NewRegistry(nil)

	r, err := reg.Create(context.Background(), map[string]any{"mode": "lobby", "round": float64(1)},
		0, types.ServerHost(), types.OwnerClient, "alice")
	require.NoError(t, err)
	assert.Len(t, string(r.ID), types.IDLength)
	assert.Equal(t, uint64(0), r.Version())
	assert.Equal(t, types.MaxRoomSizeClient, r.MaxSize())
	assert.Equal(t, map[string]any{"mode": "lobby", "round": float64(1)}, r.Storage())

	got, ok := reg.Get(r.ID)
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryCreate_SizeClamp(t *testing.T) {
	reg := NewRegistry(nil)

	small, err := reg.Create(context.Background(), nil, 5, types.ServerHost(), types.OwnerClient, "")
	require.NoError(t, err)
	assert.Equal(t, 5, small.MaxSize())

	over, err := reg.Create(context.Background(), nil, 10000, types.ServerHost(), types.OwnerClient, "")
	require.NoError(t, err)
	assert.Equal(t, types.MaxRoomSizeClient, over.MaxSize())

	server, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerServer, "")
	require.NoError(t, err)
	assert.Equal(t, types.MaxRoomSizeServer, server.MaxSize())
}

func TestRegistryCreate_HookDenies(t *testing.T) {
	h := hooks.NewRegistry()
	h.On(hooks.RoomCreationRequested, func(ctx context.Context, payload any) any {
		return false
	})
	reg := NewRegistry(h)

	_, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerClient, "alice")
	assert.ErrorIs(t, err, types.ErrDeniedByHook)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryCreate_HookOverridesStorage(t *testing.T) {
	h := hooks.NewRegistry()
	h.On(hooks.RoomCreationRequested, func(ctx context.Context, payload any) any {
		p := payload.(hooks.CreationPayload)
		assert.Equal(t, types.ClientIDType("alice"), p.ClientID)
		return map[string]any{"seeded": "by-hook"}
	})
	reg := NewRegistry(h)

	r, err := reg.Create(context.Background(), map[string]any{"original": true},
		0, types.ServerHost(), types.OwnerClient, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seeded": "by-hook"}, r.Storage())
}

func TestRegistryCreate_HookCannotMutateCallerStorage(t *testing.T) {
	h := hooks.NewRegistry()
	h.On(hooks.RoomCreationRequested, func(ctx context.Context, payload any) any {
		p := payload.(hooks.CreationPayload)
		p.InitialStorage["injected"] = true
		return nil
	})
	reg := NewRegistry(h)

	original := map[string]any{"mode": "lobby"}
	_, err := reg.Create(context.Background(), original, 0, types.ServerHost(), types.OwnerClient, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mode": "lobby"}, original)
}

func TestRegistryCreate_FiresRoomCreated(t *testing.T) {
	h := hooks.NewRegistry()
	var created hooks.CreationPayload
	h.On(hooks.RoomCreated, func(ctx context.Context, payload any) any {
		created = payload.(hooks.CreationPayload)
		return nil
	})
	reg := NewRegistry(h)

	r, err := reg.Create(context.Background(), map[string]any{"k": "v"},
		0, types.ServerHost(), types.OwnerClient, "alice")
	require.NoError(t, err)
	assert.Equal(t, r.ID, created.RoomID)
	assert.Equal(t, map[string]any{"k": "v"}, created.InitialStorage)
}

func TestRegistryCreate_SlowHookDoesNotBlockLookups(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := hooks.NewRegistry()
	h.On(hooks.RoomCreationRequested, func(ctx context.Context, payload any) any {
		close(entered)
		<-release
		return nil
	})
	reg := NewRegistry(h)

	type result struct {
		r   *Room
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerClient, "")
		done <- result{r, err}
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("creation hook never ran")
	}

	// The registry stays answerable while the hook is in flight.
	assert.Equal(t, 0, reg.Len())
	_, ok := reg.Get("nope42")
	assert.False(t, ok)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	got, ok := reg.Get(res.r.ID)
	require.True(t, ok)
	assert.Same(t, res.r, got)
}

func TestRegistryDestroy_KicksParticipants(t *testing.T) {
	h := hooks.NewRegistry()
	destroyed := false
	h.On(hooks.RoomDestroyed, func(ctx context.Context, payload any) any {
		destroyed = true
		return nil
	})
	reg := NewRegistry(h)

	r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerServer, "")
	require.NoError(t, err)
	alice := NewMockParticipant("alice")
	require.NoError(t, r.AddParticipant(alice))

	require.NoError(t, reg.Destroy(context.Background(), r.ID, ""))

	kicked := alice.FramesOfType(wire.FrameKicked)
	require.Len(t, kicked, 1)
	assert.Equal(t, "Room destroyed by server", kicked[0].Reason)
	assert.True(t, alice.Disconnected())
	assert.True(t, destroyed)

	_, ok := reg.Get(r.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, reg.Destroy(context.Background(), r.ID, ""), types.ErrRoomNotFound)
}

func TestRegistryDestroy_CustomReason(t *testing.T) {
	reg := NewRegistry(nil)
	r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerServer, "")
	require.NoError(t, err)
	alice := NewMockParticipant("alice")
	require.NoError(t, r.AddParticipant(alice))

	require.NoError(t, reg.Destroy(context.Background(), r.ID, "Server restart."))
	require.Len(t, alice.FramesOfType(wire.FrameKicked), 1)
	assert.Equal(t, "Server restart.", alice.LastFrame().Reason)
}

func TestRegistryRemove_NoKick(t *testing.T) {
	reg := NewRegistry(nil)
	r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerClient, "")
	require.NoError(t, err)

	reg.Remove(context.Background(), r.ID)
	_, ok := reg.Get(r.ID)
	assert.False(t, ok)

	// Removing twice is harmless.
	reg.Remove(context.Background(), r.ID)
}

func TestRegistryUpdateStorage(t *testing.T) {
	h := hooks.NewRegistry()
	var observed hooks.UpdatePayload
	h.On(hooks.StorageUpdated, func(ctx context.Context, payload any) any {
		observed = payload.(hooks.UpdatePayload)
		return nil
	})
	reg := NewRegistry(h)

	r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerServer, "")
	require.NoError(t, err)
	alice := NewMockParticipant("alice")
	require.NoError(t, r.AddParticipant(alice))

	require.NoError(t, reg.UpdateStorage(context.Background(), r.ID, "round", crdt.OpSet, float64(2), nil))

	updated := alice.FramesOfType(wire.FramePropertyUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, uint64(1), updated[0].Version)
	assert.Equal(t, r.ID, observed.RoomID)
	assert.Equal(t, map[string]any{"round": float64(2)}, observed.Storage)

	storage, err := reg.GetStorage(r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"round": float64(2)}, storage)
}

func TestRegistryUpdateStorage_UnknownRoom(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.UpdateStorage(context.Background(), "NOPE", "k", crdt.OpSet, "v", nil)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)

	_, err = reg.GetStorage("NOPE")
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestRegistryForEachParticipant(t *testing.T) {
	reg := NewRegistry(nil)
	r, err := reg.Create(context.Background(), nil, 0, types.ServerHost(), types.OwnerServer, "")
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant(NewMockParticipant("alice")))
	require.NoError(t, r.AddParticipant(NewMockParticipant("bob")))

	var order []types.ClientIDType
	require.NoError(t, reg.ForEachParticipant(r.ID, func(p Participant) {
		order = append(order, p.GetID())
	}))
	assert.Equal(t, []types.ClientIDType{"alice", "bob"}, order)

	assert.ErrorIs(t, reg.ForEachParticipant("NOPE", func(Participant) {}), types.ErrRoomNotFound)
}

func TestRegistrySnapshot(t *testing.T) {
	reg := NewRegistry(nil)
	r, err := reg.Create(context.Background(), nil, 0, types.NewClientHost("alice"), types.OwnerClient, "alice")
	require.NoError(t, err)
	require.NoError(t, r.AddParticipant(NewMockParticipant("alice")))

	infos := reg.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, r.ID, infos[0].ID)
	assert.Equal(t, 1, infos[0].ParticipantCount)
	assert.Equal(t, "alice", infos[0].Host)
	assert.Equal(t, types.OwnerClient, infos[0].Owner)
}
