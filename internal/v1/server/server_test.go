package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrightlabs/syncroom/internal/v1/config"
	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		MountPath:         "/ws",
		GoEnv:             "test",
		LogLevel:          "debug",
		RateLimitCapacity: 20,
		AllowedOrigins:    []string{"http://localhost:3000"},
	}
}

func TestServer_RoomLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())
	ctx := context.Background()

	id, state, err := s.CreateRoom(ctx, map[string]any{"phase": "lobby"}, 0, "")
	require.NoError(t, err)
	require.Len(t, id, types.IDLength)
	require.NotNil(t, state)
	require.Len(t, state.Keys, 1)
	assert.Equal(t, "phase", state.Keys[0].Key)

	storage, err := s.GetRoomStorage(id)
	require.NoError(t, err)
	assert.Equal(t, "lobby", storage["phase"])

	require.NoError(t, s.UpdateRoomStorage(ctx, id, "phase", crdt.OpSet, "playing", nil))
	storage, err = s.GetRoomStorage(id)
	require.NoError(t, err)
	assert.Equal(t, "playing", storage["phase"])

	rooms := s.GetRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, id, rooms[0].ID)
	assert.Equal(t, types.OwnerServer, rooms[0].Owner)

	require.NoError(t, s.DestroyRoom(ctx, id, "done"))
	_, err = s.GetRoomStorage(id)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestServer_CreationHookDenies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())
	s.OnEvent(hooks.RoomCreationRequested, func(ctx context.Context, payload any) any {
		return false
	})

	_, _, err := s.CreateRoom(context.Background(), nil, 0, "")
	assert.ErrorIs(t, err, types.ErrDeniedByHook)
}

func TestServer_CreateRoomWithClientHost(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())

	id, _, err := s.CreateRoom(context.Background(), nil, 0, "alice1")
	require.NoError(t, err)

	rooms := s.GetRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, id, rooms[0].ID)
	assert.Equal(t, "alice1", rooms[0].Host)
	assert.Equal(t, types.OwnerServer, rooms[0].Owner)
}

func TestServer_KickUnknownClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())

	err := s.Kick(context.Background(), "nobody", "bye")
	assert.ErrorIs(t, err, types.ErrSessionUnknown)
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestServer_UpgradeRejectsBadOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testConfig())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
