// Package server bundles the room registry, the session hub, and the HTTP
// surface into a single unit a host application can embed or run standalone.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wrightlabs/syncroom/internal/v1/config"
	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/health"
	"github.com/wrightlabs/syncroom/internal/v1/hooks"
	"github.com/wrightlabs/syncroom/internal/v1/middleware"
	"github.com/wrightlabs/syncroom/internal/v1/room"
	"github.com/wrightlabs/syncroom/internal/v1/session"
	"github.com/wrightlabs/syncroom/internal/v1/types"
)

// Server is the host-application facade. Zero-value is not usable; build
// one with New.
type Server struct {
	cfg      *config.Config
	hooks    *hooks.Registry
	registry *room.Registry
	hub      *session.Hub
	router   *gin.Engine
	httpSrv  *http.Server

	listener  net.Listener
	preflight gin.HandlerFunc
}

// Option customizes construction.
type Option func(*Server)

// WithListener serves on an already-bound listener instead of cfg.Port.
func WithListener(l net.Listener) Option {
	return func(s *Server) { s.listener = l }
}

// WithPreflight runs fn before the websocket upgrade, so the host
// application can gate upgrades (auth headers, custom origin policy).
func WithPreflight(fn gin.HandlerFunc) Option {
	return func(s *Server) { s.preflight = fn }
}

// WithHooks installs a pre-populated hook registry.
func WithHooks(h *hooks.Registry) Option {
	return func(s *Server) { s.hooks = h }
}

// New wires the full stack from a validated config.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hooks.NewRegistry()
	}

	s.registry = room.NewRegistry(s.hooks)
	s.hub = session.NewHub(s.registry, s.hooks, cfg.RateLimitCapacity)
	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.router,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	ws := []gin.HandlerFunc{}
	if s.preflight != nil {
		ws = append(ws, s.preflight)
	}
	ws = append(ws, s.hub.ServeWs(s.cfg.AllowedOrigins))
	router.GET(s.cfg.MountPath, ws...)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(s.registry, s.hub)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	return router
}

// Router exposes the gin engine, mainly for httptest servers.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// OnEvent registers a lifecycle hook.
func (s *Server) OnEvent(event string, h hooks.Handler) {
	s.hooks.On(event, h)
}

// CreateRoom creates a server-owned room and returns its id and seeded
// state. host names the client to install as host; empty (or the server
// sentinel) leaves the room hosted by the server itself. Server-owned
// rooms survive becoming empty.
func (s *Server) CreateRoom(ctx context.Context, initialStorage map[string]any, size int, host types.ClientIDType) (types.RoomIDType, *crdt.State, error) {
	h := types.ServerHost()
	if host != "" && host != types.ServerID {
		h = types.NewClientHost(host)
	}
	r, err := s.registry.Create(ctx, initialStorage, size, h, types.OwnerServer, "")
	if err != nil {
		return "", nil, err
	}
	state, _, _, _ := r.Snapshot()
	return r.ID, state, nil
}

// DestroyRoom kicks every participant with the given reason and removes the
// room.
func (s *Server) DestroyRoom(ctx context.Context, id types.RoomIDType, reason string) error {
	return s.registry.Destroy(ctx, id, reason)
}

// Kick ejects a live client, resolving its room (if any) from the session.
func (s *Server) Kick(ctx context.Context, clientID types.ClientIDType, reason string) error {
	return s.hub.Kick(ctx, clientID, reason)
}

// GetRoomStorage returns the materialized storage of a room.
func (s *Server) GetRoomStorage(id types.RoomIDType) (map[string]any, error) {
	return s.registry.GetStorage(id)
}

// UpdateRoomStorage applies a server-authoritative mutation to a room
// property and broadcasts it to every participant.
func (s *Server) UpdateRoomStorage(ctx context.Context, id types.RoomIDType, key string, opType crdt.OpType, value, updateValue any) error {
	return s.registry.UpdateStorage(ctx, id, key, opType, value, updateValue)
}

// GetRooms returns a point-in-time summary of every live room.
func (s *Server) GetRooms() []room.RoomInfo {
	return s.registry.Snapshot()
}

// Run starts the heartbeat and serves HTTP until Stop or a listener error.
func (s *Server) Run() error {
	s.hub.Start()

	var err error
	if s.listener != nil {
		err = s.httpSrv.Serve(s.listener)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop destroys every room, closes every transport, and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop(ctx)
	return s.httpSrv.Shutdown(ctx)
}
