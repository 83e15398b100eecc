// Package hooks dispatches application-defined callbacks at the service's
// decision points. Decision hooks interpret their return value as
// allow/deny/override; notification hooks only observe. A panicking hook is
// logged and treated as if it had returned its default, so a broken
// callback can never take the service down.
package hooks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/logging"
	"github.com/wrightlabs/syncroom/internal/v1/types"
)

// Event names accepted by OnEvent.
const (
	ClientRegistrationRequested = "clientRegistrationRequested"
	ClientJoinRequested         = "clientJoinRequested"
	RoomCreationRequested       = "roomCreationRequested"
	StorageUpdateRequested      = "storageUpdateRequested"
	RequestReceived             = "requestReceived"
	StorageUpdated              = "storageUpdated"
	ClientRegistered            = "clientRegistered"
	ClientJoinedRoom            = "clientJoinedRoom"
	ClientDisconnected          = "clientDisconnected"
	RoomCreated                 = "roomCreated"
	RoomDestroyed               = "roomDestroyed"
)

// Handler is an application callback. Decision hooks communicate through
// the return value: false denies, a string denies with that reason, a map
// overrides where overriding is defined, anything else allows.
type Handler func(ctx context.Context, payload any) any

// RegistrationPayload is handed to clientRegistrationRequested.
type RegistrationPayload struct {
	ClientID   types.ClientIDType
	CustomData any
}

// JoinPayload is handed to clientJoinRequested and clientJoinedRoom.
type JoinPayload struct {
	ClientID types.ClientIDType
	RoomID   types.RoomIDType
}

// CreationPayload is handed to roomCreationRequested and roomCreated. The
// registry passes a deep copy of the initial storage, so a hook may mutate
// or replace it freely.
type CreationPayload struct {
	RoomID         types.RoomIDType
	ClientID       types.ClientIDType
	InitialStorage map[string]any
}

// UpdatePayload is handed to storageUpdateRequested and storageUpdated.
type UpdatePayload struct {
	RoomID   types.RoomIDType
	ClientID types.ClientIDType
	Update   *crdt.PropertyUpdate
	Storage  map[string]any
}

// RequestPayload is handed to requestReceived.
type RequestPayload struct {
	RoomID   types.RoomIDType
	ClientID types.ClientIDType
	Name     string
	Data     any
}

// DisconnectPayload is handed to clientDisconnected.
type DisconnectPayload struct {
	ClientID types.ClientIDType
	RoomID   types.RoomIDType
}

// Registry holds the registered handlers per event. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry returns an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// On registers a handler for the named event.
func (r *Registry) On(event string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

func (r *Registry) get(event string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[event]
}

// run invokes one handler with panic containment. contained is true when
// the handler panicked and its result must be ignored.
func run(ctx context.Context, event string, h Handler, payload any) (result any, contained bool) {
	defer func() {
		if rec := recover(); rec != nil {
			contained = true
			logging.Error(ctx, "Hook panicked, proceeding with default",
				zap.String("event", event), zap.Any("panic", rec))
		}
	}()
	return h(ctx, payload), false
}

// Decide runs the decision handlers for an allow/deny event. The first
// handler returning false or a string denies; the string becomes the
// reason. No handlers, nil returns, and panics all allow.
func (r *Registry) Decide(ctx context.Context, event string, payload any) (allowed bool, reason string) {
	for _, h := range r.get(event) {
		result, contained := run(ctx, event, h, payload)
		if contained {
			continue
		}
		switch v := result.(type) {
		case bool:
			if !v {
				return false, "Denied"
			}
		case string:
			if v != "" {
				return false, v
			}
		}
	}
	return true, ""
}

// DecideCreation runs roomCreationRequested. A handler returning false
// aborts the creation; a handler returning a map overrides the initial
// storage (the last override wins); anything else proceeds.
func (r *Registry) DecideCreation(ctx context.Context, payload CreationPayload) (storage map[string]any, allowed bool) {
	storage = payload.InitialStorage
	for _, h := range r.get(RoomCreationRequested) {
		result, contained := run(ctx, RoomCreationRequested, h, payload)
		if contained {
			continue
		}
		switch v := result.(type) {
		case bool:
			if !v {
				return nil, false
			}
		case map[string]any:
			storage = v
		}
	}
	return storage, true
}

// DecideUpdate runs storageUpdateRequested. Only an explicit false rejects;
// the caller then re-syncs the offending client with full state.
func (r *Registry) DecideUpdate(ctx context.Context, payload UpdatePayload) bool {
	for _, h := range r.get(StorageUpdateRequested) {
		result, contained := run(ctx, StorageUpdateRequested, h, payload)
		if contained {
			continue
		}
		if v, ok := result.(bool); ok && !v {
			return false
		}
	}
	return true
}

// Notify runs notification-only handlers. Return values are ignored.
func (r *Registry) Notify(ctx context.Context, event string, payload any) {
	for _, h := range r.get(event) {
		run(ctx, event, h, payload)
	}
}
