// Package wire defines the framed request/response/broadcast protocol
// spoken between the server and its clients. One binary frame carries one
// message; every frame decodes to a typed record keyed by its frame type.
// The concrete byte codec is pluggable so the transport binding can choose
// its own serialization.
package wire

import "github.com/wrightlabs/syncroom/internal/v1/crdt"

// FrameType discriminates the frame union.
type FrameType string

// Client-originated frames.
const (
	FrameRegister       FrameType = "register"
	FrameReconnect      FrameType = "reconnect"
	FrameCreateRoom     FrameType = "create_room"
	FrameJoinRoom       FrameType = "join_room"
	FrameUpdateProperty FrameType = "update_property"
	FrameRequest        FrameType = "request"
	FrameDisconnect     FrameType = "disconnect"
	FramePong           FrameType = "pong"
)

// Server-originated frames.
const (
	FrameRegistered             FrameType = "registered"
	FrameRegistrationFailed     FrameType = "registration_failed"
	FrameReconnected            FrameType = "reconnected"
	FrameReconnectionFailed     FrameType = "reconnection_failed"
	FrameRoomCreated            FrameType = "room_created"
	FrameRoomCreationFailed     FrameType = "room_creation_failed"
	FrameJoinAccepted           FrameType = "join_accepted"
	FrameJoinRejected           FrameType = "join_rejected"
	FramePropertyUpdated        FrameType = "property_updated"
	FramePropertyUpdateRejected FrameType = "property_update_rejected"
	FrameClientConnected        FrameType = "client_connected"
	FrameClientDisconnected     FrameType = "client_disconnected"
	FrameHostMigrated           FrameType = "host_migrated"
	FrameKicked                 FrameType = "kicked"
	FrameServerStopped          FrameType = "server_stopped"
	FramePing                   FrameType = "ping"
)

// Request is the opaque pass-through payload handed to the host
// application's requestReceived hook.
type Request struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// RoomData is the room payload of a successful reconnection; absent when
// the client's room no longer exists.
type RoomData struct {
	State            *crdt.State `json:"state"`
	ParticipantCount int         `json:"participantCount"`
	Host             string      `json:"host"`
	Version          uint64      `json:"version"`
}

// Frame is the on-the-wire message union. Only the fields relevant to the
// frame's type are populated; everything else stays at its zero value and
// is omitted by the codec.
type Frame struct {
	Type FrameType `json:"type"`

	// Identity and session.
	ID           string `json:"id,omitempty"`
	CustomData   any    `json:"customData,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`

	// Room creation and membership.
	RoomID         string         `json:"roomId,omitempty"`
	InitialStorage map[string]any `json:"initialStorage,omitempty"`
	Size           int            `json:"size,omitempty"`

	// Storage synchronization.
	Update  *crdt.PropertyUpdate `json:"update,omitempty"`
	State   *crdt.State          `json:"state,omitempty"`
	Version uint64               `json:"version,omitempty"`

	// Membership notifications.
	Client           string `json:"client,omitempty"`
	ParticipantCount int    `json:"participantCount,omitempty"`
	Host             string `json:"host,omitempty"`
	NewHost          string `json:"newHost,omitempty"`

	// Failure and teardown.
	Reason string `json:"reason,omitempty"`

	// Application pass-through.
	Request *Request `json:"request,omitempty"`

	// Reconnection payload.
	RoomData *RoomData `json:"roomData,omitempty"`
}

// IsClientFrame reports whether t may legally originate from a client.
func (t FrameType) IsClientFrame() bool {
	switch t {
	case FrameRegister, FrameReconnect, FrameCreateRoom, FrameJoinRoom,
		FrameUpdateProperty, FrameRequest, FrameDisconnect, FramePong:
		return true
	}
	return false
}
