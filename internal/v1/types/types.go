package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"time"
)

// --- Core Domain Types ---

// ClientIDType represents a unique identifier for a connected client.
type ClientIDType string

// RoomIDType represents a unique identifier for a sync room.
type RoomIDType string

// ReplicaIDType identifies a CRDT engine instance. Every engine (one per
// room on the server, one per client) gets a globally unique replica id
// minted at construction.
type ReplicaIDType string

// ServerID is the reserved client identifier used as the host sentinel for
// server-owned rooms. Clients may never register under this id.
const ServerID ClientIDType = "server"

// Host identifies the distinguished participant of a room. It is either a
// client id or the server sentinel; use NewClientHost / ServerHost rather
// than constructing it directly.
type Host struct {
	client   ClientIDType
	isServer bool
}

// NewClientHost returns a Host naming the given client.
func NewClientHost(id ClientIDType) Host {
	return Host{client: id}
}

// ServerHost returns the server-owned host sentinel.
func ServerHost() Host {
	return Host{isServer: true}
}

// IsServer reports whether the host is the server sentinel.
func (h Host) IsServer() bool { return h.isServer }

// ClientID returns the hosting client's id and whether the host is a client.
func (h Host) ClientID() (ClientIDType, bool) {
	if h.isServer {
		return "", false
	}
	return h.client, true
}

// String renders the host the way it travels on the wire: the client id, or
// the literal "server".
func (h Host) String() string {
	if h.isServer {
		return string(ServerID)
	}
	return string(h.client)
}

// RoomOwner records who is responsible for a room's lifecycle.
type RoomOwner string

const (
	// OwnerClient rooms are destroyed when their last participant leaves.
	OwnerClient RoomOwner = "client"
	// OwnerServer rooms persist until an explicit destroy.
	OwnerServer RoomOwner = "server"
)

// --- Limits ---
// These values are part of the protocol contract; changing them changes
// observable behavior for every connected client.

const (
	// IDLength is the length of minted client and room ids.
	IDLength = 6

	// SessionTokenLength is the length of the lowercase-hex session token.
	SessionTokenLength = 16

	// MaxRoomSizeClient caps rooms created by clients.
	MaxRoomSizeClient = 100

	// MaxRoomSizeServer caps rooms created by the host application.
	MaxRoomSizeServer = 500

	// MaxRoomKeys caps the number of storage keys per room.
	MaxRoomKeys = 100

	// MaxValueBytes caps the serialized size of a single storage value.
	MaxValueBytes = 50000

	// MintRetries bounds id minting against an occupied table.
	MintRetries = 50
)

// --- Timing ---

const (
	// HeartbeatInterval is the application-level heartbeat period. The CRDT
	// garbage collector uses it as the minimum age before operations become
	// eligible for compaction.
	HeartbeatInterval = 5 * time.Second

	// TransportPingInterval is how often every transport is pinged;
	// transports that missed the previous ping are terminated.
	TransportPingInterval = 15 * time.Second

	// ReconnectGrace is how long a dropped client may reclaim its session.
	ReconnectGrace = 5 * time.Second

	// ClientCallTimeout bounds each client round trip (init, create, join,
	// reconnect).
	ClientCallTimeout = 3 * time.Second

	// ClientReconnectAttempts and ClientReconnectDelay drive the client's
	// reconnection loop before it gives up and destroys itself.
	ClientReconnectAttempts = 9
	ClientReconnectDelay    = 500 * time.Millisecond

	// RateLimitCapacity is the default per-connection token bucket size,
	// refilled to capacity every second.
	RateLimitCapacity = 20

	// RateCostCreateRoom is the bucket cost of a create_room frame; every
	// other frame costs one token.
	RateCostCreateRoom = 5
)

// --- Sentinel Errors ---

var (
	ErrIDTaken        = errors.New("ID is taken")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrAlreadyInRoom  = errors.New("already in a room")
	ErrNotInRoom      = errors.New("not in a room")
	ErrDeniedByHook   = errors.New("denied")
	ErrValueTooLarge  = errors.New("value exceeds maximum serialized size")
	ErrTooManyKeys    = errors.New("room key limit reached")
	ErrMintExhausted  = errors.New("could not mint a unique id")
	ErrSessionUnknown = errors.New("client unknown to server")
	ErrTokenMismatch  = errors.New("session token does not match")
)

// idAlphabet deliberately excludes the digit 0 for readability.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ123456789"

// MintID produces a six-character identifier over A-Z 1-9.
func MintID() string {
	max := big.NewInt(int64(len(idAlphabet)))
	buf := make([]byte, IDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken; there is no useful recovery.
			panic(err)
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return string(buf)
}

// MintSessionToken produces a 16-character lowercase hex session token.
func MintSessionToken() string {
	buf := make([]byte, SessionTokenLength/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
