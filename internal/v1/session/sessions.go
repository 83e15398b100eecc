package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/wrightlabs/syncroom/internal/v1/types"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

// session is one registered client identity. It outlives the transport it
// was registered on: during the reconnection grace window it has no client
// at all, and a successful reconnect rebinds it to a fresh one.
//
// session implements room.Participant, so the participant lists hold
// sessions, not transports; a reconnecting client keeps its place in the
// room.
type session struct {
	id         types.ClientIDType
	token      string
	customData any

	mu      sync.Mutex
	client  *Client
	roomID  types.RoomIDType
	willful bool
	pending *time.Timer
	graced  bool
	gone    bool
}

func newSession(id types.ClientIDType, customData any, c *Client) *session {
	return &session{
		id:         id,
		token:      types.MintSessionToken(),
		customData: customData,
		client:     c,
	}
}

// tokenMatches compares in constant time.
func (s *session) tokenMatches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) == 1
}

func (s *session) GetID() types.ClientIDType {
	return s.id
}

// SendFrame forwards to the live transport; frames sent during the grace
// window are dropped, the reconnect snapshot covers the gap.
func (s *session) SendFrame(f *wire.Frame) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		c.SendFrame(f)
	}
}

func (s *session) Disconnect() {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

func (s *session) room() types.RoomIDType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *session) setRoom(id types.RoomIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = id
}

func (s *session) markWillful() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.willful = true
}

func (s *session) isWillful() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.willful
}

// isAbsent reports whether the session currently has no transport, either
// pending reconnection or already torn down.
func (s *session) isAbsent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client == nil
}

// detach clears the transport binding if it still points at c. Returns
// false when a reconnect already rebound the session to a newer transport,
// in which case the caller must not tear anything down.
func (s *session) detach(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != c {
		return false
	}
	s.client = nil
	return true
}

// rebind attaches a reconnecting transport and cancels the grace timer.
// Returns false if the session already expired.
func (s *session) rebind(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return false
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.client = c
	return true
}

// armGrace starts the reconnection window. fn runs once when it elapses.
func (s *session) armGrace(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	s.graced = true
	s.pending = time.AfterFunc(d, fn)
}

// endGrace clears the grace flag. Returns true exactly once per armed
// window, so the pending-reconnection gauge is decremented by whichever of
// the timer, the reconnect, or the shutdown gets there first.
func (s *session) endGrace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.graced
	s.graced = false
	return was
}

// expire marks the session dead. Returns false if it was already expired
// or has been rebound to a live transport in the meantime.
func (s *session) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone || s.client != nil {
		return false
	}
	s.gone = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	return true
}

// hasPending reports whether the grace timer is armed.
func (s *session) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}
