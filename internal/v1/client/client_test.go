package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wrightlabs/syncroom/internal/v1/crdt"
	"github.com/wrightlabs/syncroom/internal/v1/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is the client's half of an in-memory transport; the test plays
// the server on the other ends of the channels.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 2, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case f.out <- append([]byte(nil), data...):
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

var testCodec = wire.JSONCodec{}

// serverSend pushes a frame to the client.
func serverSend(t *testing.T, conn *fakeConn, f *wire.Frame) {
	t.Helper()
	data, err := testCodec.Encode(f)
	require.NoError(t, err)
	conn.in <- data
}

// serverRecv waits for the next client frame of the given type.
func serverRecv(t *testing.T, conn *fakeConn, ft wire.FrameType) *wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			f, err := testCodec.Decode(data)
			require.NoError(t, err)
			if f.Type == ft {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", ft)
		}
	}
}

// fakeDialer hands out prepared connections in order; past the end it
// fails the dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	calls int
}

func (d *fakeDialer) dial(ctx context.Context, url string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.next >= len(d.conns) {
		return nil, errors.New("server unavailable")
	}
	conn := d.conns[d.next]
	d.next++
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestClient(t *testing.T, h Handlers, conns ...*fakeConn) (*Client, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{conns: conns}
	c := New(Options{
		URL:               "ws://test",
		Dialer:            d.dial,
		Handlers:          h,
		CallTimeout:       time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    5 * time.Millisecond,
	})
	return c, d
}

// connectAndRegister runs the client through registration against a test
// server goroutine.
func connectAndRegister(t *testing.T, c *Client, conn *fakeConn, id string) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	go func() {
		f := serverRecv(t, conn, wire.FrameRegister)
		serverSend(t, conn, &wire.Frame{
			Type:         wire.FrameRegistered,
			ID:           f.ID,
			SessionToken: "00112233445566aa",
		})
	}()
	require.NoError(t, c.Register(context.Background(), id, nil))
}

func TestRegister(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()

	connectAndRegister(t, c, conn, "alice1")
	assert.Equal(t, "alice1", c.ID())
}

func TestRegister_Rejected(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()

	require.NoError(t, c.Connect(context.Background()))
	go func() {
		serverRecv(t, conn, wire.FrameRegister)
		serverSend(t, conn, &wire.Frame{Type: wire.FrameRegistrationFailed, Reason: "ID is taken"})
	}()

	err := c.Register(context.Background(), "taken1", nil)
	require.ErrorIs(t, err, ErrServerRejected)
	assert.Contains(t, err.Error(), "ID is taken")
}

func TestCallTimeout(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := New(Options{
		URL:               "ws://test",
		Dialer:            d.dial,
		CallTimeout:       30 * time.Millisecond,
		ReconnectAttempts: 1,
		ReconnectDelay:    time.Millisecond,
	})
	defer func() { c.Destroy(); c.Wait() }()

	require.NoError(t, c.Connect(context.Background()))
	err := c.Register(context.Background(), "alice1", nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestSingleFlight(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()

	require.NoError(t, c.Connect(context.Background()))

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		finished <- c.Register(context.Background(), "alice1", nil)
	}()
	<-started
	serverRecv(t, conn, wire.FrameRegister)

	_, err := c.CreateRoom(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrCallInFlight)

	serverSend(t, conn, &wire.Frame{Type: wire.FrameRegistered, ID: "alice1", SessionToken: "00112233445566aa"})
	require.NoError(t, <-finished)
}

func TestCreateRoom_MirrorsState(t *testing.T) {
	conn := newFakeConn()
	changed := make(chan map[string]any, 8)
	c, _ := newTestClient(t, Handlers{
		OnStorageChanged: func(storage map[string]any) { changed <- storage },
	}, conn)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn, "alice1")

	server := crdt.NewEngine()
	_, err := server.UpdateProperty("mode", crdt.OpSet, "lobby", nil)
	require.NoError(t, err)

	go func() {
		serverRecv(t, conn, wire.FrameCreateRoom)
		serverSend(t, conn, &wire.Frame{
			Type:   wire.FrameRoomCreated,
			RoomID: "ROOM42",
			State:  server.ExportState(),
			Size:   100,
		})
	}()

	roomID, err := c.CreateRoom(context.Background(), map[string]any{"mode": "lobby"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ROOM42", roomID)
	assert.Equal(t, "alice1", c.Host())

	select {
	case storage := <-changed:
		assert.Equal(t, map[string]any{"mode": "lobby"}, storage)
	case <-time.After(time.Second):
		t.Fatal("storage change never surfaced")
	}
}

func TestJoinAndPropertyUpdates(t *testing.T) {
	conn := newFakeConn()
	changed := make(chan map[string]any, 8)
	c, _ := newTestClient(t, Handlers{
		OnStorageChanged: func(storage map[string]any) { changed <- storage },
	}, conn)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn, "bob123")

	server := crdt.NewEngine()
	go func() {
		serverRecv(t, conn, wire.FrameJoinRoom)
		serverSend(t, conn, &wire.Frame{
			Type:             wire.FrameJoinAccepted,
			State:            server.ExportState(),
			ParticipantCount: 2,
			Host:             "alice1",
			Version:          4,
		})
	}()
	require.NoError(t, c.JoinRoom(context.Background(), "ROOM42"))
	assert.Equal(t, "alice1", c.Host())

	u, err := server.UpdateProperty("score", crdt.OpSet, float64(7), nil)
	require.NoError(t, err)
	serverSend(t, conn, &wire.Frame{Type: wire.FramePropertyUpdated, Update: u, Version: 5})

	select {
	case storage := <-changed:
		assert.Equal(t, map[string]any{"score": float64(7)}, storage)
	case <-time.After(time.Second):
		t.Fatal("update never imported")
	}
}

func TestVersionFence_ForcesReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn1, conn2)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn1, "bob123")

	server := crdt.NewEngine()
	go func() {
		serverRecv(t, conn1, wire.FrameJoinRoom)
		serverSend(t, conn1, &wire.Frame{
			Type:    wire.FrameJoinAccepted,
			State:   server.ExportState(),
			Host:    "alice1",
			Version: 0,
		})
	}()
	require.NoError(t, c.JoinRoom(context.Background(), "ROOM42"))

	// The host made five updates while this client was not listening; only
	// the final one arrives, with a version far ahead of expected.
	for i := 1; i <= 5; i++ {
		_, err := server.UpdateProperty("counter", crdt.OpSet, float64(i), nil)
		require.NoError(t, err)
	}
	u, err := server.UpdateProperty("counter", crdt.OpSet, float64(6), nil)
	require.NoError(t, err)

	reconnected := make(chan struct{})
	go func() {
		f := serverRecv(t, conn2, wire.FrameReconnect)
		assert.Equal(t, "bob123", f.ID)
		assert.Equal(t, "00112233445566aa", f.SessionToken)
		serverSend(t, conn2, &wire.Frame{
			Type: wire.FrameReconnected,
			RoomData: &wire.RoomData{
				State:            server.ExportState(),
				ParticipantCount: 2,
				Host:             "alice1",
				Version:          6,
			},
		})
		close(reconnected)
	}()

	serverSend(t, conn1, &wire.Frame{Type: wire.FramePropertyUpdated, Update: u, Version: 6})

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}

	require.Eventually(t, func() bool {
		storage := c.Storage()
		return storage["counter"] == float64(6)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ROOM42", c.RoomID())
}

func TestUpdateRejected_Resyncs(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn, "bob123")

	server := crdt.NewEngine()
	go func() {
		serverRecv(t, conn, wire.FrameJoinRoom)
		serverSend(t, conn, &wire.Frame{
			Type:    wire.FrameJoinAccepted,
			State:   server.ExportState(),
			Host:    "alice1",
			Version: 0,
		})
	}()
	require.NoError(t, c.JoinRoom(context.Background(), "ROOM42"))

	// Optimistic local apply is visible immediately.
	require.NoError(t, c.UpdateProperty("cheat", crdt.OpSet, true, nil))
	assert.Equal(t, true, c.Storage()["cheat"])
	serverRecv(t, conn, wire.FrameUpdateProperty)

	// The server refuses and answers with its authoritative state.
	_, err := server.UpdateProperty("legit", crdt.OpSet, "yes", nil)
	require.NoError(t, err)
	serverSend(t, conn, &wire.Frame{
		Type:    wire.FramePropertyUpdateRejected,
		State:   server.ExportState(),
		Version: 1,
	})

	require.Eventually(t, func() bool {
		storage := c.Storage()
		_, cheating := storage["cheat"]
		return !cheating && storage["legit"] == "yes"
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateProperty_NotInRoom(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn, "alice1")

	err := c.UpdateProperty("k", crdt.OpSet, "v", nil)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestPingAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, Handlers{}, conn)
	defer func() { c.Destroy(); c.Wait() }()
	connectAndRegister(t, c, conn, "alice1")

	serverSend(t, conn, &wire.Frame{Type: wire.FramePing})
	serverRecv(t, conn, wire.FramePong)
}

func TestKicked_DestroysInstance(t *testing.T) {
	conn := newFakeConn()
	kicked := make(chan string, 1)
	destroyed := make(chan struct{})
	c, _ := newTestClient(t, Handlers{
		OnKicked:            func(reason string) { kicked <- reason },
		OnInstanceDestroyed: func() { close(destroyed) },
	}, conn)
	connectAndRegister(t, c, conn, "alice1")

	serverSend(t, conn, &wire.Frame{Type: wire.FrameKicked, Reason: "Room destroyed by server"})

	select {
	case reason := <-kicked:
		assert.Equal(t, "Room destroyed by server", reason)
	case <-time.After(time.Second):
		t.Fatal("kick never surfaced")
	}
	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("instance never destroyed")
	}
	c.Wait()

	err := c.UpdateProperty("k", crdt.OpSet, "v", nil)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestReconnectExhaustion_DestroysInstance(t *testing.T) {
	conn := newFakeConn()
	destroyed := make(chan struct{})
	c, _ := newTestClient(t, Handlers{
		OnInstanceDestroyed: func() { close(destroyed) },
	}, conn)
	connectAndRegister(t, c, conn, "alice1")

	// No replacement connections: every reconnect dial fails.
	conn.Close()

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("instance never destroyed")
	}
	c.Wait()
}

func TestReconnect_AttemptBudgetIsExact(t *testing.T) {
	// One initial transport plus one per configured attempt. A rejected
	// attempt must not spawn its own retry loop on top of the running one.
	conn0 := newFakeConn()
	rejects := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	destroyed := make(chan struct{})
	c, d := newTestClient(t, Handlers{
		OnInstanceDestroyed: func() { close(destroyed) },
	}, append([]*fakeConn{conn0}, rejects...)...)
	connectAndRegister(t, c, conn0, "alice1")

	for _, conn := range rejects {
		go func(conn *fakeConn) {
			serverRecv(t, conn, wire.FrameReconnect)
			serverSend(t, conn, &wire.Frame{
				Type:   wire.FrameReconnectionFailed,
				Reason: "Client unknown to server",
			})
		}(conn)
	}
	conn0.Close()

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("instance never destroyed")
	}
	c.Wait()

	assert.Equal(t, 4, d.dialCount(), "one initial dial plus three reconnect attempts")
}

func TestReconnect_RoomGone_DestroysInstance(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	destroyed := make(chan struct{})
	c, _ := newTestClient(t, Handlers{
		OnInstanceDestroyed: func() { close(destroyed) },
	}, conn1, conn2)
	connectAndRegister(t, c, conn1, "alice1")

	go func() {
		serverRecv(t, conn2, wire.FrameReconnect)
		serverSend(t, conn2, &wire.Frame{Type: wire.FrameReconnected})
	}()
	conn1.Close()

	select {
	case <-destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("instance never destroyed")
	}
	c.Wait()
}
