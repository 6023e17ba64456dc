package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"
)

var testCreds = Credentials{UserID: "u1", Username: "alice", Token: "tok"}

// scriptConn is a scriptable transport for lifecycle tests. Inbound frames
// are queued with push/fail; every write is recorded.
type scriptConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan inboundMsg
}

func newScriptConn() *scriptConn {
	return &scriptConn{inbound: make(chan inboundMsg, 16)}
}

func (c *scriptConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-c.inbound:
		return msg.typ, msg.data, msg.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *scriptConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close(websocket.StatusCode, string) error { return nil }

func (c *scriptConn) push(data string) {
	c.inbound <- inboundMsg{typ: websocket.MessageText, data: []byte(data)}
}

func (c *scriptConn) fail(err error) {
	c.inbound <- inboundMsg{err: err}
}

// writtenEvents decodes the event names of all recorded writes.
func (c *scriptConn) writtenEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		events = append(events, gjson.GetBytes(w, "event").Str)
	}
	return events
}

func testConnConfig() ConnConfig {
	return ConnConfig{
		URL:               "ws://test",
		ConnectTimeout:    time.Second,
		ReconnectMin:      time.Millisecond,
		ReconnectMax:      4 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func dialTo(conns ...*scriptConn) Dialer {
	var next int32
	return func(context.Context, string) (Conn, error) {
		i := atomic.AddInt32(&next, 1) - 1
		if int(i) >= len(conns) {
			return nil, fmt.Errorf("no more scripted connections")
		}
		return conns[i], nil
	}
}

// --- Connect ---

func TestConnect_MissingCredentials(t *testing.T) {
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)

	err := m.Connect(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestConnect_Success(t *testing.T) {
	c := newScriptConn()
	c.push(`{"event":"authenticated"}`)
	m := NewConnManager(testConnConfig(), dialTo(c), slog.Default(), nil, nil)

	err := m.Connect(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, m.Status())

	events := c.writtenEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "authenticate", events[0])
}

func TestConnect_Idempotent(t *testing.T) {
	c := newScriptConn()
	c.push(`{"event":"authenticated"}`)
	var dials int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return c, nil
	}
	m := NewConnManager(testConnConfig(), dial, slog.Default(), nil, nil)

	require.NoError(t, m.Connect(context.Background(), testCreds))
	require.NoError(t, m.Connect(context.Background(), testCreds))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
}

func TestConnect_AuthRejected(t *testing.T) {
	c := newScriptConn()
	c.push(`{"event":"error","data":{"message":"bad token"}}`)
	m := NewConnManager(testConnConfig(), dialTo(c), slog.Default(), nil, nil)

	err := m.Connect(context.Background(), testCreds)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestConnect_RetriesThenChannelError(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, fmt.Errorf("connection refused")
	}
	m := NewConnManager(testConnConfig(), dial, slog.Default(), nil, nil)

	err := m.Connect(context.Background(), testCreds)
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, int32(3), atomic.LoadInt32(&dials), "one dial per configured attempt")
	assert.Equal(t, StatusDisconnected, m.Status())
}

// --- Send / rooms ---

func TestSend_NotConnected(t *testing.T) {
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)

	err := m.Send("new message", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJoinRoom_NoopWhenAlreadyJoined(t *testing.T) {
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)

	require.NoError(t, m.JoinRoom("r1"))
	require.NoError(t, m.JoinRoom("r1"))
	assert.Equal(t, []string{"r1"}, m.Rooms())
}

func TestLeaveRoom_RemovesMembership(t *testing.T) {
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)

	require.NoError(t, m.JoinRoom("r1"))
	require.NoError(t, m.JoinRoom("r2"))
	require.NoError(t, m.LeaveRoom("r1"))
	assert.Equal(t, []string{"r2"}, m.Rooms())
}

func TestDisconnect_ClearsRoomsAndStatus(t *testing.T) {
	c := newScriptConn()
	c.push(`{"event":"authenticated"}`)
	m := NewConnManager(testConnConfig(), dialTo(c), slog.Default(), nil, nil)

	require.NoError(t, m.Connect(context.Background(), testCreds))
	require.NoError(t, m.JoinRoom("r1"))

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Empty(t, m.Rooms())
}

// --- dispatch ---

func TestDispatch_RoutesEventAndData(t *testing.T) {
	var gotEvent string
	var gotUser string
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil,
		func(event string, data gjson.Result) {
			gotEvent = event
			gotUser = data.Get("userId").String()
		})

	m.dispatch([]byte(`{"event":"user online","data":{"userId":"u9"}}`))
	assert.Equal(t, "user online", gotEvent)
	assert.Equal(t, "u9", gotUser)
}

func TestDispatch_FiltersPong(t *testing.T) {
	called := false
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil,
		func(string, gjson.Result) { called = true })

	m.dispatch([]byte(`{"event":"pong"}`))
	assert.False(t, called)
}

// --- reconnect / rejoin ---

func TestReconnect_RejoinsRoomsExactlyOnce(t *testing.T) {
	c1 := newScriptConn()
	c1.push(`{"event":"authenticated"}`)
	c2 := newScriptConn()
	c2.push(`{"event":"authenticated"}`)

	var statuses []Status
	var statusMu sync.Mutex
	m := NewConnManager(testConnConfig(), dialTo(c1, c2), slog.Default(),
		func(s Status) {
			statusMu.Lock()
			statuses = append(statuses, s)
			statusMu.Unlock()
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Connect(ctx, testCreds))
	require.NoError(t, m.JoinRoom("roomA"))
	require.NoError(t, m.JoinRoom("roomB"))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Wait for the queued joins to reach the first connection, then drop
	// it; the manager must dial again and replay both joins on the fresh
	// transport.
	require.Eventually(t, func() bool {
		joins := 0
		for _, ev := range c1.writtenEvents() {
			if ev == "join room" {
				joins++
			}
		}
		return joins == 2
	}, 2*time.Second, 5*time.Millisecond)
	c1.fail(fmt.Errorf("connection reset"))

	require.Eventually(t, func() bool {
		joins := 0
		for _, ev := range c2.writtenEvents() {
			if ev == "join room" {
				joins++
			}
		}
		return joins == 2
	}, 2*time.Second, 5*time.Millisecond)

	events := c2.writtenEvents()
	assert.Equal(t, "authenticate", events[0])
	joinCount := map[string]int{}
	c2.mu.Lock()
	for _, w := range c2.writes {
		if gjson.GetBytes(w, "event").Str == "join room" {
			joinCount[gjson.GetBytes(w, "data.roomId").Str]++
		}
	}
	c2.mu.Unlock()
	assert.Equal(t, map[string]int{"roomA": 1, "roomB": 1}, joinCount)

	require.Eventually(t, func() bool { return m.Status() == StatusConnected },
		2*time.Second, 5*time.Millisecond)

	statusMu.Lock()
	assert.Contains(t, statuses, StatusReconnecting)
	statusMu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_ExhaustedReconnectsReturnsChannelError(t *testing.T) {
	c1 := newScriptConn()
	c1.push(`{"event":"authenticated"}`)

	var dials int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return c1, nil
		}
		return nil, fmt.Errorf("connection refused")
	}
	m := NewConnManager(testConnConfig(), dial, slog.Default(), nil, nil)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, testCreds))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	c1.fail(fmt.Errorf("connection reset"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannel)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after exhausting reconnect attempts")
	}
	assert.Equal(t, StatusDisconnected, m.Status())
	// Initial dial plus one per reconnect attempt.
	assert.Equal(t, int32(4), atomic.LoadInt32(&dials))
}

func TestRun_DisconnectStopsLoop(t *testing.T) {
	c := newScriptConn()
	c.push(`{"event":"authenticated"}`)
	m := NewConnManager(testConnConfig(), dialTo(c), slog.Default(), nil, nil)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, testCreds))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Disconnect()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
}

// --- event loop heartbeat (synctest) ---

func TestEventLoop_SendsPingAfterIdle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newScriptConn()
		m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)
		m.conn = c
		m.inboundCh = make(chan inboundMsg)
		m.touchLastMessage()

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- m.eventLoop(ctx, ctx, make(chan struct{})) }()

		// First ping fires at the 30s tick (elapsed 30s > pingAfter 20s).
		time.Sleep(31 * time.Second)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		assert.Contains(t, c.writtenEvents(), "ping")
	})
}

func TestEventLoop_HeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newScriptConn()
		m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)
		m.conn = c
		m.inboundCh = make(chan inboundMsg)
		m.touchLastMessage()

		ctx := t.Context()
		done := make(chan error, 1)
		go func() { done <- m.eventLoop(ctx, ctx, make(chan struct{})) }()

		time.Sleep(71 * time.Second)
		err := <-done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "heartbeat timeout")
	})
}

// --- write path (gomock) ---

func TestWriteFrame_UsesCurrentConn(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockConn(ctrl)
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)
	m.conn = mock

	payload := []byte(`{"event":"ping"}`)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, payload).Return(nil)

	assert.NoError(t, m.writeFrame(context.Background(), payload))
}

func TestWriteFrame_NilConn(t *testing.T) {
	m := NewConnManager(testConnConfig(), dialTo(), slog.Default(), nil, nil)

	err := m.writeFrame(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}
