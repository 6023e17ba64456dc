package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/r3habb99/chatsync/internal/wire"
)

const (
	pingAfter        = 20 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 10 * time.Second

	defaultConnectTimeout    = 20 * time.Second
	defaultReconnectMin      = 1 * time.Second
	defaultReconnectMax      = 5 * time.Second
	defaultReconnectAttempts = 5

	outboundBuffer = 64
)

// Conn abstracts the WebSocket connection so the manager can be tested
// with a mock transport.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a transport connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials a real WebSocket with coder/websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Credentials is the externally-managed identity injected at connect
// time. The manager never fetches or refreshes it.
type Credentials struct {
	UserID   string
	Username string
	Token    string
}

// ConnConfig holds the parameters for the push channel.
type ConnConfig struct {
	URL               string
	ConnectTimeout    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// inboundMsg wraps a message read from the transport by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// ConnManager owns the persistent push channel: handshake, automatic
// reconnect with backoff, room membership tracking, and re-subscription
// after reconnect.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound frames, outbound
// sends, and heartbeat ticks. All writes to the connection happen from
// the event loop, so no write mutex is needed.
type ConnManager struct {
	cfg    ConnConfig
	dial   Dialer
	logger *slog.Logger

	// onStatus and onEvent are set before Connect and never change.
	// onEvent receives every decoded inbound frame except pongs.
	onStatus func(Status)
	onEvent  func(event string, data gjson.Result)

	mu       sync.Mutex
	status   Status
	conn     Conn
	creds    Credentials
	joined   map[string]struct{}
	attempts int
	stopCh   chan struct{}

	// inboundCh receives frames from the reader goroutine. Replaced on
	// every (re)connect so a stale reader cannot feed the new loop.
	inboundCh chan inboundMsg

	// outCh receives encoded frames from Send. Drained by the event loop.
	outCh chan []byte

	// connCancel stops the reader goroutine of the current connection.
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewConnManager creates a manager for one session. Dependents receive
// status transitions via onStatus and inbound events via onEvent; both
// may be nil.
func NewConnManager(cfg ConnConfig, dial Dialer, logger *slog.Logger,
	onStatus func(Status), onEvent func(event string, data gjson.Result)) *ConnManager {

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if dial == nil {
		dial = DefaultDialer
	}

	return &ConnManager{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		onStatus: onStatus,
		onEvent:  onEvent,
		joined:   make(map[string]struct{}),
		outCh:    make(chan []byte, outboundBuffer),
	}
}

// Connect dials the transport and performs the authenticate handshake.
// Idempotent: if already connected it returns immediately. Transport
// failures are retried with the same backoff policy used for reconnects;
// credential problems fail immediately with ErrAuth.
func (m *ConnManager) Connect(ctx context.Context, creds Credentials) error {
	if creds.UserID == "" || creds.Token == "" {
		return fmt.Errorf("%w: user id and token are required", ErrAuth)
	}

	m.mu.Lock()
	if m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	m.creds = creds
	m.attempts = 0
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.setStatus(StatusConnecting)

	backoff := m.cfg.ReconnectMin
	var lastErr error
	for attempt := 0; attempt < m.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			if err := m.sleepBackoff(ctx, backoff); err != nil {
				m.setStatus(StatusDisconnected)
				return err
			}
			backoff = min(backoff*2, m.cfg.ReconnectMax)
		}

		conn, err := m.establish(ctx)
		if err == nil {
			m.mu.Lock()
			m.conn = conn
			m.mu.Unlock()
			m.setStatus(StatusConnected)
			return nil
		}
		if isAuthError(err) {
			m.setStatus(StatusDisconnected)
			return err
		}
		lastErr = err
		m.logger.Warn("connect attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	m.setStatus(StatusDisconnected)
	return fmt.Errorf("%w: %v", ErrChannel, lastErr)
}

// establish performs one dial + handshake attempt. The handshake reads
// directly from the connection; no reader goroutine is running yet.
func (m *ConnManager) establish(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	frame, err := wire.EncodeFrame(wire.EventAuthenticate, wire.AuthPayload{
		UserID:   creds.UserID,
		Username: creds.Username,
		Token:    creds.Token,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("sending authenticate: %w", err)
	}

	// Read until the server confirms or rejects the handshake. Events the
	// server replays eagerly before confirmation are not expected; anything
	// other than the confirmation is treated as a rejection.
	typ, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake read failed")
		return nil, fmt.Errorf("reading handshake response: %w", err)
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, fmt.Errorf("unexpected binary frame during handshake")
	}

	event := gjson.GetBytes(data, "event").Str
	if event != wire.EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "auth rejected")
		return nil, fmt.Errorf("%w: server replied %q", ErrAuth, event)
	}

	m.touchLastMessage()
	m.logger.Info("channel authenticated", slog.String("user_id", creds.UserID))
	return conn, nil
}

// Run is the event loop with automatic reconnection. It owns all writes
// to the connection. Returns nil after an explicit Disconnect, the
// context error on cancellation, or ErrChannel once reconnect attempts
// are exhausted. Must be called after a successful Connect.
func (m *ConnManager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: Run called before Connect", ErrChannel)
	}
	stopCh := m.stopCh
	m.mu.Unlock()

	connCtx, connCancel := context.WithCancel(ctx)
	m.setConnCancel(connCancel)
	m.startReader(connCtx)

	for {
		err := m.eventLoop(ctx, connCtx, stopCh)
		connCancel()
		if err == nil {
			// Explicit disconnect.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isStopped(stopCh) {
			return nil
		}

		m.logger.Warn("connection lost", slog.String("error", err.Error()))
		m.setStatus(StatusReconnecting)

		if err := m.reconnect(ctx, stopCh); err != nil {
			m.setStatus(StatusDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isStopped(stopCh) {
				return nil
			}
			return err
		}

		connCtx, connCancel = context.WithCancel(ctx)
		m.setConnCancel(connCancel)
		m.startReader(connCtx)
		m.setStatus(StatusConnected)
		m.logger.Info("reconnected")
	}
}

// reconnect re-establishes the transport with capped exponential backoff
// and jitter, then replays a join for every tracked room exactly once.
func (m *ConnManager) reconnect(ctx context.Context, stopCh chan struct{}) error {
	backoff := m.cfg.ReconnectMin
	var lastErr error

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		if err := m.sleepBackoff(ctx, backoff); err != nil {
			return err
		}
		if isStopped(stopCh) {
			return nil
		}
		backoff = min(backoff*2, m.cfg.ReconnectMax)

		conn, err := m.establish(ctx)
		if err != nil {
			if isAuthError(err) {
				return err
			}
			lastErr = err
			m.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := m.replayJoins(ctx, conn); err != nil {
			conn.Close(websocket.StatusInternalError, "rejoin failed")
			lastErr = err
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		return nil
	}

	return fmt.Errorf("%w: %v", ErrChannel, lastErr)
}

// replayJoins re-emits "join room" for every room in the membership set.
// This is what makes conversations resume after a drop without any caller
// intervention. Rooms are replayed in a stable order.
func (m *ConnManager) replayJoins(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.joined))
	for id := range m.joined {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	sort.Strings(rooms)

	for _, id := range rooms {
		frame, err := wire.EncodeFrame(wire.EventJoinRoom, wire.RoomPayload{RoomID: id})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("replaying join for room %s: %w", id, err)
		}
		m.logger.Debug("rejoined room", slog.String("room_id", id))
	}
	return nil
}

// startReader launches a goroutine that reads from the transport and
// feeds inboundCh. The goroutine captures the channel by value so that a
// reader from a previous connection cannot send stale frames into the
// new channel.
func (m *ConnManager) startReader(connCtx context.Context) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	ch := make(chan inboundMsg, 64)
	m.inboundCh = ch
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// eventLoop processes one connection's traffic until it drops or the
// session ends. A nil return means explicit disconnect.
func (m *ConnManager) eventLoop(ctx context.Context, connCtx context.Context, stopCh chan struct{}) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			m.touchLastMessage()
			if msg.typ != websocket.MessageText {
				m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}
			m.dispatch(msg.data)

		case frame := <-m.outCh:
			if err := m.writeFrame(ctx, frame); err != nil {
				return err
			}

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("heartbeat timed out, closing")
				m.closeConn(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}
			if elapsed > pingAfter {
				frame, err := wire.EncodeFrame(wire.EventPing, nil)
				if err != nil {
					return err
				}
				if err := m.writeFrame(ctx, frame); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-stopCh:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// dispatch decodes an inbound frame and hands it to the event consumer.
func (m *ConnManager) dispatch(data []byte) {
	event := gjson.GetBytes(data, "event").Str
	if event == "" {
		m.logger.Debug("frame without event name", slog.Int("bytes", len(data)))
		return
	}
	if event == wire.EventPong || event == wire.EventAuthenticated {
		return
	}
	if m.onEvent != nil {
		m.onEvent(event, gjson.GetBytes(data, "data"))
	}
}

func (m *ConnManager) writeFrame(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Send emits an event with the given payload. Fire-and-forget: delivery
// is not confirmed. Callers needing confirmation include a correlation id
// in the payload and watch for the matching reply event. Returns
// ErrNotConnected when the channel is down so callers can fall back.
func (m *ConnManager) Send(event string, payload any) error {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	if status != StatusConnected {
		return ErrNotConnected
	}

	frame, err := wire.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	select {
	case m.outCh <- frame:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", ErrSend)
	}
}

// JoinRoom adds the room to the membership set and announces the join.
// No-op if already joined.
func (m *ConnManager) JoinRoom(roomID string) error {
	m.mu.Lock()
	if _, ok := m.joined[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.joined[roomID] = struct{}{}
	m.mu.Unlock()

	if err := m.Send(wire.EventJoinRoom, wire.RoomPayload{RoomID: roomID}); err != nil {
		// Membership is tracked regardless; the join will be replayed on
		// the next successful (re)connect.
		m.logger.Debug("join deferred until connected", slog.String("room_id", roomID))
	}
	return nil
}

// LeaveRoom removes the room from the membership set and announces the
// leave when connected.
func (m *ConnManager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	if _, ok := m.joined[roomID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.joined, roomID)
	m.mu.Unlock()

	if err := m.Send(wire.EventLeaveRoom, wire.RoomPayload{RoomID: roomID}); err != nil {
		m.logger.Debug("leave not announced, channel down", slog.String("room_id", roomID))
	}
	return nil
}

// Disconnect tears down the channel, clears room membership, and settles
// the status on disconnected. Terminal for the session regardless of the
// current state; the attempt counter is reset.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	if m.stopCh != nil {
		select {
		case <-m.stopCh:
		default:
			close(m.stopCh)
		}
	}
	conn := m.conn
	m.conn = nil
	m.joined = make(map[string]struct{})
	m.attempts = 0
	connCancel := m.connCancel
	m.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	m.setStatus(StatusDisconnected)
}

// Status returns the current connection status.
func (m *ConnManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the channel is live.
func (m *ConnManager) Connected() bool {
	return m.Status() == StatusConnected
}

// Rooms returns a snapshot of the joined room ids in stable order.
func (m *ConnManager) Rooms() []string {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.joined))
	for id := range m.joined {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	sort.Strings(rooms)
	return rooms
}

func (m *ConnManager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()

	m.logger.Info("status changed", slog.String("status", s.String()))
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

func (m *ConnManager) setConnCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.connCancel = cancel
	m.mu.Unlock()
}

func (m *ConnManager) closeConn(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

// sleepBackoff waits for the given duration plus jitter.
func (m *ConnManager) sleepBackoff(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *ConnManager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

func isStopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
