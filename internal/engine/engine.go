package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/r3habb99/chatsync/internal/wire"
)

// Config holds everything the engine needs for one session.
type Config struct {
	SocketURL string

	ConnectTimeout    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	PendingTTL          time.Duration
	DuplicateSendWindow time.Duration
	TypingStopAfter     time.Duration
	TypingRemoteTTL     time.Duration

	// Dialer overrides the transport; nil uses the real WebSocket dialer.
	Dialer Dialer
}

// Engine is the synchronization engine for one session. It owns the
// connection manager, the message reconciler, and the presence, typing,
// and receipt trackers, routes inbound push events to their owners, and
// publishes reconciled-state change events to subscribers.
//
// Constructed once per session and passed by reference to dependents;
// there is no package-level shared state.
type Engine struct {
	logger *slog.Logger

	conn       *ConnManager
	reconciler *Reconciler
	presence   *PresenceTracker
	typing     *TypingCoordinator
	receipts   *ReadReceiptTracker

	mu   sync.Mutex
	subs []func(Event)
}

// New wires up an engine against the given REST collaborator.
func New(cfg Config, rest RESTClient, creds Credentials, logger *slog.Logger) *Engine {
	e := &Engine{logger: logger}

	emit := e.publish
	e.conn = NewConnManager(ConnConfig{
		URL:               cfg.SocketURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, cfg.Dialer, logger, e.onStatus, e.onEvent)

	e.reconciler = NewReconciler(e.conn, rest, creds, ReconcilerConfig{
		PendingTTL:          cfg.PendingTTL,
		DuplicateSendWindow: cfg.DuplicateSendWindow,
	}, logger, emit)

	e.presence = NewPresenceTracker(logger, emit)
	e.typing = NewTypingCoordinator(e.conn, creds, TypingConfig{
		StopAfter: cfg.TypingStopAfter,
		RemoteTTL: cfg.TypingRemoteTTL,
	}, logger, emit)
	e.receipts = NewReadReceiptTracker(e.conn, e.reconciler, creds, logger)

	return e
}

// Subscribe registers a callback for engine events. Callbacks run on the
// goroutine that caused the change; subscribers read fresh state back
// through the snapshot accessors.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func (e *Engine) publish(ev Event) {
	e.mu.Lock()
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (e *Engine) onStatus(s Status) {
	e.publish(Event{Type: EventStatusChanged, Status: s})
}

// onEvent routes one inbound push event to its owning component.
func (e *Engine) onEvent(event string, data gjson.Result) {
	switch event {
	case wire.EventNewMessage:
		e.reconciler.OnPushedMessage(data)

	case wire.EventMessageDelivered:
		e.reconciler.OnDelivered(data.Get("messageId").String())

	case wire.EventMessageEdited:
		e.reconciler.EditMessage(
			data.Get("chatId").String(),
			data.Get("messageId").String(),
			data.Get("content").String(),
		)

	case wire.EventMessageDeleted:
		e.reconciler.DeleteMessage(
			data.Get("chatId").String(),
			data.Get("messageId").String(),
		)

	case wire.EventMessageRead:
		e.receipts.OnMessageRead(
			data.Get("messageId").String(),
			data.Get("userId").String(),
		)

	case wire.EventBulkRead:
		e.receipts.OnBulkRead(
			data.Get("chatId").String(),
			data.Get("readBy").String(),
		)

	case wire.EventTyping:
		e.typing.OnRemoteTyping(
			data.Get("roomId").String(),
			data.Get("userId").String(),
		)

	case wire.EventStopTyping:
		e.typing.OnRemoteStoppedTyping(
			data.Get("roomId").String(),
			data.Get("userId").String(),
		)

	case wire.EventUserOnline:
		e.presence.SetOnline(data.Get("userId").String())

	case wire.EventUserOffline:
		e.presence.SetOffline(data.Get("userId").String())

	default:
		e.logger.Debug("unhandled push event", slog.String("event", event))
	}
}

// Connect establishes the push channel.
func (e *Engine) Connect(ctx context.Context, creds Credentials) error {
	return e.conn.Connect(ctx, creds)
}

// Run drives the engine until the context is cancelled or the session
// ends: the connection event loop plus the pending-send and typing
// sweeps. The sweeps are tied to the connection loop's lifetime, so an
// explicit Disconnect stops every goroutine and timer.
func (e *Engine) Run(ctx context.Context) error {
	defer e.typing.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return e.conn.Run(gctx)
	})
	g.Go(func() error { return e.reconciler.Run(gctx) })
	g.Go(func() error { return e.typing.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		// The connection loop ended the session cleanly; the sweeps
		// report the cancellation that stopped them.
		return nil
	}
	return err
}

// Disconnect ends the session: channel torn down, room membership
// cleared.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
	e.typing.Close()
}

// Status returns the connection status.
func (e *Engine) Status() Status { return e.conn.Status() }

// JoinRoom subscribes the session to a room's events.
func (e *Engine) JoinRoom(roomID string) error { return e.conn.JoinRoom(roomID) }

// LeaveRoom unsubscribes the session from a room's events.
func (e *Engine) LeaveRoom(roomID string) error { return e.conn.LeaveRoom(roomID) }

// OpenRoom switches the currently open room; see Reconciler.OpenRoom.
func (e *Engine) OpenRoom(roomID string) { e.reconciler.OpenRoom(roomID) }

// LoadHistory pulls and merges one history page for a room.
func (e *Engine) LoadHistory(ctx context.Context, roomID string, limit, skip int) ([]wire.Message, error) {
	return e.reconciler.LoadHistory(ctx, roomID, limit, skip)
}

// SendMessage sends a message with optimistic local insertion.
func (e *Engine) SendMessage(ctx context.Context, roomID, content string, media []string) error {
	return e.reconciler.SendMessage(ctx, roomID, content, media)
}

// Messages returns a snapshot of a room's ordered message list.
func (e *Engine) Messages(roomID string) []wire.Message {
	return e.reconciler.Messages(roomID)
}

// NotifyTyping registers local typing intent for a room.
func (e *Engine) NotifyTyping(roomID string) { e.typing.NotifyTyping(roomID) }

// Typing returns the users currently typing in a room.
func (e *Engine) Typing(roomID string) []string { return e.typing.Typing(roomID) }

// IsOnline reports a user's presence.
func (e *Engine) IsOnline(userID string) bool { return e.presence.IsOnline(userID) }

// LastSeen returns a user's last-seen time, if known.
func (e *Engine) LastSeen(userID string) (time.Time, bool) { return e.presence.LastSeen(userID) }

// MarkRead marks one message read and informs the server.
func (e *Engine) MarkRead(messageID, roomID string) { e.receipts.MarkRead(messageID, roomID) }

// MarkAllRead marks everything in a room read and informs the server.
func (e *Engine) MarkAllRead(roomID string) { e.receipts.MarkAllRead(roomID) }

// ReadBy returns the users known to have read a message.
func (e *Engine) ReadBy(messageID string) []string { return e.receipts.ReadBy(messageID) }
