package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/r3habb99/chatsync/internal/wire"
)

const (
	defaultTypingStopAfter = 3 * time.Second
	defaultTypingRemoteTTL = 10 * time.Second

	typingSweepEvery = 1 * time.Second
)

// TypingConfig holds the typing coordinator's tunables. Zero values take
// the defaults.
type TypingConfig struct {
	// StopAfter is the local inactivity window: a "stop typing" broadcast
	// is scheduled this long after the last keystroke unless refreshed.
	StopAfter time.Duration

	// RemoteTTL bounds how long a remote typing entry survives without a
	// refreshing event. Generous on purpose, to tolerate a lost "stop"
	// event without leaving an indefinite indicator.
	RemoteTTL time.Duration
}

// TypingCoordinator debounces local typing intent into start/stop
// broadcasts and expires stale remote typing indicators. Per room the
// local state machine is idle -> typing -> (refresh | expire) -> idle.
type TypingCoordinator struct {
	logger *slog.Logger
	sender channelSender
	self   Credentials
	cfg    TypingConfig
	now    func() time.Time
	emit   func(Event)

	mu sync.Mutex
	// local holds the auto-stop timer per room this client is typing in.
	// Key presence means the local state is "typing".
	local map[string]*time.Timer
	// remote maps roomID -> userID -> last refresh time.
	remote map[string]map[string]time.Time
	closed bool
}

// NewTypingCoordinator creates a coordinator for one session. emit may be
// nil.
func NewTypingCoordinator(sender channelSender, self Credentials, cfg TypingConfig,
	logger *slog.Logger, emit func(Event)) *TypingCoordinator {

	if cfg.StopAfter <= 0 {
		cfg.StopAfter = defaultTypingStopAfter
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = defaultTypingRemoteTTL
	}
	if emit == nil {
		emit = func(Event) {}
	}

	return &TypingCoordinator{
		logger: logger,
		sender: sender,
		self:   self,
		cfg:    cfg,
		now:    time.Now,
		emit:   emit,
		local:  make(map[string]*time.Timer),
		remote: make(map[string]map[string]time.Time),
	}
}

// NotifyTyping registers local typing intent. The "typing" broadcast goes
// out at most once per keystroke burst; subsequent calls within the burst
// only push the auto-stop deadline out.
func (t *TypingCoordinator) NotifyTyping(roomID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if timer, typing := t.local[roomID]; typing {
		timer.Reset(t.cfg.StopAfter)
		t.mu.Unlock()
		return
	}
	t.local[roomID] = time.AfterFunc(t.cfg.StopAfter, func() {
		t.autoStop(roomID)
	})
	t.mu.Unlock()

	if err := t.sender.Send(wire.EventTyping, wire.TypingPayload{RoomID: roomID, UserID: t.self.UserID}); err != nil {
		t.logger.Debug("typing broadcast skipped",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// autoStop fires when the inactivity window elapses without a refresh.
func (t *TypingCoordinator) autoStop(roomID string) {
	t.mu.Lock()
	if _, typing := t.local[roomID]; !typing || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.local, roomID)
	t.mu.Unlock()

	if err := t.sender.Send(wire.EventStopTyping, wire.TypingPayload{RoomID: roomID, UserID: t.self.UserID}); err != nil {
		t.logger.Debug("stop typing broadcast skipped",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// OnRemoteTyping records or refreshes a remote user's typing entry.
func (t *TypingCoordinator) OnRemoteTyping(roomID, userID string) {
	if userID == "" || userID == t.self.UserID {
		return
	}
	t.mu.Lock()
	room, ok := t.remote[roomID]
	if !ok {
		room = make(map[string]time.Time)
		t.remote[roomID] = room
	}
	_, existed := room[userID]
	room[userID] = t.now()
	t.mu.Unlock()

	if !existed {
		t.emit(Event{Type: EventTypingChanged, RoomID: roomID, UserID: userID})
	}
}

// OnRemoteStoppedTyping removes a remote user's typing entry.
func (t *TypingCoordinator) OnRemoteStoppedTyping(roomID, userID string) {
	t.mu.Lock()
	room := t.remote[roomID]
	_, existed := room[userID]
	delete(room, userID)
	t.mu.Unlock()

	if existed {
		t.emit(Event{Type: EventTypingChanged, RoomID: roomID, UserID: userID})
	}
}

// Typing returns the users currently typing in a room, in stable order.
// Entries past the staleness bound are pruned on read, so a lost "stop"
// event cannot leave an indefinite indicator.
func (t *TypingCoordinator) Typing(roomID string) []string {
	now := t.now()

	t.mu.Lock()
	room := t.remote[roomID]
	users := make([]string, 0, len(room))
	for userID, since := range room {
		if now.Sub(since) > t.cfg.RemoteTTL {
			delete(room, userID)
			continue
		}
		users = append(users, userID)
	}
	t.mu.Unlock()

	if len(users) == 0 {
		return nil
	}
	sort.Strings(users)
	return users
}

// Run prunes stale remote entries until the context is cancelled, so
// subscribers see expiry even between reads.
func (t *TypingCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(typingSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *TypingCoordinator) sweep() {
	now := t.now()
	type pruned struct{ roomID, userID string }

	t.mu.Lock()
	var out []pruned
	for roomID, room := range t.remote {
		for userID, since := range room {
			if now.Sub(since) > t.cfg.RemoteTTL {
				delete(room, userID)
				out = append(out, pruned{roomID: roomID, userID: userID})
			}
		}
	}
	t.mu.Unlock()

	for _, p := range out {
		t.emit(Event{Type: EventTypingChanged, RoomID: p.roomID, UserID: p.userID})
	}
}

// Close cancels all pending auto-stop timers. Required on teardown so no
// timer outlives the session.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	t.closed = true
	for roomID, timer := range t.local {
		timer.Stop()
		delete(t.local, roomID)
	}
	t.mu.Unlock()
}
