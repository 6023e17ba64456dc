package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/r3habb99/chatsync/internal/wire"
)

const (
	defaultPendingTTL = 10 * time.Second
	defaultDupWindow  = 2 * time.Second

	pendingSweepEvery = 1 * time.Second
)

// channelSender is the slice of ConnManager the reconciler needs for the
// socket send path.
type channelSender interface {
	Connected() bool
	Send(event string, payload any) error
}

// RESTClient is the pull collaborator: paginated history and the send
// fallback used while the channel is down.
type RESTClient interface {
	FetchHistory(ctx context.Context, chatID string, limit, skip int) ([]wire.Message, error)
	SendMessage(ctx context.Context, chatID, content string, media []string) (wire.Message, error)
}

// pendingSend suppresses duplicate insertion when the server echoes back
// a message this client just sent. Removed when a matching confirmation
// arrives or when the TTL passes, whichever comes first.
type pendingSend struct {
	signature string
	tempID    string
	roomID    string
	expiresAt time.Time
}

// ReconcilerConfig holds the reconciler's tunables. Zero values take the
// defaults.
type ReconcilerConfig struct {
	PendingTTL          time.Duration
	DuplicateSendWindow time.Duration
}

// Reconciler merges paginated history fetches with pushed events into one
// ordered, deduplicated per-room message list, and manages the
// optimistic-send lifecycle. It is the only writer of the message lists;
// every other component reads through snapshots.
type Reconciler struct {
	logger  *slog.Logger
	channel channelSender
	rest    RESTClient
	self    Credentials
	cfg     ReconcilerConfig
	now     func() time.Time
	emit    func(Event)

	mu         sync.Mutex
	openRoom   string
	generation uint64
	// rooms holds the materialized message lists, each kept non-decreasing
	// in CreatedAt. Key presence marks a room as materialized; pushes for
	// unmaterialized rooms are dropped and left for a future history load.
	rooms    map[string][]wire.Message
	pending  map[string]pendingSend
	lastSend map[string]time.Time
}

// NewReconciler creates a reconciler for one session. emit may be nil.
func NewReconciler(channel channelSender, rest RESTClient, self Credentials,
	cfg ReconcilerConfig, logger *slog.Logger, emit func(Event)) *Reconciler {

	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	if cfg.DuplicateSendWindow <= 0 {
		cfg.DuplicateSendWindow = defaultDupWindow
	}
	if emit == nil {
		emit = func(Event) {}
	}

	return &Reconciler{
		logger:   logger,
		channel:  channel,
		rest:     rest,
		self:     self,
		cfg:      cfg,
		now:      time.Now,
		emit:     emit,
		rooms:    make(map[string][]wire.Message),
		pending:  make(map[string]pendingSend),
		lastSend: make(map[string]time.Time),
	}
}

// signature derives the dedup key matching a pending send to its server
// confirmation.
func signature(content, senderID, roomID string, hasMedia bool) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(roomID))
	h.Write([]byte{0})
	if hasMedia {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OpenRoom switches the currently open room. The previous room's
// in-flight history loads are invalidated (their results will be
// discarded on arrival) and the new room is materialized fresh so the
// first history page replaces rather than merges. Optimistic entries
// still awaiting confirmation survive the reset; dropping them would
// lose the send outcome.
func (r *Reconciler) OpenRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openRoom == roomID {
		return
	}
	r.openRoom = roomID
	r.generation++

	inflight := make(map[string]struct{})
	for _, p := range r.pending {
		if p.roomID == roomID {
			inflight[p.tempID] = struct{}{}
		}
	}
	var kept []wire.Message
	for _, m := range r.rooms[roomID] {
		if _, ok := inflight[m.ID]; ok {
			kept = append(kept, m)
		}
	}
	r.rooms[roomID] = kept
}

// LoadHistory pulls one page for a room and merges it into the room's
// list: records already present by id are untouched, new ones are
// inserted in sorted position. A page that resolves after the open room
// has switched is discarded. Fetch errors are surfaced to the caller;
// the engine does not auto-retry.
func (r *Reconciler) LoadHistory(ctx context.Context, roomID string, limit, skip int) ([]wire.Message, error) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	page, err := r.rest.FetchHistory(ctx, roomID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("loading history for room %s: %w", roomID, err)
	}

	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt.Before(page[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation && roomID != r.openRoom {
		r.logger.Debug("discarding stale history page",
			slog.String("room_id", roomID),
			slog.Int("records", len(page)),
		)
		return nil, nil
	}

	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = nil
	}
	inserted := 0
	for _, msg := range page {
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		if r.insertLocked(roomID, msg) {
			inserted++
		}
	}

	if inserted > 0 {
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
	}
	return r.snapshotLocked(roomID), nil
}

// SendMessage publishes an immediate optimistic message and transmits it
// over the socket when connected, or the REST fallback otherwise. An
// identical send within the duplicate window is suppressed.
func (r *Reconciler) SendMessage(ctx context.Context, roomID, content string, media []string) error {
	if roomID == "" {
		return fmt.Errorf("%w: missing room id", ErrSend)
	}
	if content == "" && len(media) == 0 {
		return fmt.Errorf("%w: empty message", ErrSend)
	}

	now := r.now()
	sig := signature(content, r.self.UserID, roomID, len(media) > 0)

	r.mu.Lock()
	if at, ok := r.lastSend[sig]; ok && now.Sub(at) < r.cfg.DuplicateSendWindow {
		r.mu.Unlock()
		r.logger.Debug("suppressing duplicate send", slog.String("room_id", roomID))
		return nil
	}
	r.lastSend[sig] = now

	tempID := "local-" + uuid.NewString()
	r.pending[sig] = pendingSend{
		signature: sig,
		tempID:    tempID,
		roomID:    roomID,
		expiresAt: now.Add(r.cfg.PendingTTL),
	}

	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = nil
	}
	r.insertLocked(roomID, wire.Message{
		ID:        tempID,
		RoomID:    roomID,
		Sender:    wire.Sender{ID: r.self.UserID, Username: r.self.Username},
		Content:   content,
		Media:     media,
		CreatedAt: now,
		Status:    wire.StatusSending,
	})
	r.mu.Unlock()
	r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})

	if r.channel.Connected() {
		err := r.channel.Send(wire.EventNewMessage, wire.NewMessagePayload{
			RoomID:        roomID,
			Content:       content,
			Media:         media,
			CorrelationID: tempID,
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrNotConnected):
			// The channel dropped between the check and the send; the
			// message still has the fallback path.
			go r.sendFallback(ctx, roomID, tempID, sig, content, media)
		default:
			r.failSend(roomID, tempID, sig, err)
		}
		return nil
	}

	go r.sendFallback(ctx, roomID, tempID, sig, content, media)
	return nil
}

// sendFallback transmits over REST while the channel is down and applies
// the server-assigned record in place of the optimistic one.
func (r *Reconciler) sendFallback(ctx context.Context, roomID, tempID, sig, content string, media []string) {
	msg, err := r.rest.SendMessage(ctx, roomID, content, media)
	if err != nil {
		r.failSend(roomID, tempID, sig, err)
		return
	}
	if msg.Status == "" || msg.Status == wire.StatusSending {
		msg.Status = wire.StatusSent
	}

	r.mu.Lock()
	delete(r.pending, sig)
	replaced := r.replaceLocked(roomID, tempID, msg)
	if !replaced {
		// Temp already superseded (server echo beat the REST response).
		// The id dedup below keeps the list consistent.
		if !r.containsLocked(roomID, msg.ID) {
			r.insertLocked(roomID, msg)
		}
	}
	r.mu.Unlock()
	r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})

	r.logger.Debug("send confirmed via fallback",
		slog.String("room_id", roomID),
		slog.String("message_id", msg.ID),
	)
}

// failSend reverts an optimistic message to failed. The entry stays in
// the list so the caller can offer a resend.
func (r *Reconciler) failSend(roomID, tempID, sig string, cause error) {
	r.mu.Lock()
	delete(r.pending, sig)
	list := r.rooms[roomID]
	for i := range list {
		if list[i].ID == tempID {
			list[i].Status = wire.StatusFailed
			break
		}
	}
	r.mu.Unlock()
	r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})

	r.logger.Warn("send failed",
		slog.String("room_id", roomID),
		slog.String("error", cause.Error()),
	)
}

// OnPushedMessage applies a pushed "new message" event. An echo matching
// an active pending send replaces the optimistic entry in place; anything
// else is inserted in sorted position if the room is materialized and the
// id is new. Malformed records are normalized away, never surfaced.
func (r *Reconciler) OnPushedMessage(data gjson.Result) {
	msg, ok := wire.NormalizeMessage(data, r.now())
	if !ok {
		r.logger.Debug("dropping unusable pushed message")
		return
	}
	if msg.Status == "" {
		msg.Status = wire.StatusSent
	}

	r.mu.Lock()
	sig := signature(msg.Content, msg.Sender.ID, msg.RoomID, len(msg.Media) > 0)
	if p, ok := r.pending[sig]; ok {
		delete(r.pending, sig)
		if !r.replaceLocked(p.roomID, p.tempID, msg) && !r.containsLocked(msg.RoomID, msg.ID) {
			r.insertLocked(msg.RoomID, msg)
		}
		roomID := p.roomID
		r.mu.Unlock()
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
		return
	}

	if _, materialized := r.rooms[msg.RoomID]; !materialized {
		r.mu.Unlock()
		r.logger.Debug("dropping push for unmaterialized room",
			slog.String("room_id", msg.RoomID),
			slog.String("message_id", msg.ID),
		)
		return
	}

	if !r.insertLocked(msg.RoomID, msg) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.emit(Event{Type: EventMessagesChanged, RoomID: msg.RoomID})
}

// OnDelivered flips a message's status to delivered.
func (r *Reconciler) OnDelivered(messageID string) {
	r.updateByID(messageID, func(m *wire.Message) bool {
		if m.Status != wire.StatusSent && m.Status != wire.StatusSending {
			return false
		}
		m.Status = wire.StatusDelivered
		return true
	})
}

// MarkMessageRead flips a message's status to read.
func (r *Reconciler) MarkMessageRead(messageID string) {
	r.updateByID(messageID, func(m *wire.Message) bool {
		if m.Status == wire.StatusRead {
			return false
		}
		m.Status = wire.StatusRead
		return true
	})
}

// EditMessage replaces a message's content by id. No-op when the id is
// absent (already removed or superseded).
func (r *Reconciler) EditMessage(roomID, messageID, content string) {
	r.mu.Lock()
	list := r.rooms[roomID]
	changed := false
	for i := range list {
		if list[i].ID == messageID {
			list[i].Content = content
			changed = true
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
	}
}

// DeleteMessage removes a message by id. No-op when the id is absent.
func (r *Reconciler) DeleteMessage(roomID, messageID string) {
	r.mu.Lock()
	list := r.rooms[roomID]
	changed := false
	for i := range list {
		if list[i].ID == messageID {
			r.rooms[roomID] = append(list[:i], list[i+1:]...)
			changed = true
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
	}
}

// ApplyBulkRead sets status read on every message in the room authored by
// someone other than readBy.
func (r *Reconciler) ApplyBulkRead(roomID, readBy string) {
	r.mu.Lock()
	list := r.rooms[roomID]
	changed := false
	for i := range list {
		if list[i].Sender.ID != readBy && list[i].Status != wire.StatusRead {
			list[i].Status = wire.StatusRead
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
	}
}

// Messages returns a snapshot copy of a room's ordered message list.
func (r *Reconciler) Messages(roomID string) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(roomID)
}

// Run sweeps expired pending sends until the context is cancelled.
// An expired pending send means no confirmation arrived within the TTL;
// its optimistic message is reverted to failed rather than left hanging
// in sending forever.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pendingSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweep expires pending sends past their TTL and prunes stale duplicate
// guards.
func (r *Reconciler) sweep() {
	now := r.now()
	type expired struct{ roomID, tempID, sig string }

	r.mu.Lock()
	var out []expired
	for sig, p := range r.pending {
		if now.After(p.expiresAt) {
			out = append(out, expired{roomID: p.roomID, tempID: p.tempID, sig: sig})
		}
	}
	for sig, at := range r.lastSend {
		if now.Sub(at) > r.cfg.DuplicateSendWindow {
			delete(r.lastSend, sig)
		}
	}
	r.mu.Unlock()

	for _, e := range out {
		r.failSend(e.roomID, e.tempID, e.sig, fmt.Errorf("%w: no confirmation within %s", ErrSend, r.cfg.PendingTTL))
	}
}

// insertLocked inserts a message in sorted position by CreatedAt, ties
// broken by arrival. Returns false when the id is already present.
func (r *Reconciler) insertLocked(roomID string, msg wire.Message) bool {
	if r.containsLocked(roomID, msg.ID) {
		return false
	}
	list := r.rooms[roomID]
	// First index whose CreatedAt is after msg's. Equal timestamps sort
	// by arrival, so the new message goes after the existing run.
	pos := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, wire.Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	r.rooms[roomID] = list
	return true
}

// replaceLocked swaps the message with the given id for a new record,
// preserving its position in the list.
func (r *Reconciler) replaceLocked(roomID, oldID string, msg wire.Message) bool {
	list := r.rooms[roomID]
	for i := range list {
		if list[i].ID == oldID {
			list[i] = msg
			return true
		}
	}
	return false
}

func (r *Reconciler) containsLocked(roomID, messageID string) bool {
	for _, m := range r.rooms[roomID] {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

func (r *Reconciler) snapshotLocked(roomID string) []wire.Message {
	list := r.rooms[roomID]
	if len(list) == 0 {
		return nil
	}
	out := make([]wire.Message, len(list))
	copy(out, list)
	return out
}

// updateByID applies fn to the message with the given id in any
// materialized room. No-op when the id is absent.
func (r *Reconciler) updateByID(messageID string, fn func(*wire.Message) bool) {
	r.mu.Lock()
	var roomID string
	found := false
	changed := false
	for id, list := range r.rooms {
		for i := range list {
			if list[i].ID == messageID {
				changed = fn(&list[i])
				roomID = id
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.emit(Event{Type: EventMessagesChanged, RoomID: roomID})
	}
}
