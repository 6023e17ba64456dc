package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/r3habb99/chatsync/internal/wire"
)

// messageStore is the slice of the reconciler the receipt tracker uses to
// apply status effects. The reconciler stays the only writer of the
// message lists; the tracker only asks it to act.
type messageStore interface {
	MarkMessageRead(messageID string)
	ApplyBulkRead(roomID, readBy string)
}

// ReadReceiptTracker tracks per-message read state and applies bulk
// "mark all read" operations. Nothing here blocks the send or receive
// paths; server notification is fire-and-forget.
type ReadReceiptTracker struct {
	logger *slog.Logger
	sender channelSender
	store  messageStore
	self   Credentials

	mu     sync.Mutex
	readBy map[string]map[string]struct{}
}

// NewReadReceiptTracker creates a tracker for one session.
func NewReadReceiptTracker(sender channelSender, store messageStore, self Credentials,
	logger *slog.Logger) *ReadReceiptTracker {

	return &ReadReceiptTracker{
		logger: logger,
		sender: sender,
		store:  store,
		self:   self,
		readBy: make(map[string]map[string]struct{}),
	}
}

// MarkRead optimistically sets the local status and informs the server.
// A down channel only skips the notification; the local state is kept.
func (r *ReadReceiptTracker) MarkRead(messageID, roomID string) {
	r.store.MarkMessageRead(messageID)
	r.record(messageID, r.self.UserID)

	if err := r.sender.Send(wire.EventMessageRead, wire.ReadPayload{
		MessageID: messageID,
		ChatID:    roomID,
	}); err != nil {
		r.logger.Debug("read receipt not sent",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// OnMessageRead applies a remote read receipt for a single message.
func (r *ReadReceiptTracker) OnMessageRead(messageID, userID string) {
	if userID == "" {
		return
	}
	r.record(messageID, userID)
	if userID != r.self.UserID {
		r.store.MarkMessageRead(messageID)
	}
}

// OnBulkRead marks every message in the room authored by someone other
// than readBy as read.
func (r *ReadReceiptTracker) OnBulkRead(roomID, readBy string) {
	if readBy == "" {
		return
	}
	r.store.ApplyBulkRead(roomID, readBy)
}

// MarkAllRead is the outbound bulk operation: everything unread in the
// room is marked locally, then the server is told once.
func (r *ReadReceiptTracker) MarkAllRead(roomID string) {
	r.store.ApplyBulkRead(roomID, r.self.UserID)

	if err := r.sender.Send(wire.EventBulkRead, wire.BulkReadPayload{
		ChatID: roomID,
		ReadBy: r.self.UserID,
	}); err != nil {
		r.logger.Debug("bulk read receipt not sent",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// ReadBy returns the users known to have read a message, in stable order.
func (r *ReadReceiptTracker) ReadBy(messageID string) []string {
	r.mu.Lock()
	set := r.readBy[messageID]
	users := make([]string, 0, len(set))
	for userID := range set {
		users = append(users, userID)
	}
	r.mu.Unlock()

	if len(users) == 0 {
		return nil
	}
	sort.Strings(users)
	return users
}

func (r *ReadReceiptTracker) record(messageID, userID string) {
	r.mu.Lock()
	set, ok := r.readBy[messageID]
	if !ok {
		set = make(map[string]struct{})
		r.readBy[messageID] = set
	}
	set[userID] = struct{}{}
	r.mu.Unlock()
}
