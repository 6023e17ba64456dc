package engine

import (
	"log/slog"
	"sync"
	"time"
)

// PresenceEntry is one user's online flag and last-seen time. LastSeen is
// zero until the first offline event is observed.
type PresenceEntry struct {
	Online   bool
	LastSeen time.Time
}

// PresenceTracker maintains online/offline flags per user, fed by push
// events. Presence is best-effort and self-healing: a stale entry is
// corrected by the next event, so there are no retries or failure modes.
type PresenceTracker struct {
	logger *slog.Logger
	now    func() time.Time
	emit   func(Event)

	mu      sync.Mutex
	entries map[string]PresenceEntry
}

// NewPresenceTracker creates a tracker for one session. emit may be nil.
func NewPresenceTracker(logger *slog.Logger, emit func(Event)) *PresenceTracker {
	if emit == nil {
		emit = func(Event) {}
	}
	return &PresenceTracker{
		logger:  logger,
		now:     time.Now,
		emit:    emit,
		entries: make(map[string]PresenceEntry),
	}
}

// SetOnline marks the user online.
func (p *PresenceTracker) SetOnline(userID string) {
	p.mu.Lock()
	e := p.entries[userID]
	changed := !e.Online
	e.Online = true
	p.entries[userID] = e
	p.mu.Unlock()

	if changed {
		p.emit(Event{Type: EventPresenceChanged, UserID: userID})
	}
}

// SetOffline marks the user offline and stamps the last-seen time.
func (p *PresenceTracker) SetOffline(userID string) {
	p.mu.Lock()
	e := p.entries[userID]
	e.Online = false
	e.LastSeen = p.now()
	p.entries[userID] = e
	p.mu.Unlock()

	p.emit(Event{Type: EventPresenceChanged, UserID: userID})
}

// IsOnline reports whether the user is currently marked online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[userID].Online
}

// LastSeen returns the user's last-seen time. ok is false when the user
// has never been observed going offline.
func (p *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok || e.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return e.LastSeen, true
}
