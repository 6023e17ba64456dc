package engine

// EventType identifies a category of engine event.
type EventType string

const (
	// EventStatusChanged fires on every connection status transition.
	EventStatusChanged EventType = "status changed"

	// EventMessagesChanged fires whenever a room's message list mutates:
	// history merge, optimistic send, push insert, edit, delete, status
	// flips.
	EventMessagesChanged EventType = "messages changed"

	// EventPresenceChanged fires when a user goes online or offline.
	EventPresenceChanged EventType = "presence changed"

	// EventTypingChanged fires when a room's set of typing users changes.
	EventTypingChanged EventType = "typing changed"
)

// Event is published to subscribers whenever reconciled state changes.
// Subscribers read fresh state back through the engine's snapshot
// accessors; the event carries only what changed, not the data itself.
type Event struct {
	Type   EventType
	RoomID string
	UserID string
	Status Status
}
