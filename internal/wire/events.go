package wire

import (
	"encoding/json"
	"fmt"
)

// Push-channel event names. The server uses the same names in both
// directions where an event is bidirectional.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"

	EventJoinRoom  = "join room"
	EventLeaveRoom = "leave room"

	EventNewMessage       = "new message"
	EventMessageDelivered = "message delivered"
	EventMessageEdited    = "message edited"
	EventMessageDeleted   = "message deleted"
	EventMessageRead      = "message read"
	EventBulkRead         = "messages bulk read"

	EventTyping     = "typing"
	EventStopTyping = "stop typing"

	EventUserOnline  = "user online"
	EventUserOffline = "user offline"

	EventPing = "ping"
	EventPong = "pong"
)

// Frame is the envelope for every push-channel message, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event and its payload into a wire frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		d, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %q payload: %w", event, err)
		}
		data = d
	}
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %q frame: %w", event, err)
	}
	return raw, nil
}

// AuthPayload is sent as the first frame after the transport connects.
type AuthPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// RoomPayload addresses a single room for join/leave events.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// NewMessagePayload is the outbound body of a "new message" event. The
// server echoes it back as a full Message record. CorrelationID lets the
// sender match the echo independent of the signature mechanism.
type NewMessagePayload struct {
	RoomID        string   `json:"roomId"`
	Content       string   `json:"content"`
	Media         []string `json:"media,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// TypingPayload is shared by "typing" and "stop typing" in both directions.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// ReadPayload marks a single message as read.
type ReadPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// BulkReadPayload marks everything in a room as read by one user.
type BulkReadPayload struct {
	ChatID string `json:"chatId"`
	ReadBy string `json:"readBy"`
}

// DeliveredPayload is the inbound body of a "message delivered" event.
type DeliveredPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// PresencePayload is the inbound body of "user online" / "user offline".
type PresencePayload struct {
	UserID string `json:"userId"`
}
