package wire

import (
	"time"

	"github.com/tidwall/gjson"
)

// Message is the canonical message shape. Incoming records from REST and
// push are normalized into this at the ingestion boundary; downstream code
// never sees the raw aliased forms.
type Message struct {
	ID        string
	RoomID    string
	Sender    Sender
	Content   string
	Media     []string
	CreatedAt time.Time
	Status    MessageStatus
}

// Sender identifies the author of a message. Username is best-effort: it
// is present only when the server embedded a sender object.
type Sender struct {
	ID       string
	Username string
}

// MessageStatus is the delivery lifecycle of a message as seen locally.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Room is the canonical conversation shape.
type Room struct {
	ID      string
	IsGroup bool
	Members []string
}

// timeFormats are attempted in order when createdAt arrives as a string.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

// canonicalID coalesces the two identifier aliases the server uses. Legacy
// records carry "_id" (sometimes as a {"$oid": ...} wrapper), newer ones
// carry "id".
func canonicalID(v gjson.Result) string {
	for _, key := range []string{"id", "_id"} {
		f := v.Get(key)
		if !f.Exists() {
			continue
		}
		if f.IsObject() {
			if oid := f.Get("$oid"); oid.Exists() {
				return oid.String()
			}
			continue
		}
		if f.Type == gjson.String || f.Type == gjson.Number {
			return f.String()
		}
	}
	return ""
}

// normalizeSender coalesces a sender that arrives as either a bare id
// string or an embedded user object.
func normalizeSender(v gjson.Result) Sender {
	f := v.Get("sender")
	if !f.Exists() {
		f = v.Get("senderId")
	}
	if !f.Exists() {
		return Sender{}
	}
	if f.IsObject() {
		return Sender{
			ID:       canonicalID(f),
			Username: f.Get("username").String(),
		}
	}
	return Sender{ID: f.String()}
}

// normalizeCreatedAt validates the timestamp field. Records occasionally
// arrive with a string date, a unix epoch, or a malformed binary-derived
// identifier in the date slot. Anything that does not parse to a real
// date is replaced with now rather than propagated.
func normalizeCreatedAt(v gjson.Result, now time.Time) time.Time {
	f := v.Get("createdAt")
	if !f.Exists() {
		f = v.Get("created_at")
	}

	switch f.Type {
	case gjson.String:
		for _, layout := range timeFormats {
			if t, err := time.Parse(layout, f.String()); err == nil {
				return t
			}
		}
	case gjson.Number:
		// Epoch milliseconds or seconds. Discriminate on magnitude.
		n := f.Int()
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		if n > 0 {
			return time.Unix(n, 0)
		}
	}

	return now
}

// roomID coalesces the room reference, which arrives as "chatId", a legacy
// "chat" id string, or an embedded chat object.
func roomID(v gjson.Result) string {
	if f := v.Get("chatId"); f.Exists() && !f.IsObject() {
		return f.String()
	}
	for _, key := range []string{"chat", "roomId"} {
		f := v.Get(key)
		if !f.Exists() {
			continue
		}
		if f.IsObject() {
			if id := canonicalID(f); id != "" {
				return id
			}
			continue
		}
		return f.String()
	}
	return ""
}

// NormalizeMessage converts a raw message record from REST or push into
// the canonical shape. Returns false when the record is unusable: no
// identifier, or neither textual content nor attached media. It never
// fails on malformed individual fields; those are degraded instead.
func NormalizeMessage(v gjson.Result, now time.Time) (Message, bool) {
	id := canonicalID(v)
	if id == "" {
		return Message{}, false
	}

	content := v.Get("content").String()

	var media []string
	v.Get("media").ForEach(func(_, m gjson.Result) bool {
		if s := m.String(); s != "" {
			media = append(media, s)
		}
		return true
	})

	if content == "" && len(media) == 0 {
		return Message{}, false
	}

	status := MessageStatus(v.Get("status").String())
	switch status {
	case StatusSent, StatusDelivered, StatusRead:
	default:
		status = StatusSent
	}

	return Message{
		ID:        id,
		RoomID:    roomID(v),
		Sender:    normalizeSender(v),
		Content:   content,
		Media:     media,
		CreatedAt: normalizeCreatedAt(v, now),
		Status:    status,
	}, true
}

// NormalizeRoom converts a raw room record into the canonical shape.
func NormalizeRoom(v gjson.Result) (Room, bool) {
	id := canonicalID(v)
	if id == "" {
		return Room{}, false
	}

	var members []string
	v.Get("members").ForEach(func(_, m gjson.Result) bool {
		if m.IsObject() {
			if mid := canonicalID(m); mid != "" {
				members = append(members, mid)
			}
		} else if s := m.String(); s != "" {
			members = append(members, s)
		}
		return true
	})

	return Room{
		ID:      id,
		IsGroup: v.Get("isGroupChat").Bool() || v.Get("isGroup").Bool(),
		Members: members,
	}, true
}

// UnwrapEnvelope tolerates the three REST envelope shapes the server
// returns: a raw array, {data: ...}, and the doubly-nested {data: {data:
// ...}}. The innermost payload is returned.
func UnwrapEnvelope(body []byte) gjson.Result {
	v := gjson.ParseBytes(body)
	if v.IsArray() {
		return v
	}
	if inner := v.Get("data.data"); inner.Exists() {
		return inner
	}
	if inner := v.Get("data"); inner.Exists() {
		return inner
	}
	return v
}
