package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3habb99/chatsync/internal/wire"
)

type fakeStore struct {
	mu        sync.Mutex
	markedIDs []string
	bulkCalls []string
}

func (f *fakeStore) MarkMessageRead(messageID string) {
	f.mu.Lock()
	f.markedIDs = append(f.markedIDs, messageID)
	f.mu.Unlock()
}

func (f *fakeStore) ApplyBulkRead(roomID, readBy string) {
	f.mu.Lock()
	f.bulkCalls = append(f.bulkCalls, roomID+"/"+readBy)
	f.mu.Unlock()
}

func newTestReceipts(ch *fakeChannel, store *fakeStore) *ReadReceiptTracker {
	if ch == nil {
		ch = &fakeChannel{connected: true}
	}
	if store == nil {
		store = &fakeStore{}
	}
	return NewReadReceiptTracker(ch, store, selfCreds, slog.Default())
}

func TestMarkRead_LocalThenNotify(t *testing.T) {
	ch := &fakeChannel{connected: true}
	store := &fakeStore{}
	r := newTestReceipts(ch, store)

	r.MarkRead("m1", "r1")

	assert.Equal(t, []string{"m1"}, store.markedIDs)
	assert.Equal(t, []string{wire.EventMessageRead}, ch.events)
	assert.Equal(t, []string{selfCreds.UserID}, r.ReadBy("m1"))
}

func TestMarkRead_ChannelDownKeepsLocalState(t *testing.T) {
	ch := &fakeChannel{sendErr: fmt.Errorf("not connected")}
	store := &fakeStore{}
	r := newTestReceipts(ch, store)

	r.MarkRead("m1", "r1")

	assert.Equal(t, []string{"m1"}, store.markedIDs,
		"the local read mark survives a failed notification")
	assert.Equal(t, []string{selfCreds.UserID}, r.ReadBy("m1"))
}

func TestOnMessageRead(t *testing.T) {
	store := &fakeStore{}
	r := newTestReceipts(nil, store)

	r.OnMessageRead("m1", "u2")
	r.OnMessageRead("m1", "u3")
	r.OnMessageRead("m1", "")

	assert.Equal(t, []string{"u2", "u3"}, r.ReadBy("m1"))
	assert.Equal(t, []string{"m1", "m1"}, store.markedIDs)
}

func TestOnMessageRead_SelfDoesNotRemark(t *testing.T) {
	store := &fakeStore{}
	r := newTestReceipts(nil, store)

	r.OnMessageRead("m1", selfCreds.UserID)

	assert.Equal(t, []string{selfCreds.UserID}, r.ReadBy("m1"))
	assert.Empty(t, store.markedIDs, "the server echoing our own receipt is not reapplied")
}

func TestOnBulkRead(t *testing.T) {
	store := &fakeStore{}
	r := newTestReceipts(nil, store)

	r.OnBulkRead("r1", "u2")
	r.OnBulkRead("r1", "")

	assert.Equal(t, []string{"r1/u2"}, store.bulkCalls)
}

func TestMarkAllRead(t *testing.T) {
	ch := &fakeChannel{connected: true}
	store := &fakeStore{}
	r := newTestReceipts(ch, store)

	r.MarkAllRead("r1")

	assert.Equal(t, []string{"r1/" + selfCreds.UserID}, store.bulkCalls)
	assert.Equal(t, []string{wire.EventBulkRead}, ch.events)
}

func TestReadBy_UnknownMessage(t *testing.T) {
	r := newTestReceipts(nil, nil)

	assert.Nil(t, r.ReadBy("missing"))
}
