package storage

import (
	"context"
	"testing"

	"carchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testKey(t *testing.T) models.ConversationKey {
	t.Helper()

	key, err := models.NewConversationKey("owner-1", "car-1", "buyer-1")
	if err != nil {
		t.Fatalf("new conversation key: %v", err)
	}
	return key
}

func mustAppend(t *testing.T, store *Store, key models.ConversationKey, id, senderID, text string, ts int64) models.Message {
	t.Helper()

	msg := models.Message{
		ID:         id,
		Key:        key,
		SenderID:   senderID,
		ReceiverID: key.Peer(senderID),
		Text:       text,
		Timestamp:  ts,
		Status:     models.StatusSent,
	}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append message %q: %v", id, err)
	}
	return msg
}
