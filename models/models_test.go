package models

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusFailed, true},
		{StatusRead, StatusFailed, true},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusFailed, true},
		{StatusSent, MessageStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}

	if err := CheckTransition(StatusRead, StatusSent); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConversationKeyRoundTripAndPeers(t *testing.T) {
	key, err := NewConversationKey("owner-1", "car-9", "buyer-2")
	if err != nil {
		t.Fatalf("NewConversationKey failed: %v", err)
	}
	parsed, err := ParseConversationKey(key.String())
	if err != nil {
		t.Fatalf("ParseConversationKey failed: %v", err)
	}
	if parsed != key {
		t.Fatalf("expected %+v, got %+v", key, parsed)
	}
	if key.Peer("owner-1") != "buyer-2" || key.Peer("buyer-2") != "owner-1" {
		t.Fatalf("unexpected peers for %s", key)
	}
	if key.Peer("stranger") != "" || key.IsParticipant("stranger") {
		t.Fatalf("stranger must not be a participant")
	}

	for _, raw := range []string{"a/b", "a//c", "a/b/a", "a/b/c/d"} {
		if _, err := ParseConversationKey(raw); !errors.Is(err, ErrInvalidConversationKey) {
			t.Fatalf("expected ErrInvalidConversationKey for %q, got %v", raw, err)
		}
	}
}

func TestMessageVisibilityAndUnread(t *testing.T) {
	key := ConversationKey{OwnerID: "o", CarID: "c", BuyerID: "b"}
	msg := Message{
		ID:         "m1",
		Key:        key,
		SenderID:   "b",
		ReceiverID: "o",
		Text:       "is it still available?",
		Timestamp:  1,
		Status:     StatusDelivered,
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !msg.IsUnreadFor("o") || msg.IsUnreadFor("b") {
		t.Fatalf("unexpected unread state")
	}

	hidden := msg.WithDeletedFor("o").WithDeletedFor("o")
	if len(hidden.DeletedFor) != 1 {
		t.Fatalf("expected deletion set of 1, got %v", hidden.DeletedFor)
	}
	if hidden.VisibleTo("o") || !hidden.VisibleTo("b") {
		t.Fatalf("soft delete must only hide the message for o")
	}
	if len(msg.DeletedFor) != 0 {
		t.Fatalf("WithDeletedFor must not mutate the original")
	}
	if hidden.IsUnreadFor("o") {
		t.Fatalf("deleted messages are never unread")
	}

	both := hidden.WithDeletedFor("b")
	if got := both.ForViewer("o").DeletedFor; len(got) != 1 || got[0] != "o" {
		t.Fatalf("viewer should only see their own deletion, got %v", got)
	}
	if got := hidden.ForViewer("b").DeletedFor; len(got) != 0 {
		t.Fatalf("peer deletion leaked to viewer: %v", got)
	}
	if len(both.DeletedFor) != 2 {
		t.Fatalf("ForViewer must not mutate the original")
	}

	bad := msg
	bad.ReceiverID = "b"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected receiver validation error")
	}
	bad = msg
	bad.Text = "  "
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected empty message validation error")
	}
}

func TestAttachmentTypeFor(t *testing.T) {
	if AttachmentTypeFor("image/png") != AttachmentImage ||
		AttachmentTypeFor("video/mp4") != AttachmentVideo ||
		AttachmentTypeFor("audio/ogg") != AttachmentAudio ||
		AttachmentTypeFor("application/pdf") != AttachmentFile {
		t.Fatalf("unexpected attachment type mapping")
	}
}
