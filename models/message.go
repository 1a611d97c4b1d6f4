package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ErrInvalidTransition is returned when a status update would move a message backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether a message in state from may move to state to.
//
// Status only moves forward along sent -> delivered -> read, any state may
// become failed, and failed is terminal. Same-state updates are allowed so
// that repeated acknowledgements stay idempotent.
func CanTransition(from, to MessageStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() > from.rank()
}

// CheckTransition is CanTransition returning a wrapped ErrInvalidTransition.
func CheckTransition(from, to MessageStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Message is one entry of a conversation log.
type Message struct {
	ID         string          `json:"id"`
	Key        ConversationKey `json:"key"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Text       string          `json:"text,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Status     MessageStatus   `json:"status"`
	DeletedFor []string        `json:"deleted_for,omitempty"`
}

// Validate checks the structural invariants shared by every store.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if err := m.Key.Validate(); err != nil {
		return err
	}
	if !m.Key.IsParticipant(m.SenderID) {
		return fmt.Errorf("sender %q is not a participant of %s", m.SenderID, m.Key)
	}
	if m.ReceiverID != m.Key.Peer(m.SenderID) {
		return fmt.Errorf("receiver %q is not the peer of sender %q", m.ReceiverID, m.SenderID)
	}
	if strings.TrimSpace(m.Text) == "" && m.Attachment == nil {
		return errors.New("message needs text or an attachment")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid message status %q", m.Status)
	}
	if m.Timestamp <= 0 {
		return errors.New("message timestamp is required")
	}
	return nil
}

// VisibleTo reports whether the message is not soft-deleted for userID.
func (m Message) VisibleTo(userID string) bool {
	return !slices.Contains(m.DeletedFor, userID)
}

// IsUnreadFor reports whether userID is the receiver and has not read the message yet.
func (m Message) IsUnreadFor(userID string) bool {
	if m.ReceiverID != userID || !m.VisibleTo(userID) {
		return false
	}
	return m.Status == StatusSent || m.Status == StatusDelivered
}

// WithDeletedFor returns a copy with userID added to the deletion set.
func (m Message) WithDeletedFor(userID string) Message {
	out := m
	if slices.Contains(m.DeletedFor, userID) {
		return out
	}
	out.DeletedFor = append(slices.Clone(m.DeletedFor), userID)
	slices.Sort(out.DeletedFor)
	return out
}

// ForViewer returns a copy whose deletion set only tells userID whether they
// deleted the message themselves. Other participants' deletions stay private.
func (m Message) ForViewer(userID string) Message {
	out := m
	out.DeletedFor = nil
	if slices.Contains(m.DeletedFor, userID) {
		out.DeletedFor = []string{userID}
	}
	return out
}

// MessageEventType names a child-listener event.
type MessageEventType string

const (
	EventAdded   MessageEventType = "added"
	EventChanged MessageEventType = "changed"
)

// MessageEvent is delivered to conversation listeners.
type MessageEvent struct {
	Type    MessageEventType `json:"type"`
	Message Message          `json:"message"`
	// DeletedBy is set on the changed event raised by a soft delete.
	DeletedBy string `json:"deleted_by,omitempty"`
}

// ConversationSummary is one row of a user's inbox.
type ConversationSummary struct {
	Key         ConversationKey `json:"key"`
	LastMessage *Message        `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
}
