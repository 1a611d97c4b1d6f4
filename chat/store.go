package chat

import (
	"context"
	"errors"
	"io"

	"carchat/models"
)

var (
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrNotRecipient   = errors.New("only the receiver can acknowledge a message")
	ErrBlocked        = errors.New("conversation is blocked")
	ErrEmptyMessage   = errors.New("message needs text or an attachment")
	ErrNoUploader     = errors.New("attachments are not configured")

	// ErrNotFound is returned for unknown messages.
	ErrNotFound = models.ErrNotFound
)

// Store is the conversation tree: an ordered message log per conversation
// key with child listeners.
type Store interface {
	AppendMessage(ctx context.Context, message models.Message) error
	GetMessage(ctx context.Context, key models.ConversationKey, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, key models.ConversationKey, limit int) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) (*models.Message, error)
	AddDeletedFor(ctx context.Context, key models.ConversationKey, messageID, userID string) (*models.Message, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationKey, error)
	ListAllConversations(ctx context.Context) ([]models.ConversationKey, error)
	Watch(ctx context.Context, key models.ConversationKey, fn func(models.MessageEvent)) (func(), error)
}

// Gate decides whether two users may exchange messages.
type Gate interface {
	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Uploader turns raw attachment bytes into a stored attachment.
type Uploader interface {
	Prepare(ctx context.Context, name string, r io.Reader) (*models.Attachment, error)
}
