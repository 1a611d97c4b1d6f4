// Package chat implements message delivery on top of a conversation store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carchat/models"
)

// bulkScanLimit bounds how far back bulk acknowledgements look.
const bulkScanLimit = 10000

// Service sends messages and tracks their delivery state.
type Service struct {
	store    Store
	gate     Gate
	uploader Uploader
	log      zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewService wires a Service. gate and uploader may be nil.
func NewService(store Store, gate Gate, uploader Uploader, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		uploader: uploader,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SendText appends a text message from senderID to the other participant.
func (s *Service) SendText(ctx context.Context, key models.ConversationKey, senderID, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := s.checkCanSend(ctx, key, senderID); err != nil {
		return nil, err
	}

	message := s.newMessage(key, senderID, text, nil, models.StatusSent)
	if err := s.store.AppendMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.log.Debug().Str("conversation", key.String()).Str("message_id", message.ID).Msg("text message sent")
	return &message, nil
}

// SendAttachment uploads r and appends a message referencing it.
//
// When the upload fails the message is still appended with status failed
// and the upload error is returned.
func (s *Service) SendAttachment(ctx context.Context, key models.ConversationKey, senderID, text, name string, r io.Reader) (*models.Message, error) {
	if s.uploader == nil {
		return nil, ErrNoUploader
	}
	if err := s.checkCanSend(ctx, key, senderID); err != nil {
		return nil, err
	}

	att, uploadErr := s.uploader.Prepare(ctx, name, r)
	if uploadErr != nil {
		contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		placeholder := &models.Attachment{
			Type:        models.AttachmentTypeFor(contentType),
			Name:        filepath.Base(name),
			ContentType: contentType,
		}
		failed := s.newMessage(key, senderID, text, placeholder, models.StatusFailed)
		if err := s.store.AppendMessage(ctx, failed); err != nil {
			return nil, errors.Join(fmt.Errorf("upload attachment: %w", uploadErr), fmt.Errorf("append failed message: %w", err))
		}
		s.log.Warn().Err(uploadErr).Str("conversation", key.String()).Str("message_id", failed.ID).Msg("attachment upload failed")
		return &failed, fmt.Errorf("upload attachment: %w", uploadErr)
	}

	message := s.newMessage(key, senderID, text, att, models.StatusSent)
	if err := s.store.AppendMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.log.Debug().Str("conversation", key.String()).Str("message_id", message.ID).Str("hash", att.Hash).Msg("attachment message sent")
	return &message, nil
}

// MarkDelivered acknowledges receipt of one message by its receiver.
func (s *Service) MarkDelivered(ctx context.Context, key models.ConversationKey, userID, messageID string) (*models.Message, error) {
	return s.acknowledge(ctx, key, userID, messageID, models.StatusDelivered)
}

// MarkRead acknowledges that the receiver has read one message.
func (s *Service) MarkRead(ctx context.Context, key models.ConversationKey, userID, messageID string) (*models.Message, error) {
	return s.acknowledge(ctx, key, userID, messageID, models.StatusRead)
}

// MarkConversationDelivered marks every message addressed to userID as
// delivered and returns how many changed.
func (s *Service) MarkConversationDelivered(ctx context.Context, key models.ConversationKey, userID string) (int, error) {
	return s.acknowledgeAll(ctx, key, userID, models.StatusDelivered)
}

// MarkConversationRead marks every message addressed to userID as read and
// returns how many changed.
func (s *Service) MarkConversationRead(ctx context.Context, key models.ConversationKey, userID string) (int, error) {
	return s.acknowledgeAll(ctx, key, userID, models.StatusRead)
}

// MarkFailed moves a message to the terminal failed state.
func (s *Service) MarkFailed(ctx context.Context, key models.ConversationKey, messageID string) (*models.Message, error) {
	return s.store.UpdateMessageStatus(ctx, key, messageID, models.StatusFailed)
}

// DeleteForUser hides a message from userID only.
func (s *Service) DeleteForUser(ctx context.Context, key models.ConversationKey, userID, messageID string) (*models.Message, error) {
	if !key.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	updated, err := s.store.AddDeletedFor(ctx, key, messageID, userID)
	if err != nil {
		return nil, err
	}
	return forViewer(updated, userID), nil
}

// History returns up to limit recent messages visible to viewerID, oldest first.
func (s *Service) History(ctx context.Context, key models.ConversationKey, viewerID string, limit int) ([]models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !key.IsParticipant(viewerID) {
		return nil, ErrNotParticipant
	}

	messages, err := s.store.ListMessages(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	visible := messages[:0]
	for _, message := range messages {
		if message.VisibleTo(viewerID) {
			visible = append(visible, message.ForViewer(viewerID))
		}
	}
	return visible, nil
}

// Conversations lists userID's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	keys, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(keys))
	for _, key := range keys {
		messages, err := s.store.ListMessages(ctx, key, bulkScanLimit)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", key, err)
		}

		summary := models.ConversationSummary{Key: key}
		for i := range messages {
			message := messages[i].ForViewer(userID)
			if !message.VisibleTo(userID) {
				continue
			}
			summary.LastMessage = &message
			if message.IsUnreadFor(userID) {
				summary.UnreadCount++
			}
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return lastActivity(summaries[i]) > lastActivity(summaries[j])
	})
	return summaries, nil
}

// Listen streams events of one conversation as seen by viewerID.
//
// Events for messages hidden from the viewer are skipped, except the one
// raised by the viewer's own delete. The peer's deletes are never shown. A
// newly added message addressed to the viewer is acknowledged as delivered
// before fn sees it.
func (s *Service) Listen(ctx context.Context, key models.ConversationKey, viewerID string, fn func(models.MessageEvent)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !key.IsParticipant(viewerID) {
		return nil, ErrNotParticipant
	}

	return s.store.Watch(ctx, key, func(event models.MessageEvent) {
		message := event.Message
		if event.DeletedBy != "" && event.DeletedBy != viewerID {
			return
		}
		if !message.VisibleTo(viewerID) && event.DeletedBy != viewerID {
			return
		}
		if event.Type == models.EventAdded {
			if message.ReceiverID == viewerID && message.Status == models.StatusSent {
				if _, err := s.store.UpdateMessageStatus(ctx, key, message.ID, models.StatusDelivered); err != nil &&
					!errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, context.Canceled) {
					s.log.Warn().Err(err).Str("message_id", message.ID).Msg("auto-deliver message")
				}
			}
		}
		event.Message = message.ForViewer(viewerID)
		fn(event)
	})
}

func (s *Service) acknowledge(ctx context.Context, key models.ConversationKey, userID, messageID string, status models.MessageStatus) (*models.Message, error) {
	if !key.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	current, err := s.store.GetMessage(ctx, key, messageID)
	if err != nil {
		return nil, err
	}
	if current.ReceiverID != userID {
		return nil, ErrNotRecipient
	}
	updated, err := s.store.UpdateMessageStatus(ctx, key, messageID, status)
	if err != nil {
		return nil, err
	}
	return forViewer(updated, userID), nil
}

func forViewer(message *models.Message, userID string) *models.Message {
	projected := message.ForViewer(userID)
	return &projected
}

func (s *Service) acknowledgeAll(ctx context.Context, key models.ConversationKey, userID string, status models.MessageStatus) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if !key.IsParticipant(userID) {
		return 0, ErrNotParticipant
	}

	messages, err := s.store.ListMessages(ctx, key, bulkScanLimit)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, message := range messages {
		if message.ReceiverID != userID || message.Status == status || !models.CanTransition(message.Status, status) {
			continue
		}
		updated, err := s.store.UpdateMessageStatus(ctx, key, message.ID, status)
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			return changed, err
		}
		if updated.Status != message.Status {
			changed++
		}
	}
	return changed, nil
}

func (s *Service) checkCanSend(ctx context.Context, key models.ConversationKey, senderID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.IsParticipant(senderID) {
		return ErrNotParticipant
	}
	if s.gate == nil {
		return nil
	}
	blocked, err := s.gate.IsBlocked(ctx, senderID, key.Peer(senderID))
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

func (s *Service) newMessage(key models.ConversationKey, senderID, text string, att *models.Attachment, status models.MessageStatus) models.Message {
	return models.Message{
		ID:         s.newID(),
		Key:        key,
		SenderID:   senderID,
		ReceiverID: key.Peer(senderID),
		Text:       strings.TrimSpace(text),
		Attachment: att,
		Timestamp:  s.now().UnixMilli(),
		Status:     status,
	}
}

func lastActivity(summary models.ConversationSummary) int64 {
	if summary.LastMessage == nil {
		return 0
	}
	return summary.LastMessage.Timestamp
}
