package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mattn/go-sqlite3"

	"carchat/models"
)

const defaultMessageLimit = 500

const messageColumns = `
	m.message_id,
	m.conv_key,
	m.sender_id,
	m.receiver_id,
	m.text,
	m.attachment_url,
	m.attachment_type,
	m.attachment_name,
	m.attachment_content_type,
	m.attachment_size,
	m.attachment_hash,
	m.timestamp,
	m.status,
	(SELECT json_group_array(d.user_id) FROM message_deletions d WHERE d.message_id = m.message_id)`

// AppendMessage appends a message to its conversation log and notifies listeners.
func (s *Store) AppendMessage(ctx context.Context, message models.Message) error {
	if err := message.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (conv_key, owner_id, car_id, buyer_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		message.Key.String(),
		message.Key.OwnerID,
		message.Key.CarID,
		message.Key.BuyerID,
		message.Timestamp,
	); err != nil {
		return fmt.Errorf("register conversation %q: %w", message.Key, err)
	}

	var att models.Attachment
	if message.Attachment != nil {
		att = *message.Attachment
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			conv_key,
			sender_id,
			receiver_id,
			text,
			attachment_url,
			attachment_type,
			attachment_name,
			attachment_content_type,
			attachment_size,
			attachment_hash,
			timestamp,
			status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.Key.String(),
		message.SenderID,
		message.ReceiverID,
		message.Text,
		nullString(stringPointer(att.URL)),
		nullString(stringPointer(string(att.Type))),
		nullString(stringPointer(att.Name)),
		nullString(stringPointer(att.ContentType)),
		nullAttachmentSize(message.Attachment),
		nullString(stringPointer(att.Hash)),
		message.Timestamp,
		string(message.Status),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("insert message %q: %w", message.ID, models.ErrDuplicate)
		}
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	for _, userID := range message.DeletedFor {
		if err := insertDeletion(ctx, tx, message.ID, userID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message %q: %w", message.ID, err)
	}

	s.listeners.publish(message.Key.String(), models.MessageEvent{Type: models.EventAdded, Message: message})
	return nil
}

// GetMessage fetches one message of a conversation.
func (s *Store) GetMessage(ctx context.Context, key models.ConversationKey, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	return getMessage(ctx, s.db, key, messageID)
}

// ListMessages returns the most recent messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, key models.ConversationKey, limit int) ([]models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT`+messageColumns+`
			FROM messages m
			WHERE m.conv_key = ?
			ORDER BY m.timestamp DESC, m.message_id DESC
			LIMIT ?
		) ORDER BY 12 ASC, 1 ASC`,
		key.String(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", key, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// UpdateMessageStatus moves a message to status if the transition is allowed.
//
// The read and the write share one immediate transaction, so concurrent
// acknowledgements cannot move a message backwards.
func (s *Store) UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid message status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := getMessage(ctx, tx, key, messageID)
	if err != nil {
		return nil, err
	}
	if err := models.CheckTransition(current.Status, status); err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE message_id = ?`,
		string(status),
		messageID,
	); err != nil {
		return nil, fmt.Errorf("update status for message %q: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update %q: %w", messageID, err)
	}

	current.Status = status
	s.listeners.publish(key.String(), models.MessageEvent{Type: models.EventChanged, Message: *current})
	return current, nil
}

// AddDeletedFor hides a message for one user without touching it for others.
func (s *Store) AddDeletedFor(ctx context.Context, key models.ConversationKey, messageID, userID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin soft delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := getMessage(ctx, tx, key, messageID)
	if err != nil {
		return nil, err
	}
	if !current.VisibleTo(userID) {
		return current, nil
	}
	if err := insertDeletion(ctx, tx, messageID, userID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit soft delete %q: %w", messageID, err)
	}

	updated := current.WithDeletedFor(userID)
	s.listeners.publish(key.String(), models.MessageEvent{Type: models.EventChanged, Message: updated, DeletedBy: userID})
	return &updated, nil
}

// ListConversations returns every conversation where userID is the owner or the buyer.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.ConversationKey, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	return s.queryConversations(ctx,
		`SELECT owner_id, car_id, buyer_id FROM conversations
		WHERE owner_id = ? OR buyer_id = ?
		ORDER BY created_at ASC, conv_key ASC`,
		userID, userID,
	)
}

// ListAllConversations returns every known conversation key.
func (s *Store) ListAllConversations(ctx context.Context) ([]models.ConversationKey, error) {
	return s.queryConversations(ctx,
		`SELECT owner_id, car_id, buyer_id FROM conversations ORDER BY created_at ASC, conv_key ASC`,
	)
}

// Watch registers a child listener for one conversation.
//
// fn receives events in order on a dedicated goroutine until ctx is cancelled
// or the returned stop function is called. No new callback starts after stop
// returns.
func (s *Store) Watch(ctx context.Context, key models.ConversationKey, fn func(models.MessageEvent)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("listener callback is required")
	}
	return s.listeners.subscribe(ctx, key.String(), fn), nil
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...any) ([]models.ConversationKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	keys := make([]models.ConversationKey, 0)
	for rows.Next() {
		var key models.ConversationKey
		if err := rows.Scan(&key.OwnerID, &key.CarID, &key.BuyerID); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return keys, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMessage(ctx context.Context, q queryer, key models.ConversationKey, messageID string) (*models.Message, error) {
	row := q.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages m
		WHERE m.message_id = ? AND m.conv_key = ?`,
		messageID,
		key.String(),
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

func insertDeletion(ctx context.Context, tx *sql.Tx, messageID, userID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_deletions (message_id, user_id, deleted_at) VALUES (?, ?, ?)`,
		messageID,
		userID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("soft delete message %q for %q: %w", messageID, userID, err)
	}
	return nil
}

func nullAttachmentSize(att *models.Attachment) sql.NullInt64 {
	if att == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: att.Size, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message        models.Message
		convKey        string
		status         string
		attURL         sql.NullString
		attType        sql.NullString
		attName        sql.NullString
		attContentType sql.NullString
		attSize        sql.NullInt64
		attHash        sql.NullString
		deletedFor     sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&convKey,
		&message.SenderID,
		&message.ReceiverID,
		&message.Text,
		&attURL,
		&attType,
		&attName,
		&attContentType,
		&attSize,
		&attHash,
		&message.Timestamp,
		&status,
		&deletedFor,
	); err != nil {
		return nil, err
	}

	key, err := models.ParseConversationKey(convKey)
	if err != nil {
		return nil, err
	}
	message.Key = key
	message.Status = models.MessageStatus(status)

	if attSize.Valid || attURL.Valid || attHash.Valid || attName.Valid {
		message.Attachment = &models.Attachment{
			URL:         attURL.String,
			Type:        models.AttachmentType(attType.String),
			Name:        attName.String,
			ContentType: attContentType.String,
			Size:        attSize.Int64,
			Hash:        attHash.String,
		}
	}

	if deletedFor.Valid && deletedFor.String != "" {
		var users []string
		if err := json.Unmarshal([]byte(deletedFor.String), &users); err != nil {
			return nil, fmt.Errorf("decode deletion set: %w", err)
		}
		if len(users) > 0 {
			slices.Sort(users)
			message.DeletedFor = users
		}
	}

	return &message, nil
}
