// Package redisstore keeps conversations and moderation records in Redis and
// fans message events out over Redis pub/sub, so several API instances can
// share one conversation tree.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carchat/dispatch"
	"carchat/models"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "carchat"

	defaultMessageLimit = 500
	maxTxRetries        = 16
)

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements the conversation and moderation store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return New(client, opts.Prefix, log), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, log zerolog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, log: log}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) messagesKey(key models.ConversationKey) string {
	return s.prefix + ":conv:" + key.String() + ":msgs"
}

func (s *Store) orderKey(key models.ConversationKey) string {
	return s.prefix + ":conv:" + key.String() + ":order"
}

func (s *Store) userConversationsKey(userID string) string {
	return s.prefix + ":user:" + userID + ":convs"
}

func (s *Store) allConversationsKey() string {
	return s.prefix + ":convs"
}

func (s *Store) eventsChannel(key models.ConversationKey) string {
	return s.prefix + ":events:" + key.String()
}

// AppendMessage appends a message to its conversation log and publishes an added event.
func (s *Store) AppendMessage(ctx context.Context, message models.Message) error {
	if err := message.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", message.ID, err)
	}

	hashKey := s.messagesKey(message.Key)
	convKey := message.Key.String()

	// The log entry and its indexes commit in one MULTI; WATCH turns a racing
	// insert of the same id into a retry that then sees the duplicate.
	txf := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, hashKey, message.ID).Result()
		if err != nil {
			return err
		}
		if exists {
			return models.ErrDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, message.ID, raw)
			pipe.ZAdd(ctx, s.orderKey(message.Key), redis.Z{Score: float64(message.Timestamp), Member: message.ID})
			pipe.SAdd(ctx, s.userConversationsKey(message.Key.OwnerID), convKey)
			pipe.SAdd(ctx, s.userConversationsKey(message.Key.BuyerID), convKey)
			pipe.SAdd(ctx, s.allConversationsKey(), convKey)
			return nil
		})
		return err
	}

	committed := false
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, hashKey)
		if err == nil {
			committed = true
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	if !committed {
		return fmt.Errorf("insert message %q: too much contention", message.ID)
	}

	s.publish(ctx, models.MessageEvent{Type: models.EventAdded, Message: message})
	return nil
}

// GetMessage fetches one message of a conversation.
func (s *Store) GetMessage(ctx context.Context, key models.ConversationKey, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	return s.getMessage(ctx, s.client, key, messageID)
}

// ListMessages returns the most recent messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, key models.ConversationKey, limit int) ([]models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	ids, err := s.client.ZRevRange(ctx, s.orderKey(key), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", key, err)
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	slices.Reverse(ids)

	values, err := s.client.HMGet(ctx, s.messagesKey(key), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages for %q: %w", key, err)
	}

	messages := make([]models.Message, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			s.log.Warn().Str("conversation", key.String()).Str("message_id", ids[i]).Msg("indexed message missing from log")
			continue
		}
		message, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, nil
}

// UpdateMessageStatus moves a message to status if the transition is allowed.
//
// The read-check-write runs under WATCH so a concurrent update aborts and retries.
func (s *Store) UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid message status %q", status)
	}

	var changed bool
	updated, err := s.mutateMessage(ctx, key, messageID, func(current models.Message) (models.Message, bool, error) {
		if err := models.CheckTransition(current.Status, status); err != nil {
			return current, false, err
		}
		if current.Status == status {
			return current, false, nil
		}
		current.Status = status
		changed = true
		return current, true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, models.MessageEvent{Type: models.EventChanged, Message: *updated})
	}
	return updated, nil
}

// AddDeletedFor hides a message for one user without touching it for others.
func (s *Store) AddDeletedFor(ctx context.Context, key models.ConversationKey, messageID, userID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	var changed bool
	updated, err := s.mutateMessage(ctx, key, messageID, func(current models.Message) (models.Message, bool, error) {
		if !current.VisibleTo(userID) {
			return current, false, nil
		}
		changed = true
		return current.WithDeletedFor(userID), true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, models.MessageEvent{Type: models.EventChanged, Message: *updated, DeletedBy: userID})
	}
	return updated, nil
}

// ListConversations returns every conversation where userID is the owner or the buyer.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.ConversationKey, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	return s.conversationSet(ctx, s.userConversationsKey(userID))
}

// ListAllConversations returns every known conversation key.
func (s *Store) ListAllConversations(ctx context.Context) ([]models.ConversationKey, error) {
	return s.conversationSet(ctx, s.allConversationsKey())
}

// Watch subscribes to the conversation's event channel.
//
// Watch returns once the subscription is confirmed, so no event published
// afterwards is missed. fn runs on a dedicated goroutine until ctx is
// cancelled or stop is called; no new callback starts after stop returns.
func (s *Store) Watch(ctx context.Context, key models.ConversationKey, fn func(models.MessageEvent)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("listener callback is required")
	}

	pubsub := s.client.Subscribe(ctx, s.eventsChannel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", key, err)
	}

	var (
		gate dispatch.Gate
		once sync.Once
	)
	stop := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
		gate.Close()
	}

	ch := pubsub.Channel()
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.MessageEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop undecodable message event")
					continue
				}
				if !gate.Enter() {
					return
				}
				fn(event)
				gate.Leave()
			}
		}
	}()

	return stop, nil
}

func (s *Store) publish(ctx context.Context, event models.MessageEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", event.Message.ID).Msg("encode message event")
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(event.Message.Key), raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("message_id", event.Message.ID).Msg("publish message event")
	}
}

type messageMutation func(current models.Message) (models.Message, bool, error)

func (s *Store) mutateMessage(ctx context.Context, key models.ConversationKey, messageID string, mutate messageMutation) (*models.Message, error) {
	hashKey := s.messagesKey(key)

	var result *models.Message
	txf := func(tx *redis.Tx) error {
		current, err := s.getMessage(ctx, tx, key, messageID)
		if err != nil {
			return err
		}
		next, write, err := mutate(*current)
		if err != nil {
			return err
		}
		if !write {
			result = &next
			return nil
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode message %q: %w", messageID, err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, messageID, raw)
			return nil
		}); err != nil {
			return err
		}
		result = &next
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, hashKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update message %q: too much contention", messageID)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *Store) getMessage(ctx context.Context, c hashGetter, key models.ConversationKey, messageID string) (*models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw, err := c.HGet(ctx, s.messagesKey(key), messageID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return decodeMessage(raw)
}

func (s *Store) conversationSet(ctx context.Context, setKey string) ([]models.ConversationKey, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	slices.Sort(members)

	keys := make([]models.ConversationKey, 0, len(members))
	for _, member := range members {
		key, err := models.ParseConversationKey(member)
		if err != nil {
			s.log.Warn().Err(err).Str("member", member).Msg("skip malformed conversation key")
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func decodeMessage(raw string) (*models.Message, error) {
	var message models.Message
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &message, nil
}
