// Package sweep periodically looks for unread messages and raises one
// aggregated notification per user.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carchat/models"
)

// DefaultInterval is how often Run scans.
const DefaultInterval = 15 * time.Minute

const scanLimit = 10000

// Source reads conversations and their messages.
type Source interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationKey, error)
	ListMessages(ctx context.Context, key models.ConversationKey, limit int) ([]models.Message, error)
}

// Users enumerates accounts for multi-user sweeps.
type Users interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Notifier delivers an aggregated notification.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Options configures a Sweeper. Set UserID for a single identity, or Users
// to sweep every account.
type Options struct {
	UserID   string
	Users    Users
	Interval time.Duration
}

// Result summarises one user's scan.
type Result struct {
	UserID        string
	Unread        int
	Conversations int
	Notified      bool
	Skipped       int
}

// Sweeper runs the unread scan on a ticker.
type Sweeper struct {
	source   Source
	notifier Notifier
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	notified map[string]string
}

// New creates a Sweeper.
func New(source Source, notifier Notifier, opts Options, log zerolog.Logger) (*Sweeper, error) {
	if source == nil || notifier == nil {
		return nil, errors.New("source and notifier are required")
	}
	if opts.UserID == "" && opts.Users == nil {
		return nil, errors.New("a user id or a user source is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Sweeper{
		source:   source,
		notifier: notifier,
		opts:     opts,
		log:      log,
		notified: make(map[string]string),
	}, nil
}

// Run scans immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.opts.Users != nil {
		if _, err := s.ScanAll(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep all users")
		}
		return
	}
	if _, err := s.Scan(ctx, s.opts.UserID); err != nil {
		s.log.Error().Err(err).Str("user_id", s.opts.UserID).Msg("sweep user")
	}
}

// ScanAll scans every account and joins per-user errors.
func (s *Sweeper) ScanAll(ctx context.Context) ([]Result, error) {
	if s.opts.Users == nil {
		return nil, errors.New("no user source configured")
	}
	ids, err := s.opts.Users.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	results := make([]Result, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.Scan(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", id, err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// Scan counts userID's unread messages across all conversations and sends one
// notification when the unread set is non-empty and differs from the last
// one notified. A conversation that cannot be read is skipped.
func (s *Sweeper) Scan(ctx context.Context, userID string) (Result, error) {
	result := Result{UserID: userID}

	keys, err := s.source.ListConversations(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("list conversations: %w", err)
	}

	var unreadIDs []string
	for _, key := range keys {
		messages, err := s.source.ListMessages(ctx, key, scanLimit)
		if err != nil {
			result.Skipped++
			s.log.Warn().Err(err).Str("conversation", key.String()).Msg("skip unreadable conversation")
			continue
		}

		found := false
		for _, message := range messages {
			if message.IsUnreadFor(userID) {
				unreadIDs = append(unreadIDs, message.ID)
				found = true
			}
		}
		if found {
			result.Conversations++
		}
	}
	result.Unread = len(unreadIDs)

	if result.Unread == 0 {
		s.forget(userID)
		return result, nil
	}

	slices.Sort(unreadIDs)
	signature := strings.Join(unreadIDs, ",")
	if s.alreadyNotified(userID, signature) {
		return result, nil
	}

	if err := s.notifier.Notify(ctx, buildNotification(userID, result.Unread, result.Conversations)); err != nil {
		return result, fmt.Errorf("notify: %w", err)
	}
	s.remember(userID, signature)
	result.Notified = true

	s.log.Info().
		Str("user_id", userID).
		Int("unread", result.Unread).
		Int("conversations", result.Conversations).
		Msg("unread notification sent")
	return result, nil
}

func (s *Sweeper) alreadyNotified(userID, signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified[userID] == signature
}

func (s *Sweeper) remember(userID, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[userID] = signature
}

func (s *Sweeper) forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notified, userID)
}

func buildNotification(userID string, unread, conversations int) models.Notification {
	body := fmt.Sprintf("You have %d unread %s", unread, plural(unread, "message", "messages"))
	if conversations > 1 {
		body += fmt.Sprintf(" in %d conversations", conversations)
	}
	return models.Notification{
		UserID:            userID,
		Title:             "New messages",
		Body:              body,
		UnreadCount:       unread,
		ConversationCount: conversations,
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
