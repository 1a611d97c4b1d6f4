// Package notify delivers aggregated unread-message notifications.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"carchat/models"
)

// Notifier delivers one notification to one user.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// LogNotifier writes notifications to the log. It is the fallback when no
// push backend is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs n.
func (l *LogNotifier) Notify(_ context.Context, n models.Notification) error {
	l.log.Info().
		Str("user_id", n.UserID).
		Str("title", n.Title).
		Str("body", n.Body).
		Int("unread", n.UnreadCount).
		Int("conversations", n.ConversationCount).
		Msg("notification")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify calls every notifier, even after a failure.
func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
