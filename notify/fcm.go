package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"carchat/models"
)

// TokenSource resolves and prunes the push tokens registered for a user.
type TokenSource interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	RemoveDeviceToken(ctx context.Context, token string) error
}

// Sender is the subset of the Firebase messaging client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes notifications through Firebase Cloud Messaging.
type FCMNotifier struct {
	sender Sender
	tokens TokenSource
	log    zerolog.Logger

	isUnregistered func(error) bool
}

// NewFCM initialises a Firebase app from a service-account credentials file.
func NewFCM(ctx context.Context, credentialsFile string, tokens TokenSource, log zerolog.Logger) (*FCMNotifier, error) {
	if credentialsFile == "" {
		return nil, errors.New("firebase credentials file is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase messaging: %w", err)
	}
	return NewFCMWithSender(client, tokens, log), nil
}

// NewFCMWithSender wraps an existing sender.
func NewFCMWithSender(sender Sender, tokens TokenSource, log zerolog.Logger) *FCMNotifier {
	return &FCMNotifier{
		sender:         sender,
		tokens:         tokens,
		log:            log,
		isUnregistered: messaging.IsRegistrationTokenNotRegistered,
	}
}

// Notify sends n to every device of the user. Tokens Firebase reports as
// unregistered are removed. The call fails only when no device accepted it.
func (f *FCMNotifier) Notify(ctx context.Context, n models.Notification) error {
	tokens, err := f.tokens.DeviceTokens(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		f.log.Debug().Str("user_id", n.UserID).Msg("no device tokens, skipping push")
		return nil
	}

	var (
		delivered int
		errs      []error
	)
	for _, token := range tokens {
		_, err := f.sender.Send(ctx, &messaging.Message{
			Token: token,
			Notification: &messaging.Notification{
				Title: n.Title,
				Body:  n.Body,
			},
			Data: map[string]string{
				"type":               "unread_messages",
				"unread_count":       strconv.Itoa(n.UnreadCount),
				"conversation_count": strconv.Itoa(n.ConversationCount),
			},
		})
		if err == nil {
			delivered++
			continue
		}
		if f.isUnregistered(err) {
			f.log.Info().Str("user_id", n.UserID).Msg("dropping unregistered device token")
			if rmErr := f.tokens.RemoveDeviceToken(ctx, token); rmErr != nil {
				f.log.Warn().Err(rmErr).Msg("remove device token")
			}
			continue
		}
		errs = append(errs, err)
	}

	if delivered == 0 && len(errs) > 0 {
		return fmt.Errorf("push notification: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		f.log.Warn().Err(err).Str("user_id", n.UserID).Msg("push to one device failed")
	}
	return nil
}
