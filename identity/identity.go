// Package identity owns accounts, password checks and bearer sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"carchat/models"
	"carchat/storage"
)

// DefaultSessionTTL is how long a login stays valid.
const DefaultSessionTTL = 30 * 24 * time.Hour

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidEmail       = errors.New("invalid email address")
)

// Provider resolves a bearer token to the calling user.
type Provider interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

// Store persists accounts and sessions.
type Store interface {
	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateSession(ctx context.Context, session storage.Session) error
	GetSession(ctx context.Context, token string) (*storage.Session, error)
	DeleteSession(ctx context.Context, token string) error
	PruneExpiredSessions(ctx context.Context, cutoffTimestamp int64) (int64, error)
}

// Service implements Provider on top of a Store.
type Service struct {
	store    Store
	ttl      time.Duration
	log      zerolog.Logger
	validate *validator.Validate

	now func() time.Time
}

// NewService creates a Service. ttl <= 0 uses DefaultSessionTTL.
func NewService(store Store, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		store:    store,
		ttl:      ttl,
		log:      log,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, email, password, displayName string, role models.Role) (*models.User, error) {
	email = normalizeEmail(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	if role == "" {
		role = models.RoleBuyer
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UnixMilli(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	s.log.Info().Str("user_id", user.ID).Str("role", string(role)).Msg("account registered")
	return &user, nil
}

// Login checks credentials and opens a session.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token := uuid.NewString()
	if err := s.store.CreateSession(ctx, storage.Session{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: s.now().Add(s.ttl).UnixMilli(),
	}); err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Resolve returns the user owning a live session.
func (s *Service) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if session.ExpiresAt <= s.now().UnixMilli() {
		if err := s.store.DeleteSession(ctx, token); err != nil {
			s.log.Warn().Err(err).Msg("delete expired session")
		}
		return nil, ErrUnauthorized
	}

	user, err := s.store.GetUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}

// Logout ends a session.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// PruneExpired deletes sessions that have already expired.
func (s *Service) PruneExpired(ctx context.Context) (int64, error) {
	return s.store.PruneExpiredSessions(ctx, s.now().UnixMilli())
}

// Static authenticates every request as one fixed user. It backs the
// single-identity device mode where the process acts for its owner.
type Static struct {
	User models.User
}

// NewStatic returns a Static provider for userID.
func NewStatic(userID string, role models.Role) *Static {
	return &Static{User: models.User{ID: userID, Role: role}}
}

// Resolve ignores the token.
func (s *Static) Resolve(context.Context, string) (*models.User, error) {
	user := s.User
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
