package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"carchat/models"
)

// CreateUser inserts a new account. A taken email yields models.ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return errors.New("user_id is required")
	}
	if user.Email == "" {
		return errors.New("email is required")
	}
	if user.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if user.Role == "" {
		user.Role = models.RoleBuyer
	}
	if !user.Role.Valid() {
		return fmt.Errorf("invalid role %q", user.Role)
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, display_name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.DisplayName,
		string(user.Role),
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("insert user %q: %w", user.Email, models.ErrDuplicate)
		}
		return fmt.Errorf("insert user %q: %w", user.Email, err)
	}
	return nil
}

// GetUser fetches an account by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.getUserWhere(ctx, "user_id = ?", userID)
}

// GetUserByEmail fetches an account by its normalised email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

// ListUserIDs returns every account ID.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY created_at ASC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return ids, nil
}

// CreateSession stores a bearer token for a user.
func (s *Store) CreateSession(ctx context.Context, session Session) error {
	if session.Token == "" || session.UserID == "" {
		return errors.New("token and user_id are required")
	}
	if session.ExpiresAt <= 0 {
		return errors.New("expires_at must be > 0")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		session.Token, session.UserID, session.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert session for %q: %w", session.UserID, err)
	}
	return nil
}

// GetSession fetches a session by token, expired or not.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at FROM sessions WHERE token = ?`,
		token,
	).Scan(&session.Token, &session.UserID, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes one session.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneExpiredSessions removes sessions that expired before cutoffTimestamp.
func (s *Store) PruneExpiredSessions(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session prune: %w", err)
	}
	return rowsAffected, nil
}

// SaveDeviceToken binds a push token to a user, moving it if another user held it.
func (s *Store) SaveDeviceToken(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("user_id and token are required")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token, user_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at`,
		token, userID, nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("save device token for %q: %w", userID, err)
	}
	return nil
}

// DeviceTokens returns the push tokens registered for a user.
func (s *Store) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM device_tokens WHERE user_id = ? ORDER BY updated_at DESC, token`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list device tokens for %q: %w", userID, err)
	}
	defer rows.Close()

	tokens := make([]string, 0)
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan device token row: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device token rows: %w", err)
	}
	return tokens, nil
}

// RemoveDeviceToken forgets a push token.
func (s *Store) RemoveDeviceToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("remove device token: %w", err)
	}
	return nil
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg string) (*models.User, error) {
	var (
		user models.User
		role string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, display_name, role, password_hash, created_at FROM users WHERE `+where,
		arg,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &role, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.Role = models.Role(role)
	return &user, nil
}
