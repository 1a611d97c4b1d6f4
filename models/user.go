package models

// Role is a marketplace account role.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is an account known to the identity provider.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Role         Role   `json:"role"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

// Notification is the aggregated unread-messages alert raised by the sweep.
type Notification struct {
	UserID            string `json:"user_id"`
	Title             string `json:"title"`
	Body              string `json:"body"`
	UnreadCount       int    `json:"unread_count"`
	ConversationCount int    `json:"conversation_count"`
}
