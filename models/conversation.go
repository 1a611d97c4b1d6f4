package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConversationKey is returned for keys with missing or malformed parts.
var ErrInvalidConversationKey = errors.New("invalid conversation key")

// ConversationKey scopes one chat thread: the car owner, the car, and the buyer asking about it.
type ConversationKey struct {
	OwnerID string `json:"owner_id"`
	CarID   string `json:"car_id"`
	BuyerID string `json:"buyer_id"`
}

// NewConversationKey builds and validates a key.
func NewConversationKey(ownerID, carID, buyerID string) (ConversationKey, error) {
	key := ConversationKey{OwnerID: ownerID, CarID: carID, BuyerID: buyerID}
	if err := key.Validate(); err != nil {
		return ConversationKey{}, err
	}
	return key, nil
}

// ParseConversationKey parses the owner/car/buyer path form produced by String.
func ParseConversationKey(raw string) (ConversationKey, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return ConversationKey{}, fmt.Errorf("%w: %q", ErrInvalidConversationKey, raw)
	}
	return NewConversationKey(parts[0], parts[1], parts[2])
}

// Validate checks that every part is present and path-safe.
func (k ConversationKey) Validate() error {
	parts := [...]struct{ name, value string }{
		{"owner_id", k.OwnerID},
		{"car_id", k.CarID},
		{"buyer_id", k.BuyerID},
	}
	for _, part := range parts {
		if strings.TrimSpace(part.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConversationKey, part.name)
		}
		if strings.Contains(part.value, "/") {
			return fmt.Errorf("%w: %s contains '/'", ErrInvalidConversationKey, part.name)
		}
	}
	if k.OwnerID == k.BuyerID {
		return fmt.Errorf("%w: owner cannot be the buyer", ErrInvalidConversationKey)
	}
	return nil
}

// String returns the owner/car/buyer path used by stores and routes.
func (k ConversationKey) String() string {
	return k.OwnerID + "/" + k.CarID + "/" + k.BuyerID
}

// IsParticipant reports whether userID is the owner or the buyer.
func (k ConversationKey) IsParticipant(userID string) bool {
	return userID != "" && (userID == k.OwnerID || userID == k.BuyerID)
}

// Peer returns the other participant, or "" when userID is not a participant.
func (k ConversationKey) Peer(userID string) string {
	switch userID {
	case k.OwnerID:
		return k.BuyerID
	case k.BuyerID:
		return k.OwnerID
	default:
		return ""
	}
}
