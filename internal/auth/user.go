package auth

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultRole is assigned to every user created through an OAuth login.
const DefaultRole = "user"

// User represents one human in the system.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email,omitempty"`
	EmailVerified bool       `json:"emailVerified"`
	DisplayName   string     `json:"displayName"`
	AvatarURL     string     `json:"avatarUrl"`
	Role          string     `json:"role"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// OAuthAccount binds one external identity to a User.
type OAuthAccount struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"userId"`
	Provider          Provider        `json:"provider"`
	ProviderAccountID string          `json:"providerAccountId"`
	Type              string          `json:"type"`
	RawProfile        json.RawMessage `json:"-"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Session represents one refresh-token grant. Only the hash of the secret is kept.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// Usable reports whether the session can still be exchanged for a new access token.
func (s Session) Usable(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// ProfileUpdate carries the user attributes refreshed on login. Empty values are ignored.
type ProfileUpdate struct {
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

// apply copies the non-empty fields of the update onto the user.
func (p ProfileUpdate) apply(u *User, now time.Time) {
	if p.Email != "" {
		if p.Email != u.Email {
			u.EmailVerified = p.EmailVerified
		} else if p.EmailVerified {
			u.EmailVerified = true
		}
		u.Email = p.Email
	}
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
	if p.AvatarURL != "" {
		u.AvatarURL = p.AvatarURL
	}
	loginAt := now
	u.LastLoginAt = &loginAt
	u.UpdatedAt = now
}

// ClientInfo captures request metadata recorded alongside a session.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}
