package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for users, linked accounts and sessions.
//
// Lookups return (nil, nil) when nothing matches. Writes that collide with the
// unique constraints on (provider, provider_account_id) or email return
// ErrAccountAlreadyLinked or ErrConflictingEmail respectively.
type Repository interface {
	// Identity operations
	FindAccount(ctx context.Context, provider Provider, providerAccountID string) (*OAuthAccount, *User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, user User) error
	CreateUserWithAccount(ctx context.Context, user User, account OAuthAccount) error
	LinkAccount(ctx context.Context, user User, account OAuthAccount) error
	RecordAccountLogin(ctx context.Context, user User, accountID uuid.UUID, rawProfile json.RawMessage) error
	UpdateUser(ctx context.Context, user User) error
	FirstAccountProvider(ctx context.Context, userID uuid.UUID) (Provider, error)

	// Session operations
	CreateSession(ctx context.Context, session Session) error
	FindActiveSession(ctx context.Context, tokenHash string, now time.Time) (*Session, *User, error)
	RotateSession(ctx context.Context, currentID uuid.UUID, next Session, now time.Time) error
	RevokeSession(ctx context.Context, id uuid.UUID) error
	RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error
}
