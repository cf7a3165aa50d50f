package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountKey struct {
	provider  Provider
	accountID string
}

// InMemoryRepository keeps identity state in process, ideal for local development or tests.
// It enforces the same uniqueness rules as the SQL schema.
type InMemoryRepository struct {
	mu        sync.Mutex
	users     map[uuid.UUID]User
	emails    map[string]uuid.UUID
	accounts  map[uuid.UUID]OAuthAccount
	accountBy map[accountKey]uuid.UUID
	sessions  map[uuid.UUID]Session
	hashes    map[string]uuid.UUID
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		users:     make(map[uuid.UUID]User),
		emails:    make(map[string]uuid.UUID),
		accounts:  make(map[uuid.UUID]OAuthAccount),
		accountBy: make(map[accountKey]uuid.UUID),
		sessions:  make(map[uuid.UUID]Session),
		hashes:    make(map[string]uuid.UUID),
	}
}

// FindAccount returns the account bound to the provider identity and its owner.
func (r *InMemoryRepository) FindAccount(_ context.Context, provider Provider, providerAccountID string) (*OAuthAccount, *User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.accountBy[accountKey{provider, providerAccountID}]
	if !ok {
		return nil, nil, nil
	}
	account := r.accounts[id]
	user := r.users[account.UserID]
	return &account, &user, nil
}

// FindUserByEmail looks up a user by exact email.
func (r *InMemoryRepository) FindUserByEmail(_ context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.emails[email]
	if !ok {
		return nil, nil
	}
	user := r.users[id]
	return &user, nil
}

// FindUserByID looks up a user by ID.
func (r *InMemoryRepository) FindUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// CreateUser stores a user without any linked account.
func (r *InMemoryRepository) CreateUser(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkEmail(user); err != nil {
		return err
	}
	r.putUser(user)
	return nil
}

// CreateUserWithAccount stores a user and its first account as one unit.
func (r *InMemoryRepository) CreateUserWithAccount(_ context.Context, user User, account OAuthAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkEmail(user); err != nil {
		return err
	}
	if err := r.checkAccount(account); err != nil {
		return err
	}
	r.putUser(user)
	r.putAccount(account)
	return nil
}

// LinkAccount attaches a new account to an existing user and saves the user's profile.
func (r *InMemoryRepository) LinkAccount(_ context.Context, user User, account OAuthAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return ErrNotFound
	}
	if err := r.checkAccount(account); err != nil {
		return err
	}
	if err := r.checkEmail(user); err != nil {
		return err
	}
	r.putUser(user)
	r.putAccount(account)
	return nil
}

// RecordAccountLogin saves the refreshed user and the account's profile snapshot.
func (r *InMemoryRepository) RecordAccountLogin(_ context.Context, user User, accountID uuid.UUID, rawProfile json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := r.users[user.ID]; !ok {
		return ErrNotFound
	}
	if err := r.checkEmail(user); err != nil {
		return err
	}
	account.RawProfile = append(json.RawMessage(nil), rawProfile...)
	account.UpdatedAt = user.UpdatedAt
	r.accounts[accountID] = account
	r.putUser(user)
	return nil
}

// UpdateUser saves the mutable profile columns of an existing user.
func (r *InMemoryRepository) UpdateUser(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return ErrNotFound
	}
	if err := r.checkEmail(user); err != nil {
		return err
	}
	r.putUser(user)
	return nil
}

// FirstAccountProvider returns the provider of the user's earliest linked
// account, or "" when the user has none.
func (r *InMemoryRepository) FirstAccountProvider(_ context.Context, userID uuid.UUID) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		first OAuthAccount
		found bool
	)
	for _, account := range r.accounts {
		if account.UserID != userID {
			continue
		}
		if !found || account.CreatedAt.Before(first.CreatedAt) {
			first, found = account, true
		}
	}
	if !found {
		return "", nil
	}
	return first.Provider, nil
}

// CreateSession stores a new session.
func (r *InMemoryRepository) CreateSession(_ context.Context, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hashes[session.TokenHash]; exists {
		return errDuplicateTokenHash
	}
	r.sessions[session.ID] = session
	r.hashes[session.TokenHash] = session.ID
	return nil
}

// FindActiveSession returns the unrevoked, unexpired session with the given hash and its owner.
func (r *InMemoryRepository) FindActiveSession(_ context.Context, tokenHash string, now time.Time) (*Session, *User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.hashes[tokenHash]
	if !ok {
		return nil, nil, nil
	}
	session := r.sessions[id]
	if !session.Usable(now) {
		return nil, nil, nil
	}
	user, ok := r.users[session.UserID]
	if !ok {
		return nil, nil, nil
	}
	return &session, &user, nil
}

// RotateSession revokes the current session and stores its successor as one unit.
func (r *InMemoryRepository) RotateSession(_ context.Context, currentID uuid.UUID, next Session, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[currentID]
	if !ok || !current.Usable(now) {
		return ErrInvalidRefreshToken
	}
	if _, exists := r.hashes[next.TokenHash]; exists {
		return errDuplicateTokenHash
	}
	current.Revoked = true
	r.sessions[currentID] = current
	r.sessions[next.ID] = next
	r.hashes[next.TokenHash] = next.ID
	return nil
}

// RevokeSession marks a session revoked. Unknown IDs are ignored.
func (r *InMemoryRepository) RevokeSession(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[id]; ok {
		session.Revoked = true
		r.sessions[id] = session
	}
	return nil
}

// RevokeSessionByTokenHash marks the session with the given hash revoked.
func (r *InMemoryRepository) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error {
	r.mu.Lock()
	id, ok := r.hashes[tokenHash]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.RevokeSession(ctx, id)
}

// Counts reports how many users, accounts and sessions are stored.
func (r *InMemoryRepository) Counts() (users, accounts, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), len(r.accounts), len(r.sessions)
}

func (r *InMemoryRepository) checkEmail(user User) error {
	if user.Email == "" {
		return nil
	}
	if owner, ok := r.emails[user.Email]; ok && owner != user.ID {
		return ErrConflictingEmail
	}
	return nil
}

func (r *InMemoryRepository) checkAccount(account OAuthAccount) error {
	if _, ok := r.accountBy[accountKey{account.Provider, account.ProviderAccountID}]; ok {
		return ErrAccountAlreadyLinked
	}
	return nil
}

func (r *InMemoryRepository) putUser(user User) {
	if previous, ok := r.users[user.ID]; ok && previous.Email != "" && previous.Email != user.Email {
		delete(r.emails, previous.Email)
	}
	r.users[user.ID] = user
	if user.Email != "" {
		r.emails[user.Email] = user.ID
	}
}

func (r *InMemoryRepository) putAccount(account OAuthAccount) {
	r.accounts[account.ID] = account
	r.accountBy[accountKey{account.Provider, account.ProviderAccountID}] = account.ID
}
