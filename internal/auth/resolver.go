package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolver maps a normalized provider profile onto a local user, creating the
// user or linking the provider account when needed.
type Resolver struct {
	repo                 Repository
	now                  func() time.Time
	allowUnverifiedMerge bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithUnverifiedEmailMerge lets profiles without a verified email attach to
// an existing user with the same address.
func WithUnverifiedEmailMerge(allow bool) ResolverOption {
	return func(r *Resolver) {
		r.allowUnverifiedMerge = allow
	}
}

// WithResolverClock overrides the time source.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(repo Repository, opts ...ResolverOption) *Resolver {
	r := &Resolver{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds or creates the user for profile. The lookup order is provider
// identity, then email, then creation.
func (r *Resolver) Resolve(ctx context.Context, profile NormalizedProfile) (*User, error) {
	profile = profile.Normalize()
	now := r.now().UTC()

	if !profile.HasProviderIdentity() {
		if profile.Email == "" {
			return nil, ErrInsufficientIdentifiers
		}
		return r.upsertByEmail(ctx, profile, now)
	}

	raw, err := profile.RawJSON()
	if err != nil {
		return nil, err
	}

	account, owner, err := r.repo.FindAccount(ctx, profile.Provider, profile.ProviderAccountID)
	if err != nil {
		return nil, storageError("find account", err)
	}
	if account != nil {
		user := *owner
		profile.update().apply(&user, now)
		if err := r.repo.RecordAccountLogin(ctx, user, account.ID, raw); err != nil {
			return nil, storageError("record login", err)
		}
		return &user, nil
	}

	newAccount := OAuthAccount{
		ID:                uuid.New(),
		Provider:          profile.Provider,
		ProviderAccountID: profile.ProviderAccountID,
		Type:              AccountTypeOAuth,
		RawProfile:        raw,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if profile.Email != "" {
		existing, err := r.repo.FindUserByEmail(ctx, profile.Email)
		if err != nil {
			return nil, storageError("find user by email", err)
		}
		if existing != nil {
			if !r.canMerge(profile, *existing) {
				return nil, ErrConflictingEmail
			}
			user := *existing
			profile.update().apply(&user, now)
			newAccount.UserID = user.ID
			if err := r.repo.LinkAccount(ctx, user, newAccount); err != nil {
				return nil, storageError("link account", err)
			}
			return &user, nil
		}
	}

	user := newUser(profile, now)
	newAccount.UserID = user.ID
	if err := r.repo.CreateUserWithAccount(ctx, user, newAccount); err != nil {
		return nil, storageError("create user", err)
	}
	return &user, nil
}

func (r *Resolver) upsertByEmail(ctx context.Context, profile NormalizedProfile, now time.Time) (*User, error) {
	existing, err := r.repo.FindUserByEmail(ctx, profile.Email)
	if err != nil {
		return nil, storageError("find user by email", err)
	}

	if existing == nil {
		user := newUser(profile, now)
		if err := r.repo.CreateUser(ctx, user); err != nil {
			return nil, storageError("create user", err)
		}
		return &user, nil
	}

	if !r.canMerge(profile, *existing) {
		return nil, ErrConflictingEmail
	}
	user := *existing
	profile.update().apply(&user, now)
	if err := r.repo.UpdateUser(ctx, user); err != nil {
		return nil, storageError("update user", err)
	}
	return &user, nil
}

// canMerge requires both sides of an email match to be verified. A user
// created from an unverified address must not absorb a verified identity.
func (r *Resolver) canMerge(profile NormalizedProfile, existing User) bool {
	if r.allowUnverifiedMerge {
		return true
	}
	return profile.EmailVerified && existing.EmailVerified
}

func newUser(profile NormalizedProfile, now time.Time) User {
	loginAt := now
	return User{
		ID:            uuid.New(),
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		DisplayName:   profile.Login,
		AvatarURL:     profile.AvatarURL,
		Role:          DefaultRole,
		LastLoginAt:   &loginAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// storageError keeps domain errors intact and hides everything else behind ErrInternal.
func storageError(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
