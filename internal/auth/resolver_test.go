package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestResolverCreatesUserAndAccount(t *testing.T) {
	repo := NewInMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := NewResolver(repo, WithResolverClock(fixedClock(now)))

	user, err := resolver.Resolve(context.Background(), githubProfile(42, "octo@example.com"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if user.Role != DefaultRole || !user.EmailVerified || user.DisplayName != "octocat" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.LastLoginAt == nil || !user.LastLoginAt.Equal(now) {
		t.Fatalf("expected last login %v, got %v", now, user.LastLoginAt)
	}

	account, owner, err := repo.FindAccount(context.Background(), ProviderGitHub, "42")
	if err != nil {
		t.Fatalf("FindAccount returned error: %v", err)
	}
	if account == nil || owner.ID != user.ID {
		t.Fatalf("expected account linked to %s, got %+v", user.ID, account)
	}
	var raw GitHubProfile
	if err := json.Unmarshal(account.RawProfile, &raw); err != nil {
		t.Fatalf("decode raw profile: %v", err)
	}
	if raw.ID != 42 {
		t.Fatalf("expected raw snapshot id 42, got %d", raw.ID)
	}
}

func TestResolverReturnsExistingAccountOwner(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	first, err := resolver.Resolve(context.Background(), githubProfile(42, "octo@example.com"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	later := time.Now().Add(time.Hour).UTC()
	resolver = NewResolver(repo, WithResolverClock(fixedClock(later)))
	profile := githubProfile(42, "")
	profile.Login = "octocat-renamed"
	profile.AvatarURL = ""

	second, err := resolver.Resolve(context.Background(), profile)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user %s, got %s", first.ID, second.ID)
	}
	if second.Email != "octo@example.com" {
		t.Fatalf("expected email to be kept, got %q", second.Email)
	}
	if second.AvatarURL != first.AvatarURL {
		t.Fatalf("expected avatar to be kept, got %q", second.AvatarURL)
	}
	if second.DisplayName != "octocat-renamed" {
		t.Fatalf("expected display name refresh, got %q", second.DisplayName)
	}
	if second.LastLoginAt == nil || !second.LastLoginAt.Equal(later) {
		t.Fatalf("expected last login bump, got %v", second.LastLoginAt)
	}
	if users, accounts, _ := repo.Counts(); users != 1 || accounts != 1 {
		t.Fatalf("expected one user and account, got %d/%d", users, accounts)
	}
}

func TestResolverLinksVerifiedEmail(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	github, err := resolver.Resolve(context.Background(), githubProfile(42, "octo@example.com"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	google := NormalizedProfile{
		Provider:          ProviderGoogle,
		ProviderAccountID: "google-sub",
		Login:             "Octo Cat",
		Email:             "OCTO@example.com",
		EmailVerified:     true,
		Raw:               GoogleProfile{Subject: "google-sub", Email: "octo@example.com", EmailVerified: true},
	}
	linked, err := resolver.Resolve(context.Background(), google)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if linked.ID != github.ID {
		t.Fatalf("expected google login to link to %s, got %s", github.ID, linked.ID)
	}
	if _, accounts, _ := repo.Counts(); accounts != 2 {
		t.Fatalf("expected two accounts, got %d", accounts)
	}
}

func TestResolverRejectsUnverifiedEmailMerge(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	if _, err := resolver.Resolve(context.Background(), githubProfile(42, "octo@example.com")); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	unverified := githubProfile(99, "octo@example.com")
	unverified.EmailVerified = false
	_, err := resolver.Resolve(context.Background(), unverified)
	if !errors.Is(err, ErrConflictingEmail) {
		t.Fatalf("expected ErrConflictingEmail, got %v", err)
	}
	if users, accounts, _ := repo.Counts(); users != 1 || accounts != 1 {
		t.Fatalf("expected nothing new stored, got %d/%d", users, accounts)
	}

	permissive := NewResolver(repo, WithUnverifiedEmailMerge(true))
	if _, err := permissive.Resolve(context.Background(), unverified); err != nil {
		t.Fatalf("expected merge to be allowed, got %v", err)
	}
}

func TestResolverDoesNotLinkVerifiedLoginToUnverifiedUser(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	unverified := githubProfile(666, "victim@example.com")
	unverified.EmailVerified = false
	squatter, err := resolver.Resolve(context.Background(), unverified)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if squatter.EmailVerified {
		t.Fatalf("expected unverified user, got %+v", squatter)
	}

	google := NormalizedProfile{
		Provider:          ProviderGoogle,
		ProviderAccountID: "g-victim",
		Login:             "Victim",
		Email:             "victim@example.com",
		EmailVerified:     true,
		Raw:               GoogleProfile{Subject: "g-victim", Email: "victim@example.com", EmailVerified: true},
	}
	_, err = resolver.Resolve(context.Background(), google)
	if !errors.Is(err, ErrConflictingEmail) {
		t.Fatalf("expected ErrConflictingEmail, got %v", err)
	}
	account, _, err := repo.FindAccount(context.Background(), ProviderGoogle, "g-victim")
	if err != nil {
		t.Fatalf("FindAccount returned error: %v", err)
	}
	if account != nil {
		t.Fatalf("expected google identity to stay unlinked, got %+v", account)
	}

	emailOnly := NormalizedProfile{Provider: ProviderGoogle, Email: "victim@example.com", EmailVerified: true, Login: "Victim"}
	if _, err := resolver.Resolve(context.Background(), emailOnly); !errors.Is(err, ErrConflictingEmail) {
		t.Fatalf("expected ErrConflictingEmail on upsert, got %v", err)
	}
}

func TestResolverUpsertsByEmailWithoutProviderIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	profile := NormalizedProfile{Provider: ProviderGoogle, Email: "solo@example.com", EmailVerified: true, Login: "Solo"}
	created, err := resolver.Resolve(context.Background(), profile)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	profile.Login = "Solo Again"
	updated, err := resolver.Resolve(context.Background(), profile)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if updated.ID != created.ID || updated.DisplayName != "Solo Again" {
		t.Fatalf("expected upsert of %s, got %+v", created.ID, updated)
	}
	if users, accounts, _ := repo.Counts(); users != 1 || accounts != 0 {
		t.Fatalf("expected one user and no account, got %d/%d", users, accounts)
	}
}

func TestResolverInsufficientIdentifiers(t *testing.T) {
	repo := NewInMemoryRepository()
	resolver := NewResolver(repo)

	_, err := resolver.Resolve(context.Background(), NormalizedProfile{Provider: ProviderGitHub, Login: "ghost"})
	if !errors.Is(err, ErrInsufficientIdentifiers) {
		t.Fatalf("expected ErrInsufficientIdentifiers, got %v", err)
	}
	if users, _, _ := repo.Counts(); users != 0 {
		t.Fatalf("expected no user, got %d", users)
	}
}

func TestResolverKeepsConstraintErrors(t *testing.T) {
	repo := &repoStub{
		createUserWithAccount: func(ctx context.Context, user User, account OAuthAccount) error {
			return ErrAccountAlreadyLinked
		},
	}
	resolver := NewResolver(repo)

	_, err := resolver.Resolve(context.Background(), githubProfile(42, ""))
	if !errors.Is(err, ErrAccountAlreadyLinked) {
		t.Fatalf("expected ErrAccountAlreadyLinked, got %v", err)
	}
	if errors.Is(err, ErrInternal) {
		t.Fatalf("expected domain error not to be wrapped as internal: %v", err)
	}
}

func TestResolverWrapsStorageErrors(t *testing.T) {
	repo := &repoStub{
		findUserByEmail: func(ctx context.Context, email string) (*User, error) {
			return nil, errors.New("disk full")
		},
	}
	resolver := NewResolver(repo)

	_, err := resolver.Resolve(context.Background(), githubProfile(42, "octo@example.com"))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestResolverPassesAccountIDToRecordLogin(t *testing.T) {
	accountID := uuid.New()
	owner := &User{ID: uuid.New(), Email: "octo@example.com", EmailVerified: true}
	var recorded uuid.UUID
	repo := &repoStub{
		findAccount: func(ctx context.Context, provider Provider, providerAccountID string) (*OAuthAccount, *User, error) {
			return &OAuthAccount{ID: accountID, UserID: owner.ID, Provider: provider, ProviderAccountID: providerAccountID}, owner, nil
		},
		recordAccountLogin: func(ctx context.Context, user User, id uuid.UUID, raw json.RawMessage) error {
			recorded = id
			return nil
		},
	}

	user, err := NewResolver(repo).Resolve(context.Background(), githubProfile(42, "octo@example.com"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if recorded != accountID || user.ID != owner.ID {
		t.Fatalf("expected login on account %s for %s, got %s for %s", accountID, owner.ID, recorded, user.ID)
	}
}
