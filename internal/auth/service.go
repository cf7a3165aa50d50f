package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "panopticon/internal/auth"

// Exchanger turns an authorization code into a normalized provider profile.
type Exchanger interface {
	Exchange(ctx context.Context, provider Provider, code string) (NormalizedProfile, error)
}

// Recorder receives outcome counts for the authentication flows.
type Recorder interface {
	RecordLogin(provider Provider, outcome string)
	RecordRefresh(outcome string)
	RecordLogout()
	RecordTokenIssued()
}

type nopRecorder struct{}

func (nopRecorder) RecordLogin(Provider, string) {}
func (nopRecorder) RecordRefresh(string)         {}
func (nopRecorder) RecordLogout()                {}
func (nopRecorder) RecordTokenIssued()           {}

// AuthResult is returned by a successful login or refresh.
type AuthResult struct {
	AccessToken          string
	AccessTokenExpiresAt time.Time
	Session              IssuedSession
	User                 User
}

// ServiceDeps wires the collaborators of a Service.
type ServiceDeps struct {
	Repo      Repository
	Exchanger Exchanger
	Resolver  *Resolver
	Sessions  *SessionManager
	Tokens    *TokenIssuer
	Logger    *slog.Logger
	Recorder  Recorder
}

// Service runs the login, refresh and logout flows and serves user lookups.
type Service struct {
	repo      Repository
	exchanger Exchanger
	resolver  *Resolver
	sessions  *SessionManager
	tokens    *TokenIssuer
	logger    *slog.Logger
	recorder  Recorder
	tracer    trace.Tracer
}

// NewService creates a new auth Service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder Recorder = nopRecorder{}
	if deps.Recorder != nil {
		recorder = deps.Recorder
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewResolver(deps.Repo)
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionManager(deps.Repo, DefaultSessionTTL)
	}
	return &Service{
		repo:      deps.Repo,
		exchanger: deps.Exchanger,
		resolver:  resolver,
		sessions:  sessions,
		tokens:    deps.Tokens,
		logger:    logger,
		recorder:  recorder,
		tracer:    otel.Tracer(tracerName),
	}
}

// Login exchanges an authorization code, resolves the local user, opens a
// refresh session and mints an access token.
func (s *Service) Login(ctx context.Context, provider Provider, code string, client ClientInfo) (AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login", trace.WithAttributes(attribute.String("auth.provider", string(provider))))
	defer span.End()

	result, err := s.login(ctx, provider, code, client)
	if err != nil {
		s.recorder.RecordLogin(provider, outcome(err))
		s.logFailure(ctx, span, "login failed", err, slog.String("provider", string(provider)))
		return AuthResult{}, err
	}

	s.recorder.RecordLogin(provider, "success")
	span.SetAttributes(attribute.String("auth.user_id", result.User.ID.String()))
	s.logger.InfoContext(ctx, "login succeeded",
		slog.String("provider", string(provider)),
		slog.String("user_id", result.User.ID.String()),
	)
	return result, nil
}

func (s *Service) login(ctx context.Context, provider Provider, code string, client ClientInfo) (AuthResult, error) {
	if !provider.Valid() {
		return AuthResult{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return AuthResult{}, fmt.Errorf("%w: missing code", ErrExchangeFailed)
	}
	if s.exchanger == nil {
		return AuthResult{}, ErrProviderNotConfigured
	}

	// The code is single use at the provider, so a disconnecting client must
	// not abort the exchange halfway.
	profile, err := s.exchanger.Exchange(context.WithoutCancel(ctx), provider, code)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := s.resolver.Resolve(ctx, profile)
	if err != nil {
		return AuthResult{}, err
	}

	session, err := s.sessions.Create(ctx, user.ID, client)
	if err != nil {
		return AuthResult{}, err
	}

	return s.issue(*user, session)
}

// Refresh rotates the refresh session identified by secret and mints a new access token.
func (s *Service) Refresh(ctx context.Context, secret string, client ClientInfo) (AuthResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	rotated, err := s.sessions.Refresh(ctx, secret, client)
	if err != nil {
		s.recorder.RecordRefresh(outcome(err))
		s.logFailure(ctx, span, "refresh failed", err)
		return AuthResult{}, err
	}

	result, err := s.issue(rotated.User, rotated.IssuedSession)
	if err != nil {
		s.recorder.RecordRefresh(outcome(err))
		s.logFailure(ctx, span, "refresh failed", err)
		return AuthResult{}, err
	}

	s.recorder.RecordRefresh("success")
	s.logger.DebugContext(ctx, "session rotated", slog.String("user_id", rotated.User.ID.String()))
	return result, nil
}

// Logout revokes the session identified by secret. Unknown secrets are ignored.
func (s *Service) Logout(ctx context.Context, secret string) error {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if err := s.sessions.RevokeSecret(ctx, secret); err != nil {
		s.logFailure(ctx, span, "logout failed", err)
		return err
	}
	s.recorder.RecordLogout()
	return nil
}

// UpsertRequest is an identity pushed by an authenticated client rather than
// obtained through a code exchange.
type UpsertRequest struct {
	Provider  string
	GitHubID  string
	GoogleID  string
	Login     string
	Email     string
	AvatarURL string
}

// profile builds the resolver input. A pushed email is never verified.
func (r UpsertRequest) profile() (NormalizedProfile, error) {
	profile := NormalizedProfile{
		Login:     r.Login,
		Email:     r.Email,
		AvatarURL: r.AvatarURL,
	}
	if strings.TrimSpace(r.Provider) != "" {
		provider, err := ParseProvider(r.Provider)
		if err != nil {
			return NormalizedProfile{}, err
		}
		profile.Provider = provider
	}
	switch profile.Provider {
	case ProviderGitHub:
		profile.ProviderAccountID = r.GitHubID
	case ProviderGoogle:
		profile.ProviderAccountID = r.GoogleID
	}
	return profile, nil
}

// Upsert creates or refreshes the user described by req through the identity
// resolver. Lookup order matches Login: provider identity, email, creation.
func (s *Service) Upsert(ctx context.Context, caller Claims, req UpsertRequest) (*User, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Upsert")
	defer span.End()

	profile, err := req.profile()
	if err != nil {
		s.logFailure(ctx, span, "upsert failed", err, slog.String("caller", caller.UserID.String()))
		return nil, err
	}
	user, err := s.resolver.Resolve(ctx, profile)
	if err != nil {
		s.logFailure(ctx, span, "upsert failed", err, slog.String("caller", caller.UserID.String()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "user upserted",
		slog.String("caller", caller.UserID.String()),
		slog.String("user_id", user.ID.String()),
	)
	return user, nil
}

// UserView is the user representation served by the user endpoints.
type UserView struct {
	User
	Provider *Provider `json:"provider"`
}

// View attaches the provider of the user's first linked account.
func (s *Service) View(ctx context.Context, user User) (UserView, error) {
	provider, err := s.repo.FirstAccountProvider(ctx, user.ID)
	if err != nil {
		return UserView{}, storageError("find first account", err)
	}
	view := UserView{User: user}
	if provider != "" {
		view.Provider = &provider
	}
	return view, nil
}

// GetUser returns the user with the given ID when the caller owns it.
func (s *Service) GetUser(ctx context.Context, claims Claims, userID uuid.UUID) (*User, error) {
	if !claims.Owns(userID) {
		return nil, ErrForbidden
	}
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, storageError("find user", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// CurrentUser returns the user identified by the token subject.
func (s *Service) CurrentUser(ctx context.Context, claims Claims) (*User, error) {
	return s.GetUser(ctx, claims, claims.UserID)
}

// ProfileChanges holds the user editable fields. Nil leaves a field unchanged.
type ProfileChanges struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

const maxDisplayNameLength = 100

// UpdateProfile applies changes to the user with the given ID when the caller owns it.
func (s *Service) UpdateProfile(ctx context.Context, claims Claims, userID uuid.UUID, changes ProfileChanges) (*User, error) {
	user, err := s.GetUser(ctx, claims, userID)
	if err != nil {
		return nil, err
	}

	if changes.DisplayName != nil {
		name := strings.TrimSpace(*changes.DisplayName)
		if len(name) > maxDisplayNameLength {
			return nil, fmt.Errorf("%w: display name must be at most %d characters", ErrInvalidProfile, maxDisplayNameLength)
		}
		user.DisplayName = name
	}
	if changes.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*changes.AvatarURL)
	}
	user.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateUser(ctx, *user); err != nil {
		return nil, storageError("update user", err)
	}
	s.logger.InfoContext(ctx, "profile updated", slog.String("user_id", user.ID.String()))
	return user, nil
}

// SessionTTL returns the refresh session lifetime.
func (s *Service) SessionTTL() time.Duration {
	return s.sessions.TTL()
}

func (s *Service) issue(user User, session IssuedSession) (AuthResult, error) {
	if s.tokens == nil {
		return AuthResult{}, fmt.Errorf("%w: token issuer not configured", ErrInternal)
	}
	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	s.recorder.RecordTokenIssued()
	return AuthResult{
		AccessToken:          token,
		AccessTokenExpiresAt: expiresAt,
		Session:              session,
		User:                 user,
	}, nil
}

func (s *Service) logFailure(ctx context.Context, span trace.Span, msg string, err error, attrs ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome(err))

	attrs = append(attrs, slog.String("error", err.Error()))
	if errors.Is(err, ErrInternal) {
		s.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	s.logger.WarnContext(ctx, msg, attrs...)
}

// outcome maps an error onto a low cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported_provider"
	case errors.Is(err, ErrProviderNotConfigured):
		return "provider_not_configured"
	case errors.Is(err, ErrExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, ErrProfileFetchFailed):
		return "profile_fetch_failed"
	case errors.Is(err, ErrInsufficientIdentifiers):
		return "insufficient_identifiers"
	case errors.Is(err, ErrAccountAlreadyLinked):
		return "account_already_linked"
	case errors.Is(err, ErrConflictingEmail):
		return "conflicting_email"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	default:
		return "internal_error"
	}
}
