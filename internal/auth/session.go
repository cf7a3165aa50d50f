package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL is the lifetime of a refresh session.
	DefaultSessionTTL = 30 * 24 * time.Hour

	refreshSecretBytes = 48
	maxUserAgentLength = 512
	maxIPAddressLength = 45
)

// IssuedSession is returned once when a session is created. Secret is never stored.
type IssuedSession struct {
	ID        uuid.UUID
	Secret    string
	ExpiresAt time.Time
}

// RotatedSession is the result of a successful refresh.
type RotatedSession struct {
	IssuedSession
	User User
}

// SessionManager creates, rotates and revokes refresh sessions.
type SessionManager struct {
	repo    Repository
	ttl     time.Duration
	now     func() time.Time
	entropy io.Reader
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEntropy overrides the random source used for refresh secrets.
func WithEntropy(r io.Reader) SessionOption {
	return func(m *SessionManager) {
		if r != nil {
			m.entropy = r
		}
	}
}

// NewSessionManager creates a SessionManager. A zero ttl selects DefaultSessionTTL.
func NewSessionManager(repo Repository, ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		repo:    repo,
		ttl:     ttl,
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create starts a new session for userID and returns its secret.
func (m *SessionManager) Create(ctx context.Context, userID uuid.UUID, client ClientInfo) (IssuedSession, error) {
	session, secret, err := m.newSession(userID, client)
	if err != nil {
		return IssuedSession{}, err
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		return IssuedSession{}, storageError("create session", err)
	}
	return IssuedSession{ID: session.ID, Secret: secret, ExpiresAt: session.ExpiresAt}, nil
}

// Refresh exchanges a refresh secret for a new one. The presented session is
// revoked in the same transaction that creates its successor, so every secret
// works at most once.
func (m *SessionManager) Refresh(ctx context.Context, secret string, client ClientInfo) (RotatedSession, error) {
	if secret == "" {
		return RotatedSession{}, ErrInvalidRefreshToken
	}

	now := m.now().UTC()
	current, user, err := m.repo.FindActiveSession(ctx, hashToken(secret), now)
	if err != nil {
		return RotatedSession{}, storageError("find session", err)
	}
	if current == nil || user == nil || !current.Usable(now) {
		return RotatedSession{}, ErrInvalidRefreshToken
	}

	if client.IPAddress == "" && client.UserAgent == "" {
		client = ClientInfo{IPAddress: current.IPAddress, UserAgent: current.UserAgent}
	}
	next, nextSecret, err := m.newSession(user.ID, client)
	if err != nil {
		return RotatedSession{}, err
	}
	if err := m.repo.RotateSession(ctx, current.ID, next, now); err != nil {
		return RotatedSession{}, storageError("rotate session", err)
	}

	return RotatedSession{
		IssuedSession: IssuedSession{ID: next.ID, Secret: nextSecret, ExpiresAt: next.ExpiresAt},
		User:          *user,
	}, nil
}

// Revoke marks a session revoked. Revoking an already revoked session succeeds.
func (m *SessionManager) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.repo.RevokeSession(ctx, sessionID); err != nil {
		return storageError("revoke session", err)
	}
	return nil
}

// RevokeSecret revokes the session identified by a refresh secret. Unknown secrets are ignored.
func (m *SessionManager) RevokeSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return nil
	}
	if err := m.repo.RevokeSessionByTokenHash(ctx, hashToken(secret)); err != nil {
		return storageError("revoke session", err)
	}
	return nil
}

func (m *SessionManager) newSession(userID uuid.UUID, client ClientInfo) (Session, string, error) {
	secret, err := m.generateSecret()
	if err != nil {
		return Session{}, "", err
	}
	now := m.now().UTC()
	return Session{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(m.ttl),
		IPAddress: truncateString(client.IPAddress, maxIPAddressLength),
		UserAgent: truncateString(client.UserAgent, maxUserAgentLength),
		CreatedAt: now,
	}, secret, nil
}

func (m *SessionManager) generateSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := io.ReadFull(m.entropy, buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashToken returns the hex encoded SHA-256 of a refresh secret.
func hashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// truncateString truncates a string to the given max length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

