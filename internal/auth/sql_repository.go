package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLRepository implements Repository over sqlx. It runs against PostgreSQL
// (lib/pq) and SQLite (modernc.org/sqlite) with the schemas in migrations/.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLRepository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const userColumns = `u.id, u.email, u.email_verified, u.display_name, u.avatar_url, u.role, u.last_login_at, u.created_at, u.updated_at`

// FindAccount looks up an account by provider identity together with its owner.
func (r *SQLRepository) FindAccount(ctx context.Context, provider Provider, providerAccountID string) (*OAuthAccount, *User, error) {
	query := r.db.Rebind(`
		SELECT
			a.id AS account_id, a.provider, a.provider_account_id, a.type, a.raw_profile,
			a.created_at AS account_created_at, a.updated_at AS account_updated_at,
			` + userColumns + `
		FROM oauth_accounts a
		JOIN users u ON u.id = a.user_id
		WHERE a.provider = ? AND a.provider_account_id = ?
	`)

	var row accountUserRow
	if err := r.db.GetContext(ctx, &row, query, string(provider), providerAccountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	return row.toAccount(), row.userRow.toUser(), nil
}

// FindUserByEmail looks up a user by exact email.
func (r *SQLRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.findUser(ctx, `u.email = ?`, email)
}

// FindUserByID looks up a user by ID.
func (r *SQLRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.findUser(ctx, `u.id = ?`, id)
}

func (r *SQLRepository) findUser(ctx context.Context, where string, arg any) (*User, error) {
	query := r.db.Rebind(`SELECT ` + userColumns + ` FROM users u WHERE ` + where)

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toUser(), nil
}

// CreateUser inserts a user without any linked account.
func (r *SQLRepository) CreateUser(ctx context.Context, user User) error {
	if err := insertUser(ctx, r.db, user); err != nil {
		return classifyConstraintError(err)
	}
	return nil
}

// CreateUserWithAccount inserts a user and its first account in one transaction.
func (r *SQLRepository) CreateUserWithAccount(ctx context.Context, user User, account OAuthAccount) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		return insertAccount(ctx, tx, account)
	})
}

// LinkAccount inserts a new account for an existing user and saves the user's profile.
func (r *SQLRepository) LinkAccount(ctx context.Context, user User, account OAuthAccount) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertAccount(ctx, tx, account); err != nil {
			return err
		}
		return updateUser(ctx, tx, user)
	})
}

// RecordAccountLogin saves the refreshed user and the account's profile snapshot in one transaction.
func (r *SQLRepository) RecordAccountLogin(ctx context.Context, user User, accountID uuid.UUID, rawProfile json.RawMessage) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateUser(ctx, tx, user); err != nil {
			return err
		}
		query := tx.Rebind(`UPDATE oauth_accounts SET raw_profile = ?, updated_at = ? WHERE id = ?`)
		result, err := tx.ExecContext(ctx, query, string(rawProfile), user.UpdatedAt.UTC(), accountID)
		if err != nil {
			return err
		}
		return expectRow(result)
	})
}

// UpdateUser saves the mutable profile columns of a user.
func (r *SQLRepository) UpdateUser(ctx context.Context, user User) error {
	if err := updateUser(ctx, r.db, user); err != nil {
		return classifyConstraintError(err)
	}
	return nil
}

// FirstAccountProvider returns the provider of the user's earliest linked
// account, or "" when the user has none.
func (r *SQLRepository) FirstAccountProvider(ctx context.Context, userID uuid.UUID) (Provider, error) {
	query := r.db.Rebind(`SELECT provider FROM oauth_accounts WHERE user_id = ? ORDER BY created_at, id LIMIT 1`)

	var provider string
	if err := r.db.GetContext(ctx, &provider, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return Provider(provider), nil
}

// CreateSession inserts a new session.
func (r *SQLRepository) CreateSession(ctx context.Context, session Session) error {
	if err := insertSession(ctx, r.db, session); err != nil {
		return classifyConstraintError(err)
	}
	return nil
}

// FindActiveSession looks up an unrevoked, unexpired session and its owner by token hash.
func (r *SQLRepository) FindActiveSession(ctx context.Context, tokenHash string, now time.Time) (*Session, *User, error) {
	query := r.db.Rebind(`
		SELECT
			s.id AS session_id, s.token_hash, s.expires_at, s.revoked, s.ip_address, s.user_agent,
			s.created_at AS session_created_at,
			` + userColumns + `
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ? AND s.revoked = FALSE AND s.expires_at > ?
	`)

	var row sessionUserRow
	if err := r.db.GetContext(ctx, &row, query, tokenHash, now.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	return row.toSession(), row.userRow.toUser(), nil
}

// RotateSession revokes the current session and inserts its successor in one transaction.
// It returns ErrInvalidRefreshToken when the current session was already consumed or expired.
func (r *SQLRepository) RotateSession(ctx context.Context, currentID uuid.UUID, next Session, now time.Time) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`UPDATE sessions SET revoked = TRUE WHERE id = ? AND revoked = FALSE AND expires_at > ?`)
		result, err := tx.ExecContext(ctx, query, currentID, now.UTC())
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrInvalidRefreshToken
		}
		return insertSession(ctx, tx, next)
	})
}

// RevokeSession marks a session revoked. Revoking twice is a no-op.
func (r *SQLRepository) RevokeSession(ctx context.Context, id uuid.UUID) error {
	query := r.db.Rebind(`UPDATE sessions SET revoked = TRUE WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// RevokeSessionByTokenHash marks the session with the given hash revoked.
func (r *SQLRepository) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error {
	query := r.db.Rebind(`UPDATE sessions SET revoked = TRUE WHERE token_hash = ?`)
	_, err := r.db.ExecContext(ctx, query, tokenHash)
	return err
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classifyConstraintError(err)
	}
	return classifyConstraintError(tx.Commit())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func insertUser(ctx context.Context, db execer, user User) error {
	query := db.Rebind(`
		INSERT INTO users (id, email, email_verified, display_name, avatar_url, role, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(ctx, query,
		user.ID,
		nullString(user.Email),
		user.EmailVerified,
		user.DisplayName,
		user.AvatarURL,
		user.Role,
		nullTime(user.LastLoginAt),
		user.CreatedAt.UTC(),
		user.UpdatedAt.UTC(),
	)
	return err
}

func updateUser(ctx context.Context, db execer, user User) error {
	query := db.Rebind(`
		UPDATE users
		SET email = ?, email_verified = ?, display_name = ?, avatar_url = ?, last_login_at = ?, updated_at = ?
		WHERE id = ?
	`)
	result, err := db.ExecContext(ctx, query,
		nullString(user.Email),
		user.EmailVerified,
		user.DisplayName,
		user.AvatarURL,
		nullTime(user.LastLoginAt),
		user.UpdatedAt.UTC(),
		user.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func insertAccount(ctx context.Context, db execer, account OAuthAccount) error {
	raw := account.RawProfile
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	query := db.Rebind(`
		INSERT INTO oauth_accounts (id, user_id, provider, provider_account_id, type, raw_profile, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(ctx, query,
		account.ID,
		account.UserID,
		string(account.Provider),
		account.ProviderAccountID,
		account.Type,
		string(raw),
		account.CreatedAt.UTC(),
		account.UpdatedAt.UTC(),
	)
	return err
}

func insertSession(ctx context.Context, db execer, session Session) error {
	query := db.Rebind(`
		INSERT INTO sessions (id, user_id, token_hash, expires_at, revoked, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.TokenHash,
		session.ExpiresAt.UTC(),
		session.Revoked,
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt.UTC(),
	)
	return err
}

func expectRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

// userRow is a database row representation of User.
type userRow struct {
	ID            uuid.UUID      `db:"id"`
	Email         sql.NullString `db:"email"`
	EmailVerified bool           `db:"email_verified"`
	DisplayName   string         `db:"display_name"`
	AvatarURL     string         `db:"avatar_url"`
	Role          string         `db:"role"`
	LastLoginAt   sql.NullTime   `db:"last_login_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *userRow) toUser() *User {
	user := &User{
		ID:            r.ID,
		Email:         r.Email.String,
		EmailVerified: r.EmailVerified,
		DisplayName:   r.DisplayName,
		AvatarURL:     r.AvatarURL,
		Role:          r.Role,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LastLoginAt.Valid {
		lastLogin := r.LastLoginAt.Time
		user.LastLoginAt = &lastLogin
	}
	return user
}

// accountUserRow is a database row for the account + user join query.
type accountUserRow struct {
	AccountID         uuid.UUID `db:"account_id"`
	Provider          string    `db:"provider"`
	ProviderAccountID string    `db:"provider_account_id"`
	Type              string    `db:"type"`
	RawProfile        []byte    `db:"raw_profile"`
	AccountCreatedAt  time.Time `db:"account_created_at"`
	AccountUpdatedAt  time.Time `db:"account_updated_at"`

	userRow
}

func (r *accountUserRow) toAccount() *OAuthAccount {
	return &OAuthAccount{
		ID:                r.AccountID,
		UserID:            r.ID,
		Provider:          Provider(r.Provider),
		ProviderAccountID: r.ProviderAccountID,
		Type:              r.Type,
		RawProfile:        json.RawMessage(r.RawProfile),
		CreatedAt:         r.AccountCreatedAt,
		UpdatedAt:         r.AccountUpdatedAt,
	}
}

// sessionUserRow is a database row for the session + user join query.
type sessionUserRow struct {
	SessionID        uuid.UUID `db:"session_id"`
	TokenHash        string    `db:"token_hash"`
	ExpiresAt        time.Time `db:"expires_at"`
	Revoked          bool      `db:"revoked"`
	IPAddress        string    `db:"ip_address"`
	UserAgent        string    `db:"user_agent"`
	SessionCreatedAt time.Time `db:"session_created_at"`

	userRow
}

func (r *sessionUserRow) toSession() *Session {
	return &Session{
		ID:        r.SessionID,
		UserID:    r.ID,
		TokenHash: r.TokenHash,
		ExpiresAt: r.ExpiresAt,
		Revoked:   r.Revoked,
		IPAddress: r.IPAddress,
		UserAgent: r.UserAgent,
		CreatedAt: r.SessionCreatedAt,
	}
}
