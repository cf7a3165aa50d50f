package auth

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Constraint names declared in migrations/postgres. SQLite reports the
// offending columns instead, which is what the column markers match.
const (
	constraintUserEmail       = "users_email_unique"
	constraintAccountIdentity = "oauth_accounts_provider_identity_unique"
	constraintSessionHash     = "sessions_token_hash_unique"
)

const pqUniqueViolation = pq.ErrorCode("23505")

// classifyConstraintError maps unique violations onto the domain errors and
// passes every other error through unchanged.
func classifyConstraintError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		switch pqErr.Constraint {
		case constraintUserEmail:
			return ErrConflictingEmail
		case constraintAccountIdentity:
			return ErrAccountAlreadyLinked
		case constraintSessionHash:
			return errDuplicateTokenHash
		}
		return err
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			message := sqliteErr.Error()
			switch {
			case strings.Contains(message, "users.email"):
				return ErrConflictingEmail
			case strings.Contains(message, "oauth_accounts.provider"):
				return ErrAccountAlreadyLinked
			case strings.Contains(message, "sessions.token_hash"):
				return errDuplicateTokenHash
			}
		}
	}

	return err
}
