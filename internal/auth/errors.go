package auth

import "errors"

var (
	// ErrUnsupportedProvider is returned for provider names outside the known set.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrProviderNotConfigured is returned when the server holds no client credentials for a provider.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrExchangeFailed is returned when the provider does not hand out an access token for the code.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
	// ErrProfileFetchFailed is returned when the provider profile cannot be retrieved.
	ErrProfileFetchFailed = errors.New("profile fetch failed")

	// ErrInsufficientIdentifiers is returned when a profile has neither provider identity nor email.
	ErrInsufficientIdentifiers = errors.New("insufficient identifiers")
	// ErrAccountAlreadyLinked is returned when a provider identity is already bound to a user.
	ErrAccountAlreadyLinked = errors.New("account already linked")
	// ErrConflictingEmail is returned when an email belongs to another user and cannot be merged.
	ErrConflictingEmail = errors.New("conflicting email")

	// ErrInvalidRefreshToken covers unknown, expired, revoked and replayed refresh secrets alike.
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")

	// ErrInvalidToken is returned by the credential verifier for any bad access token.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrUnauthorized is returned by the access guard.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the caller does not own the requested resource.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidProfile is returned when a profile update carries invalid values.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrNotFound is returned when a user lookup misses.
	ErrNotFound = errors.New("not found")
	// ErrInternal wraps unexpected storage failures.
	ErrInternal = errors.New("internal error")
)

var errDuplicateTokenHash = errors.New("refresh token hash collision")

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrAccountAlreadyLinked,
		ErrConflictingEmail,
		ErrInvalidRefreshToken,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
