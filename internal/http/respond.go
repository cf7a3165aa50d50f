package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"panopticon/internal/auth"
)

const maxJSONBodyBytes int64 = 64 << 10

var errPayloadTooLarge = errors.New("payload too large")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"error":      http.StatusText(status),
		"message":    message,
	})
}

// decodeJSONBody decodes a bounded JSON body. An empty body yields io.EOF.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	limited := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = limited.Close()
	}()

	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w (max %d bytes)", errPayloadTooLarge, maxErr.Limit)
		}
		return err
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	if errors.Is(err, errPayloadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// clientIPFromRequest returns the caller address. middleware.RealIP has
// already replaced RemoteAddr when a proxy header was present.
func clientIPFromRequest(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: clientIPFromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

// handleAuthError maps auth sentinels onto HTTP responses. Internal detail
// stays in the logs.
func handleAuthError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, auth.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, "Unsupported provider")
	case errors.Is(err, auth.ErrProviderNotConfigured):
		writeError(w, http.StatusBadRequest, "OAuth provider not configured")
	case errors.Is(err, auth.ErrExchangeFailed):
		writeError(w, http.StatusBadRequest, "Failed to obtain access token from provider")
	case errors.Is(err, auth.ErrProfileFetchFailed):
		writeError(w, http.StatusBadRequest, "Failed to fetch provider profile")
	case errors.Is(err, auth.ErrInsufficientIdentifiers):
		writeError(w, http.StatusBadRequest, "Provider profile has no usable identifier")
	case errors.Is(err, auth.ErrInvalidProfile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAccountAlreadyLinked):
		writeError(w, http.StatusConflict, "Account already linked to another user")
	case errors.Is(err, auth.ErrConflictingEmail):
		writeError(w, http.StatusConflict, "Email already belongs to another account")
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		unauthorized(w)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	default:
		logger.Error("auth error", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected error")
	}
}

