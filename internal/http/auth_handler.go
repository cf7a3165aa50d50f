package http

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"panopticon/internal/auth"
)

const (
	refreshCookieName    = "refreshToken"
	refreshCookiePath    = "/auth"
	oauthStateCookieName = "panopticon_oauth_state"
	oauthStateCookieTTL  = 10 * time.Minute
	oauthStateBytes      = 32
)

// consentURLBuilder produces provider consent URLs.
type consentURLBuilder interface {
	AuthCodeURL(provider auth.Provider, state string) (string, error)
}

// AuthHandler serves the login, refresh and logout endpoints.
type AuthHandler struct {
	service      *auth.Service
	consent      consentURLBuilder
	logger       *slog.Logger
	secureCookie bool
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service *auth.Service, consent consentURLBuilder, env string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:      service,
		consent:      consent,
		logger:       logger,
		secureCookie: !strings.EqualFold(env, "development"),
	}
}

type authResponse struct {
	Token string    `json:"token"`
	User  auth.User `json:"user"`
}

// OAuthCallback handles POST /auth/oauth/callback with a {provider, code} body.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Provider string `json:"provider"`
		Code     string `json:"code"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}
	if strings.TrimSpace(payload.Provider) == "" || strings.TrimSpace(payload.Code) == "" {
		writeError(w, http.StatusBadRequest, "Missing provider or code")
		return
	}

	h.login(w, r, auth.Provider(strings.ToLower(strings.TrimSpace(payload.Provider))), payload.Code)
}

// ProviderCallback handles GET /auth/{provider}/callback?code=...&state=...
// The state must match the cookie set by InitiateLogin.
func (h *AuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := auth.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("oauth callback: provider error", "provider", provider, "error", errParam)
		writeError(w, http.StatusBadRequest, "Provider returned an error: "+errParam)
		return
	}

	code := query.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Missing code")
		return
	}

	if !h.checkState(r, query.Get("state")) {
		h.logger.Warn("oauth callback: state mismatch", "provider", provider)
		h.clearStateCookie(w)
		writeError(w, http.StatusBadRequest, "Invalid state")
		return
	}
	h.clearStateCookie(w)

	h.login(w, r, provider, code)
}

// InitiateLogin handles GET /auth/{provider}/login by redirecting to the
// provider consent screen with a fresh state value.
func (h *AuthHandler) InitiateLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := auth.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}
	if h.consent == nil {
		handleAuthError(w, auth.ErrProviderNotConfigured, h.logger)
		return
	}

	state, err := generateState()
	if err != nil {
		h.logger.Error("failed to generate state", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	target, err := h.consent.AuthCodeURL(provider, state)
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state,
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(oauthStateCookieTTL.Seconds()),
	})
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// Refresh handles POST /auth/refresh. The secret comes from the body or the cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.refreshSecret(w, r)
	if !ok {
		return
	}
	if secret == "" {
		writeError(w, http.StatusBadRequest, "Missing refreshToken")
		return
	}

	result, err := h.service.Refresh(r.Context(), secret, clientInfo(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			h.clearRefreshCookie(w)
		}
		handleAuthError(w, err, h.logger)
		return
	}

	h.setRefreshCookie(w, result.Session)
	writeJSON(w, http.StatusOK, authResponse{Token: result.AccessToken, User: result.User})
}

// Logout handles POST /auth/logout. Revocation is best effort; the cookie is always cleared.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.refreshSecret(w, r)
	if !ok {
		return
	}
	if secret != "" {
		if err := h.service.Logout(r.Context(), secret); err != nil {
			h.logger.Warn("logout: session revocation failed", "error", err)
		}
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out successfully",
	})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request, provider auth.Provider, code string) {
	result, err := h.service.Login(r.Context(), provider, code, clientInfo(r))
	if err != nil {
		handleAuthError(w, err, h.logger)
		return
	}

	h.setRefreshCookie(w, result.Session)
	writeJSON(w, http.StatusOK, authResponse{Token: result.AccessToken, User: result.User})
}

// refreshSecret reads refreshToken from an optional JSON body, falling back to the cookie.
func (h *AuthHandler) refreshSecret(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSONBody(w, r, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, err)
		return "", false
	}
	if secret := strings.TrimSpace(payload.RefreshToken); secret != "" {
		return secret, true
	}
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		return strings.TrimSpace(cookie.Value), true
	}
	return "", true
}

func (h *AuthHandler) checkState(r *http.Request, state string) bool {
	if state == "" {
		return false
	}
	cookie, err := r.Cookie(oauthStateCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(state), []byte(cookie.Value)) == 1
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
	})
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, session auth.IssuedSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    session.Secret,
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func generateState() (string, error) {
	buf := make([]byte, oauthStateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
