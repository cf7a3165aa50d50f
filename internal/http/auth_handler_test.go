package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"panopticon/internal/auth"
)

func decodeAuthResponse(t *testing.T, rec *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var resp authResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Message
}

func (e *testEnv) login(t *testing.T, code string) (authResponse, *http.Cookie) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/oauth/callback", fmt.Sprintf(`{"provider":"github","code":%q}`, code))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cookie := findCookie(rec, refreshCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("login: expected refresh cookie")
	}
	return decodeAuthResponse(t, rec), cookie
}

func TestOAuthCallbackReturnsTokenAndSetsRefreshCookie(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, cookie := env.login(t, "abc")

	if resp.User.Email != "octo@example.com" {
		t.Fatalf("expected user email, got %q", resp.User.Email)
	}
	claims, err := env.tokens.Verify(resp.Token)
	if err != nil {
		t.Fatalf("token should verify: %v", err)
	}
	if claims.UserID != resp.User.ID {
		t.Fatalf("expected subject %s, got %s", resp.User.ID, claims.UserID)
	}
	if !cookie.HttpOnly || cookie.Path != refreshCookiePath || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
	if cookie.Secure {
		t.Fatal("expected insecure cookie in development")
	}
	if cookie.Expires.IsZero() {
		t.Fatal("expected cookie expiry to be set")
	}
}

func TestOAuthCallbackSetsSecureCookieOutsideDevelopment(t *testing.T) {
	env := newTestEnv(t, nil, withEnvironment("production"))

	_, cookie := env.login(t, "abc")
	if !cookie.Secure {
		t.Fatal("expected secure cookie outside development")
	}
}

func TestOAuthCallbackRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"provider":"github"}`, `{"code":"abc"}`, `{}`} {
		rec := env.do(t, http.MethodPost, "/auth/oauth/callback", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
		if msg := errorMessage(t, rec); msg != "Missing provider or code" {
			t.Fatalf("%s: unexpected message %q", body, msg)
		}
	}
}

func TestOAuthCallbackRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/oauth/callback", `{"provider":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOAuthCallbackMapsErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		err      error
		status   int
	}{
		{name: "unsupported provider", provider: "twitter", status: http.StatusBadRequest},
		{name: "exchange failed", provider: "github", err: fmt.Errorf("%w: bad code", auth.ErrExchangeFailed), status: http.StatusBadRequest},
		{name: "profile fetch failed", provider: "google", err: auth.ErrProfileFetchFailed, status: http.StatusBadRequest},
		{name: "not configured", provider: "google", err: auth.ErrProviderNotConfigured, status: http.StatusBadRequest},
		{name: "unexpected", provider: "github", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchanger := &exchangerStub{
				exchange: func(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
					return auth.NormalizedProfile{}, tt.err
				},
			}
			env := newTestEnv(t, exchanger)

			rec := env.do(t, http.MethodPost, "/auth/oauth/callback", fmt.Sprintf(`{"provider":%q,"code":"abc"}`, tt.provider))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if findCookie(rec, refreshCookieName) != nil {
				t.Fatal("failed login must not set a refresh cookie")
			}
			if tt.status == http.StatusInternalServerError && errorMessage(t, rec) != "unexpected error" {
				t.Fatal("internal errors must not leak detail")
			}
		})
	}
}

func TestOAuthCallbackConflictingEmailReturnsConflict(t *testing.T) {
	exchanger := &exchangerStub{
		exchange: func(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
			return auth.NormalizedProfile{
				Provider:          provider,
				ProviderAccountID: code,
				Login:             code,
				Email:             "shared@example.com",
				EmailVerified:     false,
			}, nil
		},
	}
	env := newTestEnv(t, exchanger)

	env.login(t, "first")
	rec := env.do(t, http.MethodPost, "/auth/oauth/callback", `{"provider":"google","code":"second"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProviderCallbackRequiresCode(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/github/callback", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Missing code" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestProviderCallbackLogsInWithCode(t *testing.T) {
	var gotProvider auth.Provider
	exchanger := &exchangerStub{
		exchange: func(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
			gotProvider = provider
			return auth.NormalizedProfile{Provider: provider, ProviderAccountID: "sub-1", Email: "g@example.com", EmailVerified: true}, nil
		},
	}
	env := newTestEnv(t, exchanger)

	rec := env.do(t, http.MethodGet, "/auth/google/callback?code=xyz&state=s1", "", withCookie(oauthStateCookieName, "s1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotProvider != auth.ProviderGoogle {
		t.Fatalf("expected google exchange, got %q", gotProvider)
	}
	if resp := decodeAuthResponse(t, rec); resp.Token == "" {
		t.Fatal("expected access token")
	}
}

func TestProviderCallbackRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/twitter/callback?code=xyz", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProviderCallbackRejectsStateMismatch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/github/callback?code=xyz&state=abc", "", withCookie(oauthStateCookieName, "other"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/auth/github/callback?code=xyz&state=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without state cookie, got %d", rec.Code)
	}
}

func TestProviderCallbackRequiresState(t *testing.T) {
	var exchanged bool
	exchanger := &exchangerStub{
		exchange: func(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
			exchanged = true
			return auth.NormalizedProfile{Provider: provider, ProviderAccountID: code, Email: "a@example.com", EmailVerified: true}, nil
		},
	}
	env := newTestEnv(t, exchanger)

	tests := []struct {
		name string
		opts []func(*http.Request)
	}{
		{name: "state cookie present", opts: []func(*http.Request){withCookie(oauthStateCookieName, "victim-state")}},
		{name: "no state cookie"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/auth/github/callback?code=attacker", "", tt.opts...)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if msg := errorMessage(t, rec); msg != "Invalid state" {
				t.Fatalf("unexpected message %q", msg)
			}
			if findCookie(rec, refreshCookieName) != nil {
				t.Fatal("callback without state must not set a refresh cookie")
			}
		})
	}
	if exchanged {
		t.Fatal("code must not be exchanged without a valid state")
	}
}

func TestProviderCallbackAcceptsMatchingState(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/github/callback?code=xyz&state=abc", "", withCookie(oauthStateCookieName, "abc"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	state := findCookie(rec, oauthStateCookieName)
	if state == nil || state.MaxAge >= 0 {
		t.Fatal("expected state cookie to be cleared")
	}
}

func TestProviderCallbackSurfacesProviderError(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/github/callback?error=access_denied", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(errorMessage(t, rec), "access_denied") {
		t.Fatal("expected provider error in message")
	}
}

func TestInitiateLoginSetsStateCookieAndRedirects(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/auth/github/login", "")
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	state := findCookie(rec, oauthStateCookieName)
	if state == nil || state.Value == "" {
		t.Fatal("expected state cookie to be set")
	}
	if state.Value != env.consent.lastState {
		t.Fatalf("expected cookie %q to match state %q", state.Value, env.consent.lastState)
	}
	if env.consent.lastProvider != auth.ProviderGitHub {
		t.Fatalf("expected github consent, got %q", env.consent.lastProvider)
	}
	if loc := rec.Header().Get("Location"); loc != "https://provider.test/authorize?state="+state.Value {
		t.Fatalf("unexpected redirect %q", loc)
	}
}

func TestInitiateLoginReportsUnconfiguredProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	env.consent.err = auth.ErrProviderNotConfigured

	rec := env.do(t, http.MethodGet, "/auth/google/login", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if findCookie(rec, oauthStateCookieName) != nil {
		t.Fatal("state cookie must not be set when the provider is unavailable")
	}
}

func TestRefreshRotatesCookieSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	login, cookie := env.login(t, "abc")

	rec := env.do(t, http.MethodPost, "/auth/refresh", "", withCookie(refreshCookieName, cookie.Value))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rotated := findCookie(rec, refreshCookieName)
	if rotated == nil || rotated.Value == "" || rotated.Value == cookie.Value {
		t.Fatal("expected a new refresh secret")
	}
	resp := decodeAuthResponse(t, rec)
	if resp.User.ID != login.User.ID || resp.Token == "" {
		t.Fatal("expected token for the same user")
	}

	replay := env.do(t, http.MethodPost, "/auth/refresh", "", withCookie(refreshCookieName, cookie.Value))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed secret to be rejected, got %d", replay.Code)
	}
	if cleared := findCookie(replay, refreshCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatal("expected refresh cookie to be cleared on rejection")
	}
}

func TestRefreshAcceptsBodySecret(t *testing.T) {
	env := newTestEnv(t, nil)
	_, cookie := env.login(t, "abc")

	rec := env.do(t, http.MethodPost, "/auth/refresh", fmt.Sprintf(`{"refreshToken":%q}`, cookie.Value))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshRequiresSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/refresh", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Missing refreshToken" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRefreshRejectsUnknownSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLogoutRevokesSessionAndClearsCookie(t *testing.T) {
	env := newTestEnv(t, nil)
	_, cookie := env.login(t, "abc")

	rec := env.do(t, http.MethodPost, "/auth/logout", "", withCookie(refreshCookieName, cookie.Value))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Message != "Logged out successfully" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if cleared := findCookie(rec, refreshCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatal("expected refresh cookie to be cleared")
	}

	refresh := env.do(t, http.MethodPost, "/auth/refresh", "", withCookie(refreshCookieName, cookie.Value))
	if refresh.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked secret to be rejected, got %d", refresh.Code)
	}
}

func TestLogoutWithoutSessionSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/auth/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
