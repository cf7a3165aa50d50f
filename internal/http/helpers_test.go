package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"panopticon/internal/auth"
	"panopticon/internal/config"
	"panopticon/internal/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type exchangerStub struct {
	exchange func(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error)
}

func (e *exchangerStub) Exchange(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
	if e.exchange != nil {
		return e.exchange(ctx, provider, code)
	}
	return auth.NormalizedProfile{
		Provider:          provider,
		ProviderAccountID: "acct-" + code,
		Login:             "octocat",
		Email:             "octo@example.com",
		EmailVerified:     true,
	}, nil
}

type consentStub struct {
	lastProvider auth.Provider
	lastState    string
	err          error
}

func (c *consentStub) AuthCodeURL(provider auth.Provider, state string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.lastProvider = provider
	c.lastState = state
	return "https://provider.test/authorize?state=" + state, nil
}

type testEnv struct {
	repo      *auth.InMemoryRepository
	tokens    *auth.TokenIssuer
	service   *auth.Service
	consent   *consentStub
	registry  *prometheus.Registry
	collector *metrics.Collector
	handler   http.Handler
}

type envOption func(*config.Config, *Dependencies)

func withRateLimiter(perMinute, burst int) envOption {
	return func(_ *config.Config, deps *Dependencies) {
		deps.RateLimiter = NewRateLimiter(perMinute, burst, deps.Logger, deps.Metrics.RecordRateLimited)
	}
}

func withEnvironment(env string) envOption {
	return func(cfg *config.Config, _ *Dependencies) {
		cfg.Environment = env
	}
}

func newTestEnv(t *testing.T, exchanger *exchangerStub, opts ...envOption) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := auth.NewInMemoryRepository()
	tokens, err := auth.NewTokenIssuer(testSecret, "panopticon-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	if exchanger == nil {
		exchanger = &exchangerStub{}
	}
	service := auth.NewService(auth.ServiceDeps{
		Repo:      repo,
		Exchanger: exchanger,
		Sessions:  auth.NewSessionManager(repo, time.Hour),
		Tokens:    tokens,
		Logger:    logger,
		Recorder:  collector,
	})

	consent := &consentStub{}
	cfg := config.Config{
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	deps := Dependencies{
		Auth:     service,
		Guard:    auth.NewGuard(tokens),
		Consent:  consent,
		Metrics:  collector,
		Gatherer: registry,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	return &testEnv{
		repo:      repo,
		tokens:    tokens,
		service:   service,
		consent:   consent,
		registry:  registry,
		collector: collector,
		handler:   NewRouter(cfg, deps),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
