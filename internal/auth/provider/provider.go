// Package provider exchanges OAuth authorization codes with external identity
// providers and normalizes the returned profiles.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"panopticon/internal/auth"
)

// DefaultHTTPTimeout bounds every call to a provider when no client is supplied.
const DefaultHTTPTimeout = 10 * time.Second

// Adapter performs the authorization-code flow for a single provider.
// Implementations return identity facts only; they never create users.
type Adapter interface {
	Name() auth.Provider
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (auth.NormalizedProfile, error)
}

// Credentials are the server-held client settings for one provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether both client id and secret are present.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
	github     githubEndpoints
	google     googleEndpoints
}

// Option configures an adapter.
type Option func(*options)

// WithHTTPClient sets the client used for token and profile requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithLogger sets the logger used for non-fatal provider problems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		github:     defaultGitHubEndpoints(),
		google:     defaultGoogleEndpoints(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// withClient attaches the configured HTTP client to ctx for x/oauth2.
func (o options) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// exchangeToken trades code for an access token.
func exchangeToken(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrExchangeFailed, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", auth.ErrExchangeFailed)
	}
	return token, nil
}

// Registry holds the adapters by provider name and implements auth.Exchanger.
type Registry struct {
	adapters map[auth.Provider]Adapter
}

// NewRegistry registers the given adapters. Later adapters replace earlier
// ones with the same name.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[auth.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider auth.Provider) (Adapter, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: %q", auth.ErrUnsupportedProvider, provider)
	}
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", auth.ErrProviderNotConfigured, provider)
	}
	return a, nil
}

// Exchange runs the code exchange for provider and validates the resulting profile.
func (r *Registry) Exchange(ctx context.Context, provider auth.Provider, code string) (auth.NormalizedProfile, error) {
	a, err := r.Get(provider)
	if err != nil {
		return auth.NormalizedProfile{}, err
	}
	profile, err := a.Exchange(ctx, code)
	if err != nil {
		return auth.NormalizedProfile{}, err
	}
	profile = profile.Normalize()
	if err := profile.Validate(); err != nil {
		return auth.NormalizedProfile{}, err
	}
	return profile, nil
}

// AuthCodeURL returns the consent URL for provider carrying state.
func (r *Registry) AuthCodeURL(provider auth.Provider, state string) (string, error) {
	a, err := r.Get(provider)
	if err != nil {
		return "", err
	}
	return a.AuthCodeURL(state)
}
