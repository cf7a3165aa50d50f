package provider

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"panopticon/internal/auth"
)

const googleIssuer = "https://accounts.google.com"

type googleEndpoints struct {
	authURL     string
	tokenURL    string
	userInfoURL string
}

func defaultGoogleEndpoints() googleEndpoints {
	return googleEndpoints{
		authURL:     google.Endpoint.AuthURL,
		tokenURL:    google.Endpoint.TokenURL,
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

// WithGoogleEndpoints overrides the Google authorize, token and userinfo URLs.
func WithGoogleEndpoints(authURL, tokenURL, userInfoURL string) Option {
	return func(o *options) {
		o.google = googleEndpoints{
			authURL:     authURL,
			tokenURL:    tokenURL,
			userInfoURL: userInfoURL,
		}
	}
}

// Google implements Adapter for Google OAuth 2.0 / OIDC.
type Google struct {
	creds  Credentials
	config *oauth2.Config
	oidc   *oidc.Provider
	opts   options
}

// NewGoogle creates the Google adapter. The OIDC provider is built from a
// static configuration, so construction makes no network calls.
func NewGoogle(ctx context.Context, creds Credentials, opts ...Option) *Google {
	o := newOptions(opts)
	providerConfig := oidc.ProviderConfig{
		IssuerURL:   googleIssuer,
		AuthURL:     o.google.authURL,
		TokenURL:    o.google.tokenURL,
		UserInfoURL: o.google.userInfoURL,
		Algorithms:  []string{oidc.RS256},
	}
	return &Google{
		creds: creds,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   o.google.authURL,
				TokenURL:  o.google.tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{oidc.ScopeOpenID, "email", "profile"},
		},
		oidc: providerConfig.NewProvider(ctx),
		opts: o,
	}
}

// Name returns auth.ProviderGoogle.
func (g *Google) Name() auth.Provider {
	return auth.ProviderGoogle
}

// AuthCodeURL builds the Google consent URL.
func (g *Google) AuthCodeURL(state string) (string, error) {
	if !g.creds.Configured() {
		return "", fmt.Errorf("%w: google", auth.ErrProviderNotConfigured)
	}
	return g.config.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("prompt", "select_account"),
	), nil
}

// Exchange trades code for a Google access token and loads the userinfo claims.
func (g *Google) Exchange(ctx context.Context, code string) (auth.NormalizedProfile, error) {
	if !g.creds.Configured() {
		return auth.NormalizedProfile{}, fmt.Errorf("%w: google", auth.ErrProviderNotConfigured)
	}
	ctx = oidc.ClientContext(g.opts.withClient(ctx), g.opts.httpClient)

	token, err := exchangeToken(ctx, g.config, code)
	if err != nil {
		return auth.NormalizedProfile{}, err
	}

	info, err := g.oidc.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return auth.NormalizedProfile{}, fmt.Errorf("%w: google userinfo: %w", auth.ErrProfileFetchFailed, err)
	}

	var profile auth.GoogleProfile
	if err := info.Claims(&profile); err != nil {
		return auth.NormalizedProfile{}, fmt.Errorf("%w: decode google userinfo: %w", auth.ErrProfileFetchFailed, err)
	}
	if profile.Subject == "" {
		profile.Subject = info.Subject
	}

	login := profile.Name
	if login == "" {
		login = profile.Email
	}

	return auth.NormalizedProfile{
		Provider:          auth.ProviderGoogle,
		ProviderAccountID: profile.Subject,
		Login:             login,
		Email:             profile.Email,
		// Google only releases addresses it has verified for the account.
		EmailVerified: profile.Email != "",
		AvatarURL:     profile.Picture,
		Raw:           profile,
	}, nil
}
