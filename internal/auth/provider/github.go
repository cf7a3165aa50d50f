package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"panopticon/internal/auth"
)

const maxProfileBytes = 1 << 20

type githubEndpoints struct {
	authURL  string
	tokenURL string
	apiURL   string
}

func defaultGitHubEndpoints() githubEndpoints {
	return githubEndpoints{
		authURL:  github.Endpoint.AuthURL,
		tokenURL: github.Endpoint.TokenURL,
		apiURL:   "https://api.github.com",
	}
}

// WithGitHubEndpoints overrides the GitHub authorize, token and REST API base URLs.
func WithGitHubEndpoints(authURL, tokenURL, apiURL string) Option {
	return func(o *options) {
		o.github = githubEndpoints{
			authURL:  authURL,
			tokenURL: tokenURL,
			apiURL:   strings.TrimSuffix(apiURL, "/"),
		}
	}
}

// GitHub implements Adapter for GitHub OAuth apps.
type GitHub struct {
	creds  Credentials
	config *oauth2.Config
	opts   options
}

// NewGitHub creates the GitHub adapter. Missing credentials are reported on Exchange.
func NewGitHub(creds Credentials, opts ...Option) *GitHub {
	o := newOptions(opts)
	return &GitHub{
		creds: creds,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   o.github.authURL,
				TokenURL:  o.github.tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"read:user", "user:email"},
		},
		opts: o,
	}
}

// Name returns auth.ProviderGitHub.
func (g *GitHub) Name() auth.Provider {
	return auth.ProviderGitHub
}

// AuthCodeURL builds the GitHub consent URL.
func (g *GitHub) AuthCodeURL(state string) (string, error) {
	if !g.creds.Configured() {
		return "", fmt.Errorf("%w: github", auth.ErrProviderNotConfigured)
	}
	return g.config.AuthCodeURL(state), nil
}

// Exchange trades code for a GitHub access token and loads the user profile.
func (g *GitHub) Exchange(ctx context.Context, code string) (auth.NormalizedProfile, error) {
	if !g.creds.Configured() {
		return auth.NormalizedProfile{}, fmt.Errorf("%w: github", auth.ErrProviderNotConfigured)
	}
	ctx = g.opts.withClient(ctx)

	token, err := exchangeToken(ctx, g.config, code)
	if err != nil {
		return auth.NormalizedProfile{}, err
	}

	// Sends the access token on every REST call.
	client := g.config.Client(ctx, token)

	var profile auth.GitHubProfile
	if err := g.getJSON(ctx, client, "/user", &profile); err != nil {
		return auth.NormalizedProfile{}, err
	}
	if profile.ID == 0 {
		return auth.NormalizedProfile{}, fmt.Errorf("%w: github profile has no id", auth.ErrProfileFetchFailed)
	}

	email := profile.Email
	// A public profile email is one GitHub has already verified.
	verified := email != ""
	if email == "" {
		email, verified = g.primaryEmail(ctx, client)
	}

	return auth.NormalizedProfile{
		Provider:          auth.ProviderGitHub,
		ProviderAccountID: strconv.FormatInt(profile.ID, 10),
		Login:             profile.Login,
		Email:             email,
		EmailVerified:     verified,
		AvatarURL:         profile.AvatarURL,
		Raw:               profile,
	}, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// primaryEmail picks the primary address from /user/emails, falling back to the
// first entry. Failures are logged and yield no email.
func (g *GitHub) primaryEmail(ctx context.Context, client *http.Client) (string, bool) {
	var emails []githubEmail
	if err := g.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		g.opts.logger.WarnContext(ctx, "github email lookup failed", "error", err)
		return "", false
	}
	if len(emails) == 0 {
		return "", false
	}
	chosen := emails[0]
	for _, e := range emails {
		if e.Primary {
			chosen = e
			break
		}
	}
	return chosen.Email, chosen.Verified
}

func (g *GitHub) getJSON(ctx context.Context, client *http.Client, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.github.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", auth.ErrProfileFetchFailed, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: github %s: %w", auth.ErrProfileFetchFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: github %s returned %d", auth.ErrProfileFetchFailed, path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode github %s: %w", auth.ErrProfileFetchFailed, path, err)
	}
	return nil
}
