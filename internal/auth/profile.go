package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifies an external OAuth identity source.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
)

// AccountTypeOAuth tags accounts created from an OAuth authorization-code login.
const AccountTypeOAuth = "oauth"

// ParseProvider maps a user supplied provider name onto a known Provider.
func ParseProvider(name string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(name))) {
	case ProviderGitHub:
		return ProviderGitHub, nil
	case ProviderGoogle:
		return ProviderGoogle, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	return p == ProviderGitHub || p == ProviderGoogle
}

// ProviderProfile is the provider specific profile snapshot. The set of
// implementations is closed: GitHubProfile and GoogleProfile.
type ProviderProfile interface {
	provider() Provider
}

// GitHubProfile is the subset of the GitHub /user payload kept as a snapshot.
type GitHubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

func (GitHubProfile) provider() Provider { return ProviderGitHub }

// GoogleProfile is the subset of the Google userinfo payload kept as a snapshot.
type GoogleProfile struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

func (GoogleProfile) provider() Provider { return ProviderGoogle }

// NormalizedProfile is the provider-agnostic identity produced by an exchange adapter.
type NormalizedProfile struct {
	Provider          Provider
	ProviderAccountID string
	Login             string
	Email             string
	EmailVerified     bool
	AvatarURL         string
	Raw               ProviderProfile
}

// HasProviderIdentity reports whether the profile names an external account.
func (p NormalizedProfile) HasProviderIdentity() bool {
	return p.Provider != "" && p.ProviderAccountID != ""
}

// Normalize trims fields and lower-cases the email.
func (p NormalizedProfile) Normalize() NormalizedProfile {
	p.ProviderAccountID = strings.TrimSpace(p.ProviderAccountID)
	p.Login = strings.TrimSpace(p.Login)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	if p.Email == "" {
		p.EmailVerified = false
	}
	return p
}

// Validate checks the fields an adapter must always supply.
func (p NormalizedProfile) Validate() error {
	if !p.Provider.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, p.Provider)
	}
	if p.ProviderAccountID == "" {
		return fmt.Errorf("%w: provider account id is empty", ErrProfileFetchFailed)
	}
	if p.Raw != nil && p.Raw.provider() != p.Provider {
		return fmt.Errorf("%w: %s profile snapshot attached to %s login", ErrProfileFetchFailed, p.Raw.provider(), p.Provider)
	}
	return nil
}

// RawJSON encodes the provider snapshot for storage.
func (p NormalizedProfile) RawJSON() (json.RawMessage, error) {
	if p.Raw == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(p.Raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s profile: %w", p.Provider, err)
	}
	return data, nil
}

func (p NormalizedProfile) update() ProfileUpdate {
	return ProfileUpdate{
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		DisplayName:   p.Login,
		AvatarURL:     p.AvatarURL,
	}
}
