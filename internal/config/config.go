package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const minJWTSecretLength = 32

// OAuthClient holds the server-side settings for one OAuth provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the client id and secret are both set.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config aggregates runtime configuration for the Panopticon auth server.
type Config struct {
	Environment    string
	HTTPPort       int
	DatabaseURL    string
	DataStore      string
	SQLitePath     string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	JWTSecret                 string
	JWTIssuer                 string
	AccessTokenTTL            time.Duration
	RefreshTTL                time.Duration
	AllowUnverifiedEmailMerge bool

	GitHub              OAuthClient
	Google              OAuthClient
	ProviderHTTPTimeout time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	RateLimitSweep     time.Duration

	OTelEndpoint string
}

type envConfig struct {
	Environment    string   `env:"APP_ENV"         envDefault:"development"`
	Port           int      `env:"PORT"`
	HTTPPort       int      `env:"HTTP_PORT"       envDefault:"8080"`
	DataStore      string   `env:"DATA_STORE"      envDefault:"memory"`
	SQLitePath     string   `env:"SQLITE_PATH"`
	LogLevel       string   `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT"      envDefault:"text"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:4200" envSeparator:","`

	JWTIssuer                 string        `env:"JWT_ISSUER"                        envDefault:"panopticon"`
	AccessTokenTTL            time.Duration `env:"AUTH_ACCESS_TOKEN_TTL"             envDefault:"15m"`
	RefreshTTL                time.Duration `env:"AUTH_REFRESH_TTL"                  envDefault:"720h"`
	AllowUnverifiedEmailMerge bool          `env:"AUTH_ALLOW_UNVERIFIED_EMAIL_MERGE" envDefault:"false"`

	GitHubClientID      string        `env:"GITHUB_CLIENT_ID"`
	GitHubRedirectURI   string        `env:"GITHUB_REDIRECT_URI"`
	GoogleClientID      string        `env:"GOOGLE_CLIENT_ID"`
	GoogleRedirectURI   string        `env:"GOOGLE_REDIRECT_URI"`
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"10s"`

	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST"      envDefault:"20"`
	RateLimitSweep     time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"5m"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads configuration from environment variables with sensible defaults for local development.
func Load() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	secrets := map[string]string{}
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET", "GITHUB_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"} {
		value, err := getEnvOrFile(key, "/run/secrets/panopticon_"+strings.ToLower(key))
		if err != nil {
			return Config{}, err
		}
		secrets[key] = strings.TrimSpace(value)
	}

	cfg := Config{
		Environment:    strings.ToLower(strings.TrimSpace(raw.Environment)),
		HTTPPort:       raw.HTTPPort,
		DatabaseURL:    secrets["DATABASE_URL"],
		DataStore:      strings.ToLower(strings.TrimSpace(raw.DataStore)),
		SQLitePath:     strings.TrimSpace(raw.SQLitePath),
		LogLevel:       strings.ToLower(raw.LogLevel),
		LogFormat:      strings.ToLower(raw.LogFormat),
		AllowedOrigins: trimCSV(raw.AllowedOrigins),

		JWTSecret:                 secrets["JWT_SECRET"],
		JWTIssuer:                 strings.TrimSpace(raw.JWTIssuer),
		AccessTokenTTL:            raw.AccessTokenTTL,
		RefreshTTL:                raw.RefreshTTL,
		AllowUnverifiedEmailMerge: raw.AllowUnverifiedEmailMerge,

		GitHub: OAuthClient{
			ClientID:     strings.TrimSpace(raw.GitHubClientID),
			ClientSecret: secrets["GITHUB_CLIENT_SECRET"],
			RedirectURL:  strings.TrimSpace(raw.GitHubRedirectURI),
		},
		Google: OAuthClient{
			ClientID:     strings.TrimSpace(raw.GoogleClientID),
			ClientSecret: secrets["GOOGLE_CLIENT_SECRET"],
			RedirectURL:  strings.TrimSpace(raw.GoogleRedirectURI),
		},
		ProviderHTTPTimeout: raw.ProviderHTTPTimeout,

		RateLimitPerMinute: raw.RateLimitPerMinute,
		RateLimitBurst:     raw.RateLimitBurst,
		RateLimitSweep:     raw.RateLimitSweep,

		OTelEndpoint: strings.TrimSpace(raw.OTelEndpoint),
	}
	if raw.Port != 0 {
		cfg.HTTPPort = raw.Port
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid port %d", c.HTTPPort)
	}

	switch c.DataStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATA_STORE is postgres but DATABASE_URL is not set")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("config: DATA_STORE is sqlite but SQLITE_PATH is not set")
		}
	default:
		return fmt.Errorf("config: unsupported DATA_STORE %q", c.DataStore)
	}

	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("config: AUTH_ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTTL <= 0 {
		return errors.New("config: AUTH_REFRESH_TTL must be positive")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("config: RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}

	if !c.IsDevelopment() {
		if len(c.AllowedOrigins) == 0 {
			return errors.New("config: ALLOWED_ORIGINS must define at least one origin outside development")
		}
		for _, origin := range c.AllowedOrigins {
			if strings.Contains(origin, "*") {
				return errors.New("config: ALLOWED_ORIGINS cannot contain wildcard outside development")
			}
		}
	}
	return nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// IsDevelopment reports whether the server runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UseInMemoryStore returns true if the in-memory repository should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
