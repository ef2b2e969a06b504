package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// DefaultOAuthScopes is requested when OAUTH_SCOPES is unset: patient-context
// read access plus a refresh token.
const DefaultOAuthScopes = "openid fhirUser launch/patient offline_access patient/*.read"

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	AuthMode     string   `mapstructure:"AUTH_MODE"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string   `mapstructure:"REDIS_URL"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigning  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	Timezone     string   `mapstructure:"TIMEZONE"`
	TLSEnabled   bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile  string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile   string   `mapstructure:"TLS_KEY_FILE"`

	// EncryptionKey is the hex-encoded 256-bit key that seals stored tokens.
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`

	OAuthClientID     string `mapstructure:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `mapstructure:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURL  string `mapstructure:"OAUTH_REDIRECT_URL"`
	OAuthScopesRaw    string `mapstructure:"OAUTH_SCOPES"`

	HTTPTimeout      time.Duration `mapstructure:"HTTP_TIMEOUT"`
	TokenRefreshSkew time.Duration `mapstructure:"TOKEN_REFRESH_SKEW"`
	RefreshLeaseTTL  time.Duration `mapstructure:"REFRESH_LEASE_TTL"`
	LinkSessionTTL   time.Duration `mapstructure:"LINK_SESSION_TTL"`
	UserAgent        string        `mapstructure:"USER_AGENT"`

	SyncConcurrency      int           `mapstructure:"SYNC_CONCURRENCY"`
	SyncPageSize         int           `mapstructure:"SYNC_PAGE_SIZE"`
	SyncMaxPages         int           `mapstructure:"SYNC_MAX_PAGES"`
	SyncInterval         time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncResourceTypesRaw string        `mapstructure:"SYNC_RESOURCE_TYPES"`

	FHIRRateLimitRPS   float64 `mapstructure:"FHIR_RATE_LIMIT_RPS"`
	FHIRRateLimitBurst int     `mapstructure:"FHIR_RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "TIMEZONE",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "ENCRYPTION_KEY",
	"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET", "OAUTH_REDIRECT_URL", "OAUTH_SCOPES",
	"HTTP_TIMEOUT", "TOKEN_REFRESH_SKEW", "REFRESH_LEASE_TTL", "LINK_SESSION_TTL", "USER_AGENT",
	"SYNC_CONCURRENCY", "SYNC_PAGE_SIZE", "SYNC_MAX_PAGES", "SYNC_INTERVAL", "SYNC_RESOURCE_TYPES",
	"FHIR_RATE_LIMIT_RPS", "FHIR_RATE_LIMIT_BURST",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers run Validate before using secrets.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("OAUTH_SCOPES", DefaultOAuthScopes)
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("TOKEN_REFRESH_SKEW", "0s")
	v.SetDefault("REFRESH_LEASE_TTL", "30s")
	v.SetDefault("LINK_SESSION_TTL", "10m")
	v.SetDefault("USER_AGENT", "ehrlink/1.0")
	v.SetDefault("SYNC_CONCURRENCY", 4)
	v.SetDefault("SYNC_PAGE_SIZE", 100)
	v.SetDefault("SYNC_MAX_PAGES", 20)
	v.SetDefault("SYNC_INTERVAL", "6h")
	v.SetDefault("FHIR_RATE_LIMIT_RPS", 5)
	v.SetDefault("FHIR_RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"), ",")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in a
// development environment and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// OAuthScopes splits OAUTH_SCOPES on spaces or commas.
func (c *Config) OAuthScopes() []string {
	return splitList(strings.ReplaceAll(c.OAuthScopesRaw, ",", " "), " ")
}

// SyncResourceTypes returns the configured resource types, or nil to use the
// engine defaults.
func (c *Config) SyncResourceTypes() []string {
	return splitList(c.SyncResourceTypesRaw, ",")
}

// Location resolves TIMEZONE for timeline day grouping.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks everything the server needs before it touches a token.
// The encryption key is always required: there is no mode that stores
// tokens in clear text.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required (generate one with `ehrlink-server keygen`)")
	}
	keyBytes, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if c.OAuthRedirectURL == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}
	if len(c.OAuthScopes()) == 0 {
		return fmt.Errorf("OAUTH_SCOPES must name at least one scope")
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigning == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency)
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.SyncPageSize)
	}
	if c.SyncMaxPages <= 0 {
		return fmt.Errorf("SYNC_MAX_PAGES must be positive, got %d", c.SyncMaxPages)
	}
	if c.TokenRefreshSkew < 0 {
		return fmt.Errorf("TOKEN_REFRESH_SKEW must not be negative")
	}
	if c.FHIRRateLimitRPS < 0 || c.FHIRRateLimitBurst < 0 {
		return fmt.Errorf("FHIR_RATE_LIMIT_RPS and FHIR_RATE_LIMIT_BURST must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
