package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Session       SessionConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
	OAuth2        OAuth2Config
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SessionConfig holds session management configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite string
	Lifetime       time.Duration
	IdleTimeout    time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

// OAuth2Config holds the authorization server's protocol-level settings
// (spec.md §6): token lifetimes, the access-token encoding, which
// optional grants are enabled, and the key-management/JWKS knobs.
type OAuth2Config struct {
	// Issuer is this server's identifier, used as the JWT "iss" claim
	// and, with "/oauth2/token" appended, as the token endpoint URL
	// private_key_jwt assertions must target.
	Issuer string

	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration

	// AccessTokenFormat is "opaque" or "jwt".
	AccessTokenFormat string
	// SigningAlgorithm is the JWT signing algorithm used when
	// AccessTokenFormat is "jwt" and for the JWKS exposed at /jwks.json:
	// "RS256", "ES256", or "HS256".
	SigningAlgorithm string

	// RefreshRotation is "always" or "never".
	RefreshRotation string
	// RefreshReplayWindow is how long a just-rotated refresh token is
	// remembered to detect reuse; zero disables the check.
	RefreshReplayWindow time.Duration

	PasswordGrantEnabled bool

	// JWKSCacheTTL bounds how long a fetched private_key_jwt signer's
	// JWKS document is cached before being re-fetched.
	JWKSCacheTTL time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "opentrusty"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "opentrusty"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Session: SessionConfig{
			CookieName:     getEnv("SESSION_COOKIE_NAME", "opentrusty_session"),
			CookieDomain:   getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookiePath:     getEnv("SESSION_COOKIE_PATH", "/"),
			CookieSecure:   parseBool("SESSION_COOKIE_SECURE", false),
			CookieHTTPOnly: parseBool("SESSION_COOKIE_HTTP_ONLY", true),
			CookieSameSite: getEnv("SESSION_COOKIE_SAME_SITE", "Lax"),
			Lifetime:       parseDuration("SESSION_LIFETIME", "24h"),
			IdleTimeout:    parseDuration("SESSION_IDLE_TIMEOUT", "30m"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "opentrusty"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Security: SecurityConfig{
			Argon2Memory:      uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:  uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism: uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:  uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:   uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		OAuth2: OAuth2Config{
			Issuer:               getEnv("OAUTH2_ISSUER", "http://localhost:8080"),
			AuthorizationCodeTTL: parseDuration("OAUTH2_CODE_TTL", "10m"),
			AccessTokenTTL:       parseDuration("OAUTH2_ACCESS_TOKEN_TTL", "1h"),
			RefreshTokenTTL:      parseDuration("OAUTH2_REFRESH_TOKEN_TTL", "720h"),
			AccessTokenFormat:    getEnv("OAUTH2_ACCESS_TOKEN_FORMAT", "opaque"),
			SigningAlgorithm:     getEnv("OAUTH2_SIGNING_ALGORITHM", "RS256"),
			RefreshRotation:      getEnv("OAUTH2_REFRESH_ROTATION", "always"),
			RefreshReplayWindow:  parseDuration("OAUTH2_REFRESH_REPLAY_WINDOW", "5m"),
			PasswordGrantEnabled: parseBool("OAUTH2_PASSWORD_GRANT_ENABLED", false),
			JWKSCacheTTL:         parseDuration("OAUTH2_JWKS_CACHE_TTL", "10m"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch c.OAuth2.AccessTokenFormat {
	case "opaque", "jwt":
	default:
		return fmt.Errorf("OAUTH2_ACCESS_TOKEN_FORMAT must be \"opaque\" or \"jwt\", got %q", c.OAuth2.AccessTokenFormat)
	}
	switch c.OAuth2.RefreshRotation {
	case "always", "never":
	default:
		return fmt.Errorf("OAUTH2_REFRESH_ROTATION must be \"always\" or \"never\", got %q", c.OAuth2.RefreshRotation)
	}
	switch c.OAuth2.SigningAlgorithm {
	case "RS256", "ES256", "HS256":
	default:
		return fmt.Errorf("OAUTH2_SIGNING_ALGORITHM must be one of RS256, ES256, HS256, got %q", c.OAuth2.SigningAlgorithm)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
