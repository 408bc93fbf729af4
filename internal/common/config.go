// Package common provides shared utilities for Cadence
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Cadence
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Auth        AuthConfig      `toml:"auth"`
	RateLimit   RateLimitConfig `toml:"ratelimit"`
	Consent     ConsentConfig   `toml:"consent"`
	Clients     ClientsConfig   `toml:"clients"`
	Features    FeaturesConfig  `toml:"features"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// PublicURL is the externally reachable base URL used as the OAuth issuer
	// and in protected-resource metadata. Defaults to http://host:port.
	PublicURL string `toml:"public_url"`
	// ServiceKey authenticates internal callers (tier downgrades).
	ServiceKey string `toml:"service_key"`
	// AllowedOrigins lists browser origins permitted by CORS. "*" allows any.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// BaseURL returns the public base URL without a trailing slash.
func (c *ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// StorageConfig selects a backend per storage concern.
//
// Durable state (clients, authorization requests, grants, tokens, pending
// actions) lives in "memory" or "surrealdb". Rate limit counters live in
// "memory" or "redis". The audit trail lives in "memory" or "sqlite".
type StorageConfig struct {
	Durable   string        `toml:"durable"`
	Counters  string        `toml:"counters"`
	Audit     string        `toml:"audit"`
	SurrealDB SurrealConfig `toml:"surrealdb"`
	Redis     RedisConfig   `toml:"redis"`
	SQLite    SQLiteConfig  `toml:"sqlite"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL       string `toml:"url"`
	KeyPrefix string `toml:"key_prefix"`
}

// SQLiteConfig holds the audit database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// AuthConfig holds OAuth authorization server configuration.
type AuthConfig struct {
	JWTSecret        string   `toml:"jwt_secret"`
	AccessTokenTTL   string   `toml:"access_token_ttl"`  // default "1h"
	RefreshTokenTTL  string   `toml:"refresh_token_ttl"` // default "720h"
	AuthorizationTTL string   `toml:"authorization_ttl"` // default "10m"
	ClockSkew        string   `toml:"clock_skew"`        // tolerance for iat/nbf only
	SupportedScopes  []string `toml:"supported_scopes"`
}

// GetAccessTokenTTL parses and returns the access token lifetime.
func (c *AuthConfig) GetAccessTokenTTL() time.Duration {
	return parseDurationOr(c.AccessTokenTTL, time.Hour)
}

// GetRefreshTokenTTL parses and returns the refresh token lifetime.
func (c *AuthConfig) GetRefreshTokenTTL() time.Duration {
	return parseDurationOr(c.RefreshTokenTTL, 30*24*time.Hour)
}

// GetAuthorizationTTL parses and returns the authorization code lifetime.
func (c *AuthConfig) GetAuthorizationTTL() time.Duration {
	return parseDurationOr(c.AuthorizationTTL, 10*time.Minute)
}

// GetClockSkew parses and returns the issued-at tolerance.
func (c *AuthConfig) GetClockSkew() time.Duration {
	return parseDurationOr(c.ClockSkew, 0)
}

// RateLimitConfig holds per-user, per-tool rate limit settings.
type RateLimitConfig struct {
	Mode         string         `toml:"mode"` // "sliding" or "fixed"
	Window       string         `toml:"window"`
	DefaultLimit int            `toml:"default_limit"`
	ToolLimits   map[string]int `toml:"tool_limits"`
}

// GetWindow parses and returns the rate limit window.
func (c *RateLimitConfig) GetWindow() time.Duration {
	return parseDurationOr(c.Window, time.Hour)
}

// LimitFor returns the configured limit for a tool.
func (c *RateLimitConfig) LimitFor(tool string) int {
	if n, ok := c.ToolLimits[tool]; ok && n > 0 {
		return n
	}
	return c.DefaultLimit
}

// ConsentConfig holds consent and undo windows.
type ConsentConfig struct {
	ConsentTTL  string `toml:"consent_ttl"`
	UndoWindow  string `toml:"undo_window"`
	MaxRetries  int    `toml:"max_retries"`
	CallTimeout string `toml:"call_timeout"`
	// StaleAfter is how long an action may stay executing before it is
	// treated as interrupted.
	StaleAfter string `toml:"stale_after"`
}

// GetConsentTTL parses and returns how long a proposal awaits confirmation.
func (c *ConsentConfig) GetConsentTTL() time.Duration {
	return parseDurationOr(c.ConsentTTL, 15*time.Minute)
}

// GetStaleAfter parses and returns the stale execution threshold.
func (c *ConsentConfig) GetStaleAfter() time.Duration {
	return parseDurationOr(c.StaleAfter, 5*time.Minute)
}

// GetUndoWindow parses and returns the undo window.
func (c *ConsentConfig) GetUndoWindow() time.Duration {
	return parseDurationOr(c.UndoWindow, 5*time.Minute)
}

// GetCallTimeout parses and returns the collaborator call timeout.
func (c *ConsentConfig) GetCallTimeout() time.Duration {
	return parseDurationOr(c.CallTimeout, 15*time.Second)
}

// ClientsConfig holds external collaborator configurations
type ClientsConfig struct {
	Gemini     GeminiConfig     `toml:"gemini"`
	Publisher  PublisherConfig  `toml:"publisher"`
	Moderation ModerationConfig `toml:"moderation"`
}

// GeminiConfig holds Gemini API configuration
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// PublisherConfig holds the publishing platform API configuration.
type PublisherConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *PublisherConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 30*time.Second)
}

// ModerationConfig selects the moderation backend.
type ModerationConfig struct {
	// Provider is "keyword" or "gemini".
	Provider string   `toml:"provider"`
	Blocked  []string `toml:"blocked_terms"`
}

// FeaturesConfig maps subscription tiers to enabled features.
type FeaturesConfig struct {
	DefaultTier string              `toml:"default_tier"`
	Tiers       map[string][]string `toml:"tiers"`
	UserTiers   map[string]string   `toml:"user_tiers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Durable:  "memory",
			Counters: "memory",
			Audit:    "memory",
			SurrealDB: SurrealConfig{
				Address:   "ws://localhost:8000/rpc",
				Namespace: "cadence",
				Database:  "cadence",
				Username:  "root",
				Password:  "root",
			},
			Redis: RedisConfig{
				URL:       "redis://localhost:6379/0",
				KeyPrefix: "cadence:rl:",
			},
			SQLite: SQLiteConfig{Path: "data/audit.db"},
		},
		Auth: AuthConfig{
			JWTSecret:        "dev-jwt-secret-change-in-production",
			AccessTokenTTL:   "1h",
			RefreshTokenTTL:  "720h",
			AuthorizationTTL: "10m",
			ClockSkew:        "0s",
			SupportedScopes:  []string{"read", "write"},
		},
		RateLimit: RateLimitConfig{
			Mode:         "sliding",
			Window:       "1h",
			DefaultLimit: 60,
			ToolLimits: map[string]int{
				"generate_content": 20,
				"schedule_post":    10,
			},
		},
		Consent: ConsentConfig{
			ConsentTTL:  "15m",
			UndoWindow:  "5m",
			MaxRetries:  3,
			CallTimeout: "15s",
		},
		Clients: ClientsConfig{
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
			Publisher: PublisherConfig{
				BaseURL:   "http://localhost:9090",
				RateLimit: 5,
				Timeout:   "30s",
			},
			Moderation: ModerationConfig{
				Provider: "keyword",
			},
		},
		Features: FeaturesConfig{
			DefaultTier: "free",
			Tiers: map[string][]string{
				"free": {"content_generation"},
				"pro":  {"content_generation", "scheduling"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Later files override earlier ones
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CADENCE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("CADENCE_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("CADENCE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if v := os.Getenv("CADENCE_PUBLIC_URL"); v != "" {
		config.Server.PublicURL = v
	}
	if v := os.Getenv("CADENCE_SERVICE_KEY"); v != "" {
		config.Server.ServiceKey = v
	}
	if v := os.Getenv("CADENCE_ALLOWED_ORIGINS"); v != "" {
		config.Server.AllowedOrigins = strings.Split(v, ",")
	}

	if level := os.Getenv("CADENCE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Storage overrides
	if v := os.Getenv("CADENCE_STORAGE_DURABLE"); v != "" {
		config.Storage.Durable = v
	}
	if v := os.Getenv("CADENCE_STORAGE_COUNTERS"); v != "" {
		config.Storage.Counters = v
	}
	if v := os.Getenv("CADENCE_STORAGE_AUDIT"); v != "" {
		config.Storage.Audit = v
	}
	if v := os.Getenv("CADENCE_SURREALDB_ADDRESS"); v != "" {
		config.Storage.SurrealDB.Address = v
	}
	if v := os.Getenv("CADENCE_SURREALDB_PASSWORD"); v != "" {
		config.Storage.SurrealDB.Password = v
	}
	if v := os.Getenv("CADENCE_REDIS_URL"); v != "" {
		config.Storage.Redis.URL = v
	}
	if v := os.Getenv("CADENCE_SQLITE_PATH"); v != "" {
		config.Storage.SQLite.Path = v
	}

	// Auth overrides
	if v := os.Getenv("CADENCE_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("CADENCE_AUTH_ACCESS_TOKEN_TTL"); v != "" {
		config.Auth.AccessTokenTTL = v
	}

	if v := os.Getenv("CADENCE_RATELIMIT_MODE"); v != "" {
		config.RateLimit.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("CADENCE_UNDO_WINDOW"); v != "" {
		config.Consent.UndoWindow = v
	}

	// Client keys
	for _, name := range []string{"GEMINI_API_KEY", "CADENCE_GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			config.Clients.Gemini.APIKey = v
			break
		}
	}
	if v := os.Getenv("CADENCE_PUBLISHER_URL"); v != "" {
		config.Clients.Publisher.BaseURL = v
	}
	if v := os.Getenv("CADENCE_PUBLISHER_API_KEY"); v != "" {
		config.Clients.Publisher.APIKey = v
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateRequired returns the names of required settings that are missing
// or left at insecure defaults. Only enforced in production.
func (c *Config) ValidateRequired() []string {
	var missing []string
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "dev-jwt-secret-change-in-production" {
		missing = append(missing, "auth.jwt_secret")
	}
	if c.Server.ServiceKey == "" {
		missing = append(missing, "server.service_key")
	}
	if c.Storage.Durable == "memory" {
		missing = append(missing, "storage.durable")
	}
	return missing
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
