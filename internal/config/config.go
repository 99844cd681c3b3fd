// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL      string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL         string // Alert-settings cache (optional, disabled if not set)
	SettingsCacheTTL time.Duration

	// Risk engine
	RiskRulesFile         string // YAML override of the built-in rules (optional)
	HistoryWindow         int    // Recent transactions fed to the scorer
	ProfileLookback       time.Duration
	ReprofileInterval     time.Duration // 0 disables periodic re-profiling
	DefaultAlertThreshold decimal.Decimal
	// Local clock of transactions sent without a timestamp
	Location *time.Location

	// HTTP rate limiting per client IP; 0 requests per minute disables it
	RateLimitRPM   int
	RateLimitBurst int

	// Caregiver webhooks
	WebhookTimeout      time.Duration
	WebhookAllowPrivate bool // allow loopback and private-network URLs (development only)

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultSettingsCacheTTL  = 5 * time.Minute
	DefaultHistoryWindow     = 20
	DefaultProfileLookback   = 30 * 24 * time.Hour
	DefaultReprofileInterval = 24 * time.Hour
	DefaultAlertThreshold    = "500000"
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultTimezone          = "UTC"

	minProfileLookback = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	threshold, err := decimal.NewFromString(getEnv("DEFAULT_ALERT_THRESHOLD", DefaultAlertThreshold))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_ALERT_THRESHOLD must be a decimal: %w", err)
	}

	loc, err := time.LoadLocation(getEnv("TIMEZONE", DefaultTimezone))
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE must be an IANA time zone name: %w", err)
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		SettingsCacheTTL:      getEnvDuration("SETTINGS_CACHE_TTL", DefaultSettingsCacheTTL),
		RiskRulesFile:         os.Getenv("RISK_RULES_FILE"),
		HistoryWindow:         int(getEnvInt64("HISTORY_WINDOW", DefaultHistoryWindow)),
		ProfileLookback:       getEnvDuration("PROFILE_LOOKBACK", DefaultProfileLookback),
		ReprofileInterval:     getEnvDuration("REPROFILE_INTERVAL", DefaultReprofileInterval),
		DefaultAlertThreshold: threshold,
		Location:              loc,
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookAllowPrivate:   getEnvBool("WEBHOOK_ALLOW_PRIVATE_URLS", false),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be at least 1")
	}
	if c.ProfileLookback < minProfileLookback {
		return fmt.Errorf("PROFILE_LOOKBACK must cover at least 7 days (168h)")
	}
	if c.ReprofileInterval < 0 {
		return fmt.Errorf("REPROFILE_INTERVAL must not be negative")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.WebhookAllowPrivate && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_ALLOW_PRIVATE_URLS must not be set in production")
	}
	if c.DefaultAlertThreshold.IsNegative() {
		return fmt.Errorf("DEFAULT_ALERT_THRESHOLD must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
