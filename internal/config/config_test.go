package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:                  "8080",
		Env:                   "development",
		LogLevel:              "info",
		HistoryWindow:         20,
		ProfileLookback:       DefaultProfileLookback,
		ReprofileInterval:     time.Hour,
		DefaultAlertThreshold: decimal.NewFromInt(500_000),
		WebhookTimeout:        DefaultWebhookTimeout,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "HISTORY_WINDOW", "")
	setEnv(t, "DEFAULT_ALERT_THRESHOLD", "")
	setEnv(t, "TIMEZONE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHistoryWindow, cfg.HistoryWindow)
	assert.Equal(t, DefaultProfileLookback, cfg.ProfileLookback)
	assert.Equal(t, DefaultSettingsCacheTTL, cfg.SettingsCacheTTL)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, DefaultWebhookTimeout, cfg.WebhookTimeout)
	assert.True(t, cfg.DefaultAlertThreshold.Equal(decimal.NewFromInt(500_000)))
	assert.Equal(t, time.UTC, cfg.Location)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "HISTORY_WINDOW", "50")
	setEnv(t, "REPROFILE_INTERVAL", "6h")
	setEnv(t, "DEFAULT_ALERT_THRESHOLD", "250000.50")
	setEnv(t, "REDIS_URL", "redis://localhost:6379/0")
	setEnv(t, "TIMEZONE", "Asia/Seoul")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 50, cfg.HistoryWindow)
	assert.Equal(t, 6*time.Hour, cfg.ReprofileInterval)
	assert.Equal(t, "250000.5", cfg.DefaultAlertThreshold.String())
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "Asia/Seoul", cfg.Location.String())
}

func TestLoad_InvalidTimezone(t *testing.T) {
	setEnv(t, "TIMEZONE", "Mars/Olympus_Mons")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMEZONE")
}

func TestLoad_InvalidThreshold(t *testing.T) {
	setEnv(t, "DEFAULT_ALERT_THRESHOLD", "lots")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_ALERT_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"non-numeric port", func(c *Config) { c.Port = "http" }, "PORT must be numeric"},
		{"unknown env", func(c *Config) { c.Env = "qa" }, "ENV must be"},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL must be"},
		{"empty history", func(c *Config) { c.HistoryWindow = 0 }, "HISTORY_WINDOW"},
		{"short lookback", func(c *Config) { c.ProfileLookback = 48 * time.Hour }, "PROFILE_LOOKBACK"},
		{"negative interval", func(c *Config) { c.ReprofileInterval = -time.Second }, "REPROFILE_INTERVAL"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"rate limit without burst", func(c *Config) { c.RateLimitRPM = 60; c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"zero webhook timeout", func(c *Config) { c.WebhookTimeout = 0 }, "WEBHOOK_TIMEOUT"},
		{"private webhooks in production", func(c *Config) { c.Env = "production"; c.WebhookAllowPrivate = true }, "WEBHOOK_ALLOW_PRIVATE_URLS"},
		{"negative threshold", func(c *Config) { c.DefaultAlertThreshold = decimal.NewFromInt(-1) }, "DEFAULT_ALERT_THRESHOLD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_BAD_BOOL", "maybe")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BAD_BOOL", true))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
