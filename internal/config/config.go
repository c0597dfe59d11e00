// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - SITE_TIMEZONE: IANA zone name used for schedule evaluation
//     (default "UTC").
//   - REDIS_ADDR: Redis address for the stylesheet cache; empty disables
//     the external cache.
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - SETTINGS_RESYNC_INTERVAL: safety-net settings refresh interval
//     (default "1m", must be > 0 if set).
//   - ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR, SESSION_SECRET: enable
//     the Tailscale-served admin portal.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                = ":8080"
	defaultTSStateDir              = "tsnet-state"
	defaultAuthRateLimit           = 10
	defaultMaxJSONBodySize   int64 = 1 << 20 // 1MB
	defaultSettingsResync          = time.Minute
	minSessionSecretLength         = 32
)

// Config holds the runtime configuration for the visly server.
type Config struct {
	DatabaseURL            string
	HTTPAddr               string
	LogLevel               string
	SiteTimezone           *time.Location
	RedisAddr              string
	AuthRateLimit          int
	MaxJSONBodySize        int64
	SettingsResyncInterval time.Duration
	AdminHostname          string
	TSAuthKey              string
	TSStateDir             string
	SessionSecret          string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	location := time.UTC
	if zone := strings.TrimSpace(os.Getenv("SITE_TIMEZONE")); zone != "" {
		parsed, err := time.LoadLocation(zone)
		if err != nil {
			return Config{}, fmt.Errorf("parse SITE_TIMEZONE: %w", err)
		}
		location = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be a positive integer")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if value := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = parsed
	}

	settingsResync := defaultSettingsResync
	if value := strings.TrimSpace(os.Getenv("SETTINGS_RESYNC_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTINGS_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("SETTINGS_RESYNC_INTERVAL must be > 0")
		}
		settingsResync = parsed
	}

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	if adminHostname != "" {
		if sessionSecret == "" {
			return Config{}, errors.New("SESSION_SECRET is required when ADMIN_HOSTNAME is set")
		}
		if len(sessionSecret) < minSessionSecretLength {
			return Config{}, fmt.Errorf("SESSION_SECRET must be at least %d characters when ADMIN_HOSTNAME is set", minSessionSecretLength)
		}
	}

	return Config{
		DatabaseURL:            databaseURL,
		HTTPAddr:               envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		SiteTimezone:           location,
		RedisAddr:              strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		AuthRateLimit:          authRateLimit,
		MaxJSONBodySize:        maxJSONBodySize,
		SettingsResyncInterval: settingsResync,
		AdminHostname:          adminHostname,
		TSAuthKey:              os.Getenv("TS_AUTH_KEY"),
		TSStateDir:             envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		SessionSecret:          sessionSecret,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
