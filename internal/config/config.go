// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Tracking modes.
const (
	TrackingModeQueue  = "queue"
	TrackingModeStream = "stream"
)

// Content cache storage backends.
const (
	CacheStorageMemory = "memory"
	CacheStorageRedis  = "redis"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Redis is optional. Without it clicks are written through the in-process
	// queue, the content cache stays in memory and rate limiting is off.
	RedisURL string `env:"REDIS_URL"`

	// Public origin of the redirect endpoints (e.g., https://guide.example)
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Headless CMS
	CMSURL     string        `env:"CMS_URL" envDefault:"http://localhost:1337"`
	CMSToken   string        `env:"CMS_TOKEN"`
	CMSTimeout time.Duration `env:"CMS_TIMEOUT" envDefault:"10s"`

	// Content response cache
	ContentCacheEnabled  bool          `env:"CONTENT_CACHE_ENABLED" envDefault:"true"`
	ContentCacheStorage  string        `env:"CONTENT_CACHE_STORAGE" envDefault:"memory"`
	ContentCacheTTL      time.Duration `env:"CONTENT_CACHE_TTL" envDefault:"15m"`
	CategoriesCacheTTL   time.Duration `env:"CATEGORIES_CACHE_TTL" envDefault:"1h"`
	ContentCacheQuota    int           `env:"CONTENT_CACHE_QUOTA" envDefault:"5242880"`
	ContentCacheSweepInt time.Duration `env:"CONTENT_CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	ContentCacheWarm     bool          `env:"CONTENT_CACHE_WARM" envDefault:"false"`

	// Click tracking writes
	TrackingMode        string        `env:"TRACKING_MODE" envDefault:"queue"`
	TrackingWorkers     int           `env:"TRACKING_WORKERS" envDefault:"4"`
	TrackingQueueSize   int           `env:"TRACKING_QUEUE_SIZE" envDefault:"1024"`
	TrackingTaskTimeout time.Duration `env:"TRACKING_TASK_TIMEOUT" envDefault:"5s"`

	// Retention; zero days keeps clicks forever
	RetentionDays     int           `env:"RETENTION_DAYS" envDefault:"0"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"24h"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// API protection. An empty APITokenHash leaves /api open.
	APITokenHash      string `env:"API_TOKEN_HASH"`
	RateLimitAPIRPS   int    `env:"RATE_LIMIT_API_RPS" envDefault:"20"`
	RateLimitAPIBurst int    `env:"RATE_LIMIT_API_BURST" envDefault:"40"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// RedisEnabled reports whether a Redis URL was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks values that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.TrackingMode {
	case TrackingModeQueue:
	case TrackingModeStream:
		if !c.RedisEnabled() {
			errs = append(errs, errors.New("TRACKING_MODE=stream requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRACKING_MODE must be %q or %q, got %q", TrackingModeQueue, TrackingModeStream, c.TrackingMode))
	}

	switch c.ContentCacheStorage {
	case CacheStorageMemory:
	case CacheStorageRedis:
		if !c.RedisEnabled() {
			errs = append(errs, errors.New("CONTENT_CACHE_STORAGE=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONTENT_CACHE_STORAGE must be %q or %q, got %q", CacheStorageMemory, CacheStorageRedis, c.ContentCacheStorage))
	}

	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("RETENTION_DAYS must not be negative"))
	}
	if c.RetentionDays > 0 && c.RetentionInterval <= 0 {
		errs = append(errs, errors.New("RETENTION_INTERVAL must be positive when RETENTION_DAYS is set"))
	}
	if c.TrackingWorkers <= 0 {
		errs = append(errs, errors.New("TRACKING_WORKERS must be positive"))
	}

	return errors.Join(errs...)
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing or values conflict.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDatabase parses only what the maintenance commands need.
func LoadDatabase() (*DatabaseConfig, error) {
	cfg := &DatabaseConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DatabaseConfig is the subset of Config used by cmd/cleanup.
type DatabaseConfig struct {
	DatabaseURL   string `env:"DATABASE_URL,required,notEmpty"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"90"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
}
