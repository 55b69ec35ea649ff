// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the monitoring HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// SchedulerConfig provides settings for the asynq broker.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// AnalyticsConfig provides settings for the analytics collaborator.
type AnalyticsConfig interface {
	GetAnalyticsURL() string
	GetAnalyticsAPIKey() string
	IsAnalyticsEnabled() bool
}

// IntelligenceQueueConfig provides the tuning knobs of the intelligence queue.
type IntelligenceQueueConfig interface {
	GetDebounceWindow() time.Duration
	GetGracePeriod() time.Duration
	GetStuckTimeout() time.Duration
	GetReclaimInterval() time.Duration
	GetPollInterval() time.Duration
	GetActivityConcurrency() int
	GetBatchConcurrency() int
	GetMaxRetries() int
	GetCompletedRetention() time.Duration
	GetCleanupInterval() time.Duration
	GetWorkerID() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// QueueSettings holds the intelligence queue settings. Millisecond values keep
// the environment format identical to the dashboard's settings screen.
type QueueSettings struct {
	DebounceWindowMS        int64  `env:"INTEL_QUEUE_DEBOUNCE_WINDOW_MS" envDefault:"300000"`
	GracePeriodMS           int64  `env:"INTEL_QUEUE_GRACE_PERIOD_MS" envDefault:"300000"`
	StuckTimeoutMS          int64  `env:"INTEL_QUEUE_STUCK_TIMEOUT_MS" envDefault:"300000"`
	ReclaimIntervalMS       int64  `env:"INTEL_QUEUE_RECLAIM_INTERVAL_MS" envDefault:"300000"`
	PollIntervalMS          int64  `env:"INTEL_QUEUE_POLL_INTERVAL_MS" envDefault:"5000"`
	ActivityConcurrency     int    `env:"INTEL_QUEUE_ACTIVITY_CONCURRENCY" envDefault:"10"`
	BatchConcurrency        int    `env:"INTEL_QUEUE_BATCH_CONCURRENCY" envDefault:"5"`
	MaxRetries              int    `env:"INTEL_QUEUE_MAX_RETRIES" envDefault:"3"`
	CompletedRetentionHours int    `env:"INTEL_QUEUE_COMPLETED_RETENTION_HOURS" envDefault:"168"`
	CleanupIntervalMS       int64  `env:"INTEL_QUEUE_CLEANUP_INTERVAL_MS" envDefault:"3600000"`
	WorkerID                string `env:"INTEL_QUEUE_WORKER_ID"`
}

// Config holds all application configuration values.
type Config struct {
	Env              string
	HTTPAddr         string
	DatabaseURL      string
	JWTAccessSecret  string
	CORSAllowAll     bool
	CORSOrigins      []string
	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int
	AnalyticsURL     string
	AnalyticsAPIKey  string
	Queue            QueueSettings
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// AnalyticsConfig implementation
func (c *Config) GetAnalyticsURL() string    { return c.AnalyticsURL }
func (c *Config) GetAnalyticsAPIKey() string { return c.AnalyticsAPIKey }
func (c *Config) IsAnalyticsEnabled() bool   { return c.AnalyticsURL != "" }

// IntelligenceQueueConfig implementation
func (c *Config) GetDebounceWindow() time.Duration  { return millis(c.Queue.DebounceWindowMS) }
func (c *Config) GetGracePeriod() time.Duration     { return millis(c.Queue.GracePeriodMS) }
func (c *Config) GetStuckTimeout() time.Duration    { return millis(c.Queue.StuckTimeoutMS) }
func (c *Config) GetReclaimInterval() time.Duration { return millis(c.Queue.ReclaimIntervalMS) }
func (c *Config) GetPollInterval() time.Duration    { return millis(c.Queue.PollIntervalMS) }
func (c *Config) GetActivityConcurrency() int       { return c.Queue.ActivityConcurrency }
func (c *Config) GetBatchConcurrency() int          { return c.Queue.BatchConcurrency }
func (c *Config) GetMaxRetries() int                { return c.Queue.MaxRetries }
func (c *Config) GetCompletedRetention() time.Duration {
	return time.Duration(c.Queue.CompletedRetentionHours) * time.Hour
}
func (c *Config) GetCleanupInterval() time.Duration { return millis(c.Queue.CleanupIntervalMS) }
func (c *Config) GetWorkerID() string               { return c.Queue.WorkerID }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		JWTAccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:     corsAllowAll,
		CORSOrigins:      corsOrigins,
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "intelligence"),
		AsynqConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		AnalyticsURL:     strings.TrimRight(getEnv("ANALYTICS_URL", ""), "/"),
		AnalyticsAPIKey:  getEnv("ANALYTICS_API_KEY", ""),
	}

	if err := env.Parse(&cfg.Queue); err != nil {
		return nil, fmt.Errorf("parse intelligence queue settings: %w", err)
	}
	if cfg.Queue.WorkerID == "" {
		cfg.Queue.WorkerID = defaultWorkerID()
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		return nil, fmt.Errorf("INTEL_QUEUE_POLL_INTERVAL_MS must be positive")
	}
	if cfg.Queue.DebounceWindowMS <= 0 {
		return nil, fmt.Errorf("INTEL_QUEUE_DEBOUNCE_WINDOW_MS must be positive")
	}
	if cfg.Queue.GracePeriodMS < 0 {
		return nil, fmt.Errorf("INTEL_QUEUE_GRACE_PERIOD_MS cannot be negative")
	}
	if cfg.Queue.ActivityConcurrency < 1 || cfg.Queue.BatchConcurrency < 1 {
		return nil, fmt.Errorf("intelligence queue concurrency ceilings must be at least 1")
	}
	if cfg.Queue.MaxRetries < 0 {
		return nil, fmt.Errorf("INTEL_QUEUE_MAX_RETRIES cannot be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func millis(value int64) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
