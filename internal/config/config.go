package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
)

// Config holds all configuration for sellerpilot processes
type Config struct {
	// DatabaseURL is the Postgres connection URL (rules, executions, jobs, tokens)
	DatabaseURL string
	// RedisURL is the connection URL for Redis (locks and trigger state)
	RedisURL string
	// APIPort is the port the HTTP API listens on
	APIPort string

	// Marketplace holds the partner API settings and the process-wide default credentials
	Marketplace MarketplaceConfig

	// Timezone is the single reference timezone all rule windows are evaluated in
	Timezone string
	// Concurrency bounds how many rules are in flight at once within a tick
	Concurrency int
	// TickDeadline is the soft deadline of one tick; rules not started by then are deferred
	TickDeadline time.Duration
	// JobSafetyBuffer is how close to its target instant a job may still execute
	JobSafetyBuffer time.Duration
	// GuardLockTTL bounds the per-(account, window) lock held from duplicate check to create
	GuardLockTTL time.Duration

	// TriggerEnabled enables the periodic trigger loop
	TriggerEnabled bool
	// TriggerCron is the cron expression of the periodic full sweep
	TriggerCron string
	// TriggerPollInterval is how often the trigger loop checks whether a sweep is due
	TriggerPollInterval time.Duration

	// Logging configuration
	Logging *logger.Config
}

// MarketplaceConfig configures the signed partner API client
type MarketplaceConfig struct {
	BaseURL string
	// PartnerID and PartnerKey are the defaults used when an account has no override
	PartnerID  int64
	PartnerKey string
	// Timeout is the per-request HTTP timeout
	Timeout time.Duration
	// RateLimit is the sustained requests per second allowed towards the marketplace
	RateLimit float64
	// RateBurst is the limiter burst size
	RateBurst int
}

// LoadConfig loads configuration from the environment, reading a .env file first if present
func LoadConfig() (*Config, error) {
	// a missing .env is fine; real environment variables take precedence
	_ = godotenv.Load(getEnv("ENV_FILE", ".env"))

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		APIPort:     getEnv("API_PORT", "8080"),
		Marketplace: MarketplaceConfig{
			BaseURL:    getEnv("MARKETPLACE_BASE_URL", "https://partner.shopeemobile.com"),
			PartnerID:  getEnvAsInt64("MARKETPLACE_PARTNER_ID", 0),
			PartnerKey: getEnv("MARKETPLACE_PARTNER_KEY", ""),
			Timeout:    getEnvAsDuration("MARKETPLACE_TIMEOUT", 15*time.Second),
			RateLimit:  getEnvAsFloat("MARKETPLACE_RATE_LIMIT", 5),
			RateBurst:  getEnvAsInt("MARKETPLACE_RATE_BURST", 3),
		},
		Timezone:            getEnv("ENGINE_TIMEZONE", "UTC"),
		Concurrency:         getEnvAsInt("ENGINE_CONCURRENCY", 3),
		TickDeadline:        getEnvAsDuration("ENGINE_TICK_DEADLINE", 10*time.Minute),
		JobSafetyBuffer:     getEnvAsDuration("JOB_SAFETY_BUFFER", 3*time.Minute),
		GuardLockTTL:        getEnvAsDuration("GUARD_LOCK_TTL", 2*time.Minute),
		TriggerEnabled:      getEnvAsBool("TRIGGER_ENABLED", true),
		TriggerCron:         getEnv("TRIGGER_CRON", "*/30 * * * *"),
		TriggerPollInterval: getEnvAsDuration("TRIGGER_POLL_INTERVAL", 15*time.Second),
		Logging:             loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.APIPort == "" {
		return fmt.Errorf("API_PORT cannot be empty")
	}
	if c.Marketplace.BaseURL == "" {
		return fmt.Errorf("MARKETPLACE_BASE_URL cannot be empty")
	}
	if c.Marketplace.PartnerID <= 0 || c.Marketplace.PartnerKey == "" {
		return fmt.Errorf("MARKETPLACE_PARTNER_ID and MARKETPLACE_PARTNER_KEY are required")
	}
	if c.Marketplace.RateLimit <= 0 {
		return fmt.Errorf("MARKETPLACE_RATE_LIMIT must be positive")
	}
	if c.Marketplace.RateBurst < 1 {
		return fmt.Errorf("MARKETPLACE_RATE_BURST must be at least 1")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid ENGINE_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.Concurrency < 1 || c.Concurrency > 16 {
		return fmt.Errorf("ENGINE_CONCURRENCY must be between 1 and 16 (got %d)", c.Concurrency)
	}
	if c.TickDeadline <= 0 {
		return fmt.Errorf("ENGINE_TICK_DEADLINE must be positive")
	}
	if c.JobSafetyBuffer < 0 {
		return fmt.Errorf("JOB_SAFETY_BUFFER cannot be negative")
	}
	if c.TriggerEnabled && c.TriggerPollInterval < time.Second {
		return fmt.Errorf("TRIGGER_POLL_INTERVAL too short: %v (minimum 1s)", c.TriggerPollInterval)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

// Location returns the reference timezone. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/sellerpilot/sellerpilot.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
