package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Redis         RedisConfig         `json:"redis"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Offers        OfferConfig         `json:"offers"`
	Notifications NotificationConfig  `json:"notifications"`
	Pricing       PricingConfig       `json:"pricing"`
	Worker        WorkerConfig        `json:"worker"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig holds the cooldown store configuration. When Addr is empty the
// in-memory store is used instead.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// OfferConfig governs offer lifecycle.
//
// A single TTL covers both claimability and visibility: once an offer is past
// TTLSeconds it can neither be claimed nor listed. The source scenario's
// separate 2-day advertisement window was intentionally collapsed into this
// one semantic.
type OfferConfig struct {
	TTLSeconds           int `json:"ttl_seconds"`            // claim window, default 5 minutes
	RetentionSeconds     int `json:"retention_seconds"`      // audit window after expiry before purge
	StalenessSeconds     int `json:"staleness_seconds"`      // processing attempts older than this are abandoned
	SweepIntervalSeconds int `json:"sweep_interval_seconds"` // expiration manager tick
}

// NotificationConfig governs eligibility matching and cooldown suppression.
type NotificationConfig struct {
	CooldownSeconds    int   `json:"cooldown_seconds"`    // per claimant/category/locality
	ProximityThreshold int64 `json:"proximity_threshold"` // max |claimant locality - item locality|
	LookbackDays       int   `json:"lookback_days"`       // interest recency window
}

// PricingConfig holds the discount recovery-cost model.
type PricingConfig struct {
	FixedHandlingCost float64 `json:"fixed_handling_cost"`
	PercentOfPrice    float64 `json:"percent_of_price"`
	ShareOfSavings    float64 `json:"share_of_savings"`
	FloorFraction     float64 `json:"floor_fraction"`
}

// WorkerConfig holds the offer generation worker pool configuration.
type WorkerConfig struct {
	Workers       int `json:"workers"`
	QueueSize     int `json:"queue_size"`
	MaxAttempts   int `json:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms"` // exponential: base * 2^attempt
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./flash_sale.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Offers: OfferConfig{
			TTLSeconds:           getEnvInt("OFFER_TTL_SECONDS", 300),
			RetentionSeconds:     getEnvInt("OFFER_RETENTION_SECONDS", 3600),
			StalenessSeconds:     getEnvInt("CLAIM_STALENESS_SECONDS", 30),
			SweepIntervalSeconds: getEnvInt("EXPIRY_SWEEP_INTERVAL_SECONDS", 5),
		},
		Notifications: NotificationConfig{
			CooldownSeconds:    getEnvInt("NOTIFICATION_COOLDOWN_SECONDS", 86400),
			ProximityThreshold: getEnvInt64("PROXIMITY_THRESHOLD", 100000),
			LookbackDays:       getEnvInt("INTEREST_LOOKBACK_DAYS", 14),
		},
		Pricing: PricingConfig{
			FixedHandlingCost: getEnvFloat("PRICING_FIXED_HANDLING_COST", 0),
			PercentOfPrice:    getEnvFloat("PRICING_PERCENT_OF_PRICE", 0.15),
			ShareOfSavings:    getEnvFloat("PRICING_SHARE_OF_SAVINGS", 0.75),
			FloorFraction:     getEnvFloat("PRICING_FLOOR_FRACTION", 0.70),
		},
		Worker: WorkerConfig{
			Workers:       getEnvInt("WORKER_COUNT", 4),
			QueueSize:     getEnvInt("WORKER_QUEUE_SIZE", 256),
			MaxAttempts:   getEnvInt("WORKER_MAX_ATTEMPTS", 3),
			BackoffBaseMS: getEnvInt("WORKER_BACKOFF_BASE_MS", 1000),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		// Environment variables take precedence over file values
		overrideFromEnv(cfg)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = d
		}
	}
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = enabled == "true" || enabled == "1"
	}
	if rate := os.Getenv("RATE_LIMIT_RATE"); rate != "" {
		if r, err := strconv.Atoi(rate); err == nil {
			cfg.RateLimit.Rate = r
		}
	}
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		if w, err := strconv.Atoi(window); err == nil {
			cfg.RateLimit.Window = w
		}
	}
	if ttl := os.Getenv("OFFER_TTL_SECONDS"); ttl != "" {
		if v, err := strconv.Atoi(ttl); err == nil {
			cfg.Offers.TTLSeconds = v
		}
	}
	if retention := os.Getenv("OFFER_RETENTION_SECONDS"); retention != "" {
		if v, err := strconv.Atoi(retention); err == nil {
			cfg.Offers.RetentionSeconds = v
		}
	}
	if staleness := os.Getenv("CLAIM_STALENESS_SECONDS"); staleness != "" {
		if v, err := strconv.Atoi(staleness); err == nil {
			cfg.Offers.StalenessSeconds = v
		}
	}
	if cooldown := os.Getenv("NOTIFICATION_COOLDOWN_SECONDS"); cooldown != "" {
		if v, err := strconv.Atoi(cooldown); err == nil {
			cfg.Notifications.CooldownSeconds = v
		}
	}
	if workers := os.Getenv("WORKER_COUNT"); workers != "" {
		if v, err := strconv.Atoi(workers); err == nil {
			cfg.Worker.Workers = v
		}
	}
	if attempts := os.Getenv("WORKER_MAX_ATTEMPTS"); attempts != "" {
		if v, err := strconv.Atoi(attempts); err == nil {
			cfg.Worker.MaxAttempts = v
		}
	}
}

// OfferTTL returns the claim window as a duration.
func (c *Config) OfferTTL() time.Duration {
	return time.Duration(c.Offers.TTLSeconds) * time.Second
}

// RetentionWindow returns the post-expiry audit window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Offers.RetentionSeconds) * time.Second
}

// StalenessTimeout returns the processing-attempt abandonment timeout.
func (c *Config) StalenessTimeout() time.Duration {
	return time.Duration(c.Offers.StalenessSeconds) * time.Second
}

// SweepInterval returns the expiration manager tick interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Offers.SweepIntervalSeconds) * time.Second
}

// NotificationCooldown returns the per-claimant cooldown window.
func (c *Config) NotificationCooldown() time.Duration {
	return time.Duration(c.Notifications.CooldownSeconds) * time.Second
}

// InterestLookback returns the interest recency window.
func (c *Config) InterestLookback() time.Duration {
	return time.Duration(c.Notifications.LookbackDays) * 24 * time.Hour
}

// BackoffBase returns the worker retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Worker.BackoffBaseMS) * time.Millisecond
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Offers.TTLSeconds <= 0 {
		return fmt.Errorf("offer TTL must be positive")
	}
	if c.Offers.StalenessSeconds <= 0 {
		return fmt.Errorf("claim staleness timeout must be positive")
	}
	if c.Offers.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("expiry sweep interval must be positive")
	}
	if c.Pricing.FloorFraction < 0 || c.Pricing.FloorFraction > 1 {
		return fmt.Errorf("pricing floor fraction must be between 0 and 1")
	}
	if c.Pricing.ShareOfSavings < 0 || c.Pricing.ShareOfSavings > 1 {
		return fmt.Errorf("pricing share of savings must be between 0 and 1")
	}
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max attempts must be positive")
	}
	return nil
}
