// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk thresholds. Scores below PassThreshold pass, scores in
	// [PassThreshold, RejectThreshold) are challenged, scores at or above
	// RejectThreshold are rejected. HardRejectCeiling is the score at which
	// a challenge proof can no longer rescue an attempt.
	PassThreshold     int
	RejectThreshold   int
	HardRejectCeiling int

	// Abuse window settings
	AbuseWindow    time.Duration // Trailing window for burst detection
	AbuseThreshold int           // Events within the window before a subject is flagged

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty

	// Security
	RateLimitRPM   int
	AllowedOrigins string // Comma-separated CORS origins ("*" in demo)
}

// Defaults. Threshold constants are tunable configuration, not business rules.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPassThreshold     = 50
	DefaultRejectThreshold   = 80
	DefaultHardRejectCeiling = 95
	DefaultAbuseWindowMin    = 15
	DefaultAbuseThreshold    = 20
	DefaultRateLimit         = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PassThreshold:     getEnvInt("PASS_THRESHOLD", DefaultPassThreshold),
		RejectThreshold:   getEnvInt("REJECT_THRESHOLD", DefaultRejectThreshold),
		HardRejectCeiling: getEnvInt("HARD_REJECT_CEILING", DefaultHardRejectCeiling),
		AbuseWindow:       time.Duration(getEnvInt("ABUSE_WINDOW_MINUTES", DefaultAbuseWindowMin)) * time.Minute,
		AbuseThreshold:    getEnvInt("ABUSE_THRESHOLD", DefaultAbuseThreshold),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		AllowedOrigins:    getEnv("ALLOWED_ORIGINS", "*"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the threshold configuration is coherent
func (c *Config) Validate() error {
	if c.PassThreshold < 0 || c.PassThreshold > 100 {
		return fmt.Errorf("PASS_THRESHOLD must be in [0,100], got %d", c.PassThreshold)
	}
	if c.RejectThreshold <= c.PassThreshold || c.RejectThreshold > 100 {
		return fmt.Errorf("REJECT_THRESHOLD must be in (PASS_THRESHOLD,100], got %d", c.RejectThreshold)
	}
	if c.HardRejectCeiling < c.RejectThreshold || c.HardRejectCeiling > 100 {
		return fmt.Errorf("HARD_REJECT_CEILING must be in [REJECT_THRESHOLD,100], got %d", c.HardRejectCeiling)
	}
	if c.AbuseWindow <= 0 {
		return fmt.Errorf("ABUSE_WINDOW_MINUTES must be positive")
	}
	if c.AbuseThreshold <= 0 {
		return fmt.Errorf("ABUSE_THRESHOLD must be positive")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
