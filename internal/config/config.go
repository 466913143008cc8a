// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/voicedesk/voicedesk/internal/idgen"
)

// Negative balance policies applied by usage deduction.
const (
	BalancePolicyAllow = "allow" // balance may go below zero; account is flagged
	BalancePolicyFloor = "floor" // balance is clamped at zero
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret    string
	JWTSecret      string
	VaultMasterKey string // 32 bytes, hex encoded
	RateLimitRPS   int
	RateLimitBurst int

	// Credits
	DeductionMarkup       string // multiplier applied to usage cost, e.g. "1.20"
	NegativeBalancePolicy string
	SchedulerPollInterval time.Duration

	// Notifications
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Integrations
	StripeWebhookSecret string
	OTLPEndpoint        string
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultDeductionMarkup       = "1.20"
	DefaultSchedulerPollInterval = 15 * time.Second
	DefaultRateLimitRPS          = 20
	DefaultRateLimitBurst        = 40
	DefaultSMTPPort              = "587"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		VaultMasterKey:        os.Getenv("VAULT_MASTER_KEY"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimitRPS)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DeductionMarkup:       getEnv("DEDUCTION_MARKUP", DefaultDeductionMarkup),
		NegativeBalancePolicy: getEnv("NEGATIVE_BALANCE_POLICY", BalancePolicyAllow),
		SchedulerPollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", DefaultSchedulerPollInterval),
		SMTPHost:              os.Getenv("SMTP_HOST"),
		SMTPPort:              getEnv("SMTP_PORT", DefaultSMTPPort),
		SMTPUsername:          os.Getenv("SMTP_USERNAME"),
		SMTPPassword:          os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:              os.Getenv("SMTP_FROM"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Development gets ephemeral secrets so the server boots without setup.
	// Tokens and sealed secrets do not survive a restart in that mode.
	if !cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = idgen.Hex(32)
		}
		if cfg.VaultMasterKey == "" {
			cfg.VaultMasterKey = idgen.Hex(32)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	key, err := hex.DecodeString(c.VaultMasterKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("VAULT_MASTER_KEY must be 64 hex characters")
	}

	markup, err := decimal.NewFromString(c.DeductionMarkup)
	if err != nil {
		return fmt.Errorf("DEDUCTION_MARKUP must be a decimal number: %w", err)
	}
	if markup.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("DEDUCTION_MARKUP must be at least 1")
	}

	switch c.NegativeBalancePolicy {
	case BalancePolicyAllow, BalancePolicyFloor:
	default:
		return fmt.Errorf("NEGATIVE_BALANCE_POLICY must be %q or %q", BalancePolicyAllow, BalancePolicyFloor)
	}

	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

// SMTPEnabled reports whether outbound mail is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
