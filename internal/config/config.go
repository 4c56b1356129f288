// Package config handles application configuration from environment variables.
//
// All variables share the PAYGUARD_ prefix. Secrets must be provided via the
// environment (never hardcoded) and are never logged.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/payguard/payguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Durable store (policies, audit logs)
	DatabaseURL string

	// Fast key/value substrate (budgets, idempotency, caches)
	RedisURL string

	// Payment backend
	PaymentProvider      string // "rest" (Razorpay-style payouts API) or "stripe"
	PaymentAPIBase       string
	PaymentKeyID         string
	PaymentKeySecret     string
	PaymentAccountNumber string // payouts account for pull-mode listing
	StripeAPIKey         string
	WebhookSecret        string // shared secret for push-mode HMAC verification

	// Threat intel
	SafeBrowsingKey string
	SafeBrowsingURL string

	// Identity verification (advisory)
	GLEIFURL string

	// Human-in-the-loop notifications
	SlackWebhookURL string
	NtfyURL         string
	NtfyTopic       string
	NtfyToken       string

	// Ingress
	PollInterval  int // seconds
	AutoPoll      bool
	InFlightLimit int

	// Resilience
	BreakerThreshold    int
	BreakerResetSeconds int

	// Per-agent rate limiting (0 disables)
	RateLimitMax           int
	RateLimitWindowSeconds int

	// Audit
	AuditFallbackDir string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPaymentAPIBase  = "https://api.razorpay.com/v1"
	DefaultSafeBrowsingURL = "https://safebrowsing.googleapis.com/v4/threatMatches:find"
	DefaultGLEIFURL        = "https://api.gleif.org/api/v1/lei-records"
	DefaultNtfyURL         = "https://ntfy.sh"
	DefaultPollInterval    = 30
	DefaultInFlightLimit   = 64
	DefaultBreakerTrips    = 5
	DefaultBreakerReset    = 30
	DefaultRateLimitMax    = 10
	DefaultRateLimitWindow = 60
	DefaultFallbackDir     = "./audit_fallback"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PAYGUARD_PORT", DefaultPort),
		Env:       getEnv("PAYGUARD_ENV", DefaultEnv),
		LogLevel:  getEnv("PAYGUARD_LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("PAYGUARD_LOG_FORMAT", "json"),

		DatabaseURL: os.Getenv("PAYGUARD_DATABASE_URL"),
		RedisURL:    getEnv("PAYGUARD_REDIS_URL", "redis://localhost:6379/0"),

		PaymentProvider:      getEnv("PAYGUARD_PAYMENT_PROVIDER", "rest"),
		PaymentAPIBase:       getEnv("PAYGUARD_PAYMENT_API_BASE", DefaultPaymentAPIBase),
		PaymentKeyID:         os.Getenv("PAYGUARD_PAYMENT_KEY_ID"),
		PaymentKeySecret:     os.Getenv("PAYGUARD_PAYMENT_KEY_SECRET"),
		PaymentAccountNumber: os.Getenv("PAYGUARD_PAYMENT_ACCOUNT_NUMBER"),
		StripeAPIKey:         os.Getenv("PAYGUARD_STRIPE_API_KEY"),
		WebhookSecret:        os.Getenv("PAYGUARD_WEBHOOK_SECRET"),

		SafeBrowsingKey: os.Getenv("PAYGUARD_SAFE_BROWSING_KEY"),
		SafeBrowsingURL: getEnv("PAYGUARD_SAFE_BROWSING_URL", DefaultSafeBrowsingURL),

		GLEIFURL: getEnv("PAYGUARD_GLEIF_URL", DefaultGLEIFURL),

		SlackWebhookURL: os.Getenv("PAYGUARD_SLACK_WEBHOOK_URL"),
		NtfyURL:         getEnv("PAYGUARD_NTFY_URL", DefaultNtfyURL),
		NtfyTopic:       os.Getenv("PAYGUARD_NTFY_TOPIC"),
		NtfyToken:       os.Getenv("PAYGUARD_NTFY_TOKEN"),

		PollInterval:  getEnvInt("PAYGUARD_POLL_INTERVAL", DefaultPollInterval),
		AutoPoll:      getEnvBool("PAYGUARD_AUTO_POLL", false),
		InFlightLimit: getEnvInt("PAYGUARD_IN_FLIGHT_LIMIT", DefaultInFlightLimit),

		BreakerThreshold:    getEnvInt("PAYGUARD_BREAKER_THRESHOLD", DefaultBreakerTrips),
		BreakerResetSeconds: getEnvInt("PAYGUARD_BREAKER_RESET_SECONDS", DefaultBreakerReset),

		RateLimitMax:           getEnvInt("PAYGUARD_RATE_LIMIT_MAX", DefaultRateLimitMax),
		RateLimitWindowSeconds: getEnvInt("PAYGUARD_RATE_LIMIT_WINDOW_SECONDS", DefaultRateLimitWindow),

		AuditFallbackDir: getEnv("PAYGUARD_AUDIT_FALLBACK_DIR", DefaultFallbackDir),

		OTLPEndpoint: os.Getenv("PAYGUARD_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("PAYGUARD_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("PAYGUARD_REDIS_URL is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("PAYGUARD_WEBHOOK_SECRET is required")
	}

	switch c.PaymentProvider {
	case "rest":
		if c.PaymentKeyID == "" || c.PaymentKeySecret == "" {
			return fmt.Errorf("PAYGUARD_PAYMENT_KEY_ID and PAYGUARD_PAYMENT_KEY_SECRET are required for the rest provider")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("PAYGUARD_STRIPE_API_KEY is required for the stripe provider")
		}
	default:
		return fmt.Errorf("unknown payment provider %q (want rest or stripe)", c.PaymentProvider)
	}

	// The reputation check is fail-closed; running without a key would
	// reject every payout with a vendor URL. Allow it only in development.
	if c.SafeBrowsingKey == "" && c.IsProduction() {
		return fmt.Errorf("PAYGUARD_SAFE_BROWSING_KEY is required in production")
	}

	if c.PollInterval < 5 || c.PollInterval > 300 {
		return fmt.Errorf("PAYGUARD_POLL_INTERVAL must be between 5 and 300 seconds")
	}
	if c.InFlightLimit <= 0 {
		return fmt.Errorf("PAYGUARD_IN_FLIGHT_LIMIT must be positive")
	}

	// Notification transports reach out from inside the deployment, so a
	// mis-set URL must not point at internal infrastructure.
	if c.IsProduction() {
		if c.SlackWebhookURL != "" {
			if err := security.ValidateEndpointURL(c.SlackWebhookURL); err != nil {
				return fmt.Errorf("PAYGUARD_SLACK_WEBHOOK_URL: %w", err)
			}
		}
		if c.NtfyTopic != "" {
			if err := security.ValidateEndpointURL(c.NtfyURL); err != nil {
				return fmt.Errorf("PAYGUARD_NTFY_URL: %w", err)
			}
		}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
