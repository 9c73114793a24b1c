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

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing disabled if not set)

	// Security
	AdminSecret  string // Bootstrap admin API secret
	RateLimitRPM int    // Requests per minute per actor on mutating routes

	// Lifecycle policy
	RequestTTL       time.Duration // SENT requests older than this are expired by the sweep
	IdempotencyTTL   time.Duration // Idempotency records are kept this long
	SweepInterval    time.Duration // How often the recovery timer runs
	LockWaitTimeout  time.Duration // Bounded wait for a request row lock
	ListingExpiry    time.Duration // Approved listings older than this may be expired
	CredentialExpiry time.Duration // Default API key lifetime

	// Trust policy (see trust.Policy)
	TrustBaseline       float64
	TrustCompletedWeight float64
	TrustAgeWeight       float64
	TrustCancelPenalty   float64
	TrustDisputePenalty  float64
	TrustFlagPenalty     float64
	TrustTrustedScore    float64
	TrustWatchedScore    float64
	TrustRestrictedScore float64
	TrustMinCompleted    int // Completed exchanges required before the trusted tier

	// Fraud policy
	FraudYoungAccountDays  int
	FraudBurstListings     int
	FraudBurstCancellations int
	FraudRepeatDisputes    int

	// Restriction policy
	RestrictionDisputeLimit int // Active disputes before a watched user loses mutating capabilities
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 120
	DefaultRequestTTL    = 7 * 24 * time.Hour
	DefaultIdemTTL       = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
	DefaultLockWait      = 3 * time.Second
	DefaultListingExpiry = 60 * 24 * time.Hour
	DefaultKeyExpiry     = 90 * 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),

		RequestTTL:       getEnvDuration("REQUEST_TTL", DefaultRequestTTL),
		IdempotencyTTL:   getEnvDuration("IDEMPOTENCY_TTL", DefaultIdemTTL),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LockWaitTimeout:  getEnvDuration("LOCK_WAIT_TIMEOUT", DefaultLockWait),
		ListingExpiry:    getEnvDuration("LISTING_EXPIRY", DefaultListingExpiry),
		CredentialExpiry: getEnvDuration("CREDENTIAL_EXPIRY", DefaultKeyExpiry),

		TrustBaseline:        getEnvFloat("TRUST_BASELINE", 50),
		TrustCompletedWeight: getEnvFloat("TRUST_COMPLETED_WEIGHT", 30),
		TrustAgeWeight:       getEnvFloat("TRUST_AGE_WEIGHT", 10),
		TrustCancelPenalty:   getEnvFloat("TRUST_CANCEL_PENALTY", 4),
		TrustDisputePenalty:  getEnvFloat("TRUST_DISPUTE_PENALTY", 12),
		TrustFlagPenalty:     getEnvFloat("TRUST_FLAG_PENALTY", 20),
		TrustTrustedScore:    getEnvFloat("TRUST_TRUSTED_SCORE", 70),
		TrustWatchedScore:    getEnvFloat("TRUST_WATCHED_SCORE", 45),
		TrustRestrictedScore: getEnvFloat("TRUST_RESTRICTED_SCORE", 25),
		TrustMinCompleted:    int(getEnvInt64("TRUST_MIN_COMPLETED", 3)),

		FraudYoungAccountDays:   int(getEnvInt64("FRAUD_YOUNG_ACCOUNT_DAYS", 7)),
		FraudBurstListings:      int(getEnvInt64("FRAUD_BURST_LISTINGS", 5)),
		FraudBurstCancellations: int(getEnvInt64("FRAUD_BURST_CANCELLATIONS", 3)),
		FraudRepeatDisputes:     int(getEnvInt64("FRAUD_REPEAT_DISPUTES", 2)),

		RestrictionDisputeLimit: int(getEnvInt64("RESTRICTION_DISPUTE_LIMIT", 2)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.RequestTTL <= 0 {
		return fmt.Errorf("REQUEST_TTL must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT must be positive")
	}
	if c.TrustRestrictedScore >= c.TrustWatchedScore || c.TrustWatchedScore >= c.TrustTrustedScore {
		return fmt.Errorf("trust score cutoffs must be ordered: restricted < watched < trusted")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
