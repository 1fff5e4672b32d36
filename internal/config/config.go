package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable via STORE_BACKEND.
const (
	BackendSupabase = "supabase"
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// Persistence
	StoreBackend       string
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	MySQLDSN           string

	// Redis (sweep lease)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Flutterwave
	FlwBaseURL       string
	FlwSecretKey     string
	FlwEncryptionKey string
	FlwWebhookHash   string

	// Billing
	PaymentRedirectURL string
	PaymentCurrency    string
	ProPlanAmount      int64
	BasicPlanAmount    int64

	// Reconciliation
	SweepInterval        time.Duration
	SweepBatchSize       int
	SweepLeaseTTL        time.Duration
	ActivationRetryGrace time.Duration
	CallbackReverify     bool
	WebhookDedupTTL      time.Duration

	// JWT (validation only)
	JWTSecret string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 200*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendSupabase)),
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		MySQLDSN:           getEnv("MYSQL_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		FlwBaseURL:       getEnv("FLW_BASE_URL", "https://api.flutterwave.com/v3"),
		FlwSecretKey:     getEnv("FLW_SECRET_KEY", ""),
		FlwEncryptionKey: getEnv("FLW_ENCRYPTION_KEY", ""),
		FlwWebhookHash:   getEnv("FLW_WEBHOOK_HASH", ""),

		PaymentRedirectURL: getEnv("PAYMENT_REDIRECT_URL", "http://localhost:8080/v1/payments/subscription/redirect"),
		PaymentCurrency:    getEnv("PAYMENT_CURRENCY", "RWF"),
		ProPlanAmount:      getEnvInt64("PRO_PLAN_AMOUNT", 10000),
		BasicPlanAmount:    getEnvInt64("BASIC_PLAN_AMOUNT", 0),

		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 2*time.Minute),
		SweepBatchSize:       getEnvInt("SWEEP_BATCH_SIZE", 10),
		SweepLeaseTTL:        getEnvDuration("SWEEP_LEASE_TTL", 90*time.Second),
		ActivationRetryGrace: getEnvDuration("ACTIVATION_RETRY_GRACE", 5*time.Minute),
		CallbackReverify:     getEnvBool("CALLBACK_REVERIFY", true),
		WebhookDedupTTL:      getEnvDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", "billing-default-dev-secret-change-me"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
