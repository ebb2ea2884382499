package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	DatabaseURL   string // empty selects the in-memory store
	RunMigrations bool

	// Redis (empty address keeps locks and pushes in-process)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Payment provider
	StripeAPIURL        string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	PaymentTimeout      time.Duration
	MinChargeMinorUnits int64

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Auto-replenish
	ReplenishInterval    time.Duration
	ReplenishConcurrency int
	ReplenishLockTTL     time.Duration
	LowBalanceThreshold  int64
	LowBalanceNoticeTTL  time.Duration

	// Email
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	MailFrom string

	// Auth
	ServiceSecret string
	JWTSecret     string

	// HTTP surface
	UsageRateLimit string
	AllowedOrigins []string

	// Cache
	BillingCacheTTL time.Duration

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		RunMigrations: v.GetBool("RUN_MIGRATIONS"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		StripeAPIURL:        v.GetString("STRIPE_API_URL"),
		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		StripeSuccessURL:    v.GetString("STRIPE_SUCCESS_URL"),
		StripeCancelURL:     v.GetString("STRIPE_CANCEL_URL"),
		PaymentTimeout:      v.GetDuration("PAYMENT_TIMEOUT"),
		MinChargeMinorUnits: v.GetInt64("MIN_CHARGE_MINOR_UNITS"),

		MaxRetries:     v.GetInt("MAX_RETRIES"),
		InitialBackoff: v.GetDuration("INITIAL_BACKOFF"),
		MaxConcurrency: v.GetInt("MAX_CONCURRENCY"),

		ReplenishInterval:    v.GetDuration("REPLENISH_INTERVAL"),
		ReplenishConcurrency: v.GetInt("REPLENISH_CONCURRENCY"),
		ReplenishLockTTL:     v.GetDuration("REPLENISH_LOCK_TTL"),
		LowBalanceThreshold:  v.GetInt64("LOW_BALANCE_THRESHOLD"),
		LowBalanceNoticeTTL:  v.GetDuration("LOW_BALANCE_NOTICE_INTERVAL"),

		SMTPHost: v.GetString("SMTP_HOST"),
		SMTPPort: v.GetInt("SMTP_PORT"),
		SMTPUser: v.GetString("SMTP_USER"),
		SMTPPass: v.GetString("SMTP_PASS"),
		MailFrom: v.GetString("MAIL_FROM"),

		ServiceSecret: v.GetString("MICROSERVICE_SECRET_KEY"),
		JWTSecret:     v.GetString("JWT_SECRET"),

		UsageRateLimit: v.GetString("USAGE_RATE_LIMIT"),
		AllowedOrigins: splitList(v.GetString("FRONTEND_ORIGIN")),

		BillingCacheTTL: v.GetDuration("BILLING_CACHE_TTL"),

		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("RUN_MIGRATIONS", true)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("STRIPE_API_URL", "https://api.stripe.com")
	v.SetDefault("STRIPE_SECRET_KEY", "")
	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("STRIPE_SUCCESS_URL", "http://localhost:3000/billing/success")
	v.SetDefault("STRIPE_CANCEL_URL", "http://localhost:3000/billing")
	v.SetDefault("PAYMENT_TIMEOUT", "10s")
	v.SetDefault("MIN_CHARGE_MINOR_UNITS", 50)

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("INITIAL_BACKOFF", "100ms")
	v.SetDefault("MAX_CONCURRENCY", 20)

	v.SetDefault("REPLENISH_INTERVAL", "10s")
	v.SetDefault("REPLENISH_CONCURRENCY", 8)
	v.SetDefault("REPLENISH_LOCK_TTL", "30s")
	v.SetDefault("LOW_BALANCE_THRESHOLD", 1000)
	v.SetDefault("LOW_BALANCE_NOTICE_INTERVAL", "24h")

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASS", "")
	v.SetDefault("MAIL_FROM", "no-reply@localhost")

	v.SetDefault("MICROSERVICE_SECRET_KEY", "")
	v.SetDefault("JWT_SECRET", "ledger-default-dev-secret-change-me")

	v.SetDefault("USAGE_RATE_LIMIT", "600-M")
	v.SetDefault("FRONTEND_ORIGIN", "http://localhost:3000")

	v.SetDefault("BILLING_CACHE_TTL", "5m")

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
}

// splitList parses a comma-separated value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
