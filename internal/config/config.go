package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	PublicBaseURL      string

	LogLevel            string
	LogFormat           string
	MetricsEnabled      bool
	MetricsNamespace    string
	HTTPLatencyBuckets  string
	OTelEnabled         bool
	OTelExporter        string
	OTelEndpoint        string
	OTelServiceName     string
	OTelSamplingRatio   float64
	ShutdownGracePeriod time.Duration

	DBMaxConns         int
	DBMinConns         int
	DBConnectMaxWait   time.Duration
	RunMigrations      bool
	IdempotencyTTL     time.Duration
	MaxBodyBytes       int64
	SecurityHeaders    bool
	EnableHSTS         bool
	ProductCacheTTL    time.Duration
	DefaultCurrency    string
	DefaultPerUserUses int
	CouponHoldTTL      time.Duration
	AuditEnabled       bool

	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration

	PaymentProvider      string
	StripeSecretKey      string
	StripeWebhookSecret  string
	StripeBaseURL        string
	PaymentWebhookReplay time.Duration

	OutboundTimeout       time.Duration
	RetryBase             time.Duration
	RetryMaxAttempts      int
	RetryJitterPercent    float64
	CircuitMinRequests    int
	CircuitFailureRatio   float64
	CircuitOpenFor        time.Duration
	TaxRegistryBaseURL    string
	TaxLookupCacheTTL     time.Duration
	RateLimitCouponVerify string
	RateLimitTaxLookup    string
	RateLimitLogin        string

	WebhookDeliveryEnabled    bool
	WebhookRequestTimeout     time.Duration
	WebhookBackoffBaseSec     int
	WebhookDefaultMaxAttempts int
	WebhookReplayTTL          time.Duration
	WebhookAllowInsecureTLS   bool
	WorkerConcurrency         int
	LockTTL                   time.Duration
	LockRetryBackoff          time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),

		LogLevel:            valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:           valueOrDefault(k.String("LOG_FORMAT"), "json"),
		MetricsEnabled:      parseBoolDefault(k.String("METRICS_ENABLED"), true),
		MetricsNamespace:    valueOrDefault(k.String("METRICS_NAMESPACE"), "checkout"),
		HTTPLatencyBuckets:  k.String("HTTP_LATENCY_BUCKETS_MS"),
		OTelEnabled:         parseBool(k.String("OTEL_ENABLED")),
		OTelExporter:        valueOrDefault(k.String("OTEL_EXPORTER"), "otlp"),
		OTelEndpoint:        k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName:     valueOrDefault(k.String("OTEL_SERVICE_NAME"), "backend-checkout"),
		OTelSamplingRatio:   parseFloat(k.String("OTEL_TRACES_SAMPLER_RATIO"), 1),
		ShutdownGracePeriod: parseDuration(k.String("SHUTDOWN_GRACE_PERIOD"), "15s"),

		DBMaxConns:         parseInt(k.String("DB_MAX_CONNS"), 10),
		DBMinConns:         parseInt(k.String("DB_MIN_CONNS"), 0),
		DBConnectMaxWait:   parseDuration(k.String("DB_CONNECT_MAX_WAIT"), "1m"),
		RunMigrations:      parseBoolDefault(k.String("RUN_MIGRATIONS"), true),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		MaxBodyBytes:       int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),
		SecurityHeaders:    parseBoolDefault(k.String("SECURITY_HEADERS"), true),
		EnableHSTS:         parseBool(k.String("SECURITY_HSTS")),
		ProductCacheTTL:    parseDuration(k.String("PRODUCT_CACHE_TTL"), "5m"),
		DefaultCurrency:    strings.ToUpper(valueOrDefault(k.String("DEFAULT_CURRENCY"), "PLN")),
		DefaultPerUserUses: parseInt(k.String("COUPON_PER_USER_LIMIT"), 0),
		CouponHoldTTL:      parseDuration(k.String("COUPON_RESERVATION_TTL"), "1h"),
		AuditEnabled:       parseBoolDefault(k.String("AUDIT_ENABLED"), true),

		JWTSecret:      k.String("JWT_SECRET"),
		JWTIssuer:      valueOrDefault(k.String("JWT_ISSUER"), "backend-checkout"),
		JWTAudience:    valueOrDefault(k.String("JWT_AUDIENCE"), "checkout-admin"),
		AccessTokenTTL: parseDuration(k.String("ACCESS_TOKEN_TTL"), "1h"),

		PaymentProvider:      strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "stripe")),
		StripeSecretKey:      k.String("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  k.String("STRIPE_WEBHOOK_SECRET"),
		StripeBaseURL:        valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),
		PaymentWebhookReplay: parseDuration(k.String("PAYMENT_WEBHOOK_REPLAY_TTL"), "72h"),

		OutboundTimeout:       parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:             parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:      parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent:    parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests:    parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio:   parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:        parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		TaxRegistryBaseURL:    valueOrDefault(k.String("TAX_REGISTRY_BASE_URL"), "https://wl-api.mf.gov.pl"),
		TaxLookupCacheTTL:     parseDuration(k.String("TAX_LOOKUP_CACHE_TTL"), "24h"),
		RateLimitCouponVerify: valueOrDefault(k.String("RATE_LIMIT_COUPON_VERIFY"), "20-M"),
		RateLimitTaxLookup:    valueOrDefault(k.String("RATE_LIMIT_TAX_LOOKUP"), "30-M"),
		RateLimitLogin:        valueOrDefault(k.String("RATE_LIMIT_LOGIN"), "10-M"),

		WebhookDeliveryEnabled:    parseBoolDefault(k.String("WEBHOOK_DELIVERY_ENABLED"), true),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "5s"),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 5),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 6),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		WebhookAllowInsecureTLS:   parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),
		WorkerConcurrency:         parseInt(k.String("WORKER_CONCURRENCY"), 10),
		LockTTL:                   parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:          parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.PaymentProvider == "stripe" && cfg.StripeWebhookSecret == "" && cfg.AppEnv == "production" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET is required in production")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
