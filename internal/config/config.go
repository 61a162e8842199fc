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
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	JWTSecret    string
	AuthIssuer   string
	AuthAudience string

	CORSAllowedOrigins []string

	OrgHeaderName string
	OrgRootDomain string
	OrgDefault    string

	// Organisation-level pricing defaults, used when an org has no explicit
	// settings row. TaxRate is a fraction of 1, DepositPercent a percentage.
	DefaultTaxRate           float64
	DefaultDepositPercent    float64
	DiscountApprovalPercent  float64
	PromoPerCustomerDefault  int
	SignatureRequestValidity time.Duration

	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	RateLimitPerMinute int

	WebhookDeliveryEnabled    bool
	WebhookRequestTimeout     time.Duration
	WebhookBackoffBaseSec     int
	WebhookDefaultMaxAttempts int
	WebhookReplayTTL          time.Duration
	WebhookAllowInsecureTLS   bool

	NotifyEmailEnabled bool
	NotifyEmailFrom    string
	NotifyEmailTopics  map[string]bool

	ABAssignCacheTTL     time.Duration
	SignatureSweepEvery  time.Duration
	WorkerConcurrency    int
	UsageRollupLockKey   string
	UsageSyncEnabled     bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		JWTSecret:    k.String("JWT_SECRET"),
		AuthIssuer:   strings.TrimSpace(k.String("AUTH_ISSUER")),
		AuthAudience: strings.TrimSpace(k.String("AUTH_AUDIENCE")),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		OrgHeaderName: valueOrDefault(k.String("ORG_HEADER_NAME"), "X-Org-ID"),
		OrgRootDomain: strings.TrimSpace(k.String("ORG_ROOT_DOMAIN")),
		OrgDefault:    strings.TrimSpace(k.String("ORG_DEFAULT_SLUG")),

		DefaultTaxRate:           parseFloat(k.String("PRICING_DEFAULT_TAX_RATE"), 0.08),
		DefaultDepositPercent:    parseFloat(k.String("PRICING_DEFAULT_DEPOSIT_PERCENT"), 25),
		DiscountApprovalPercent:  parseFloat(k.String("DISCOUNT_APPROVAL_PERCENT"), 15),
		PromoPerCustomerDefault:  parseInt(k.String("PROMO_PER_CUSTOMER_DEFAULT"), 1),
		SignatureRequestValidity: parseDuration(k.String("SIGNATURE_REQUEST_VALIDITY"), "336h"),

		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 120),

		WebhookDeliveryEnabled:    parseBool(k.String("WEBHOOK_DELIVERY_ENABLED")),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "10s"),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 30),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 6),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "48h"),
		WebhookAllowInsecureTLS:   parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "no-reply@pavedeck.app"),
		NotifyEmailTopics:  parseTopicToggles(k.String("NOTIFY_EMAIL_TOPICS")),

		ABAssignCacheTTL:    parseDuration(k.String("ABTEST_ASSIGN_CACHE_TTL"), "1h"),
		SignatureSweepEvery: parseDuration(k.String("SIGNATURE_SWEEP_EVERY"), "1m"),
		WorkerConcurrency:   parseInt(k.String("WORKER_CONCURRENCY"), 4),
		UsageRollupLockKey:  valueOrDefault(k.String("USAGE_ROLLUP_LOCK_KEY"), "pavedeck:usage:rollup"),
		UsageSyncEnabled:    parseBoolDefault(k.String("USAGE_SYNC_ENABLED"), true),
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
	if cfg.DefaultTaxRate < 0 || cfg.DefaultTaxRate > 1 {
		return nil, fmt.Errorf("PRICING_DEFAULT_TAX_RATE must be within [0,1], got %v", cfg.DefaultTaxRate)
	}
	if cfg.DefaultDepositPercent < 0 || cfg.DefaultDepositPercent > 100 {
		return nil, fmt.Errorf("PRICING_DEFAULT_DEPOSIT_PERCENT must be within [0,100], got %v", cfg.DefaultDepositPercent)
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
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseTopicToggles parses "topic:on,topic:off" pairs into a toggle map.
func parseTopicToggles(value string) map[string]bool {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	toggles := make(map[string]bool)
	for _, pair := range strings.Split(value, ",") {
		fields := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(fields) != 2 || fields[0] == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(fields[1])) {
		case "on", "true", "1":
			toggles[fields[0]] = true
		case "off", "false", "0":
			toggles[fields[0]] = false
		}
	}
	if len(toggles) == 0 {
		return nil
	}
	return toggles
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
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
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
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
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests overrides environment variables for the duration of a Load call.
func LoadForTests(envs map[string]string) (*Config, error) {
	original := make(map[string]string, len(envs))
	for key := range envs {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, envs[key]); err != nil {
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
