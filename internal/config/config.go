package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderStripe     = "stripe"
	ProviderPaystack   = "paystack"
	ProviderRevenueCat = "revenuecat"
)

var ErrInvalidConfig = errors.New("invalid_config")

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBURL             string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Webhook    WebhookConfig
	Stripe     StripeConfig
	Paystack   PaystackConfig
	RevenueCat RevenueCatConfig
	RateLimit  RateLimitConfig
}

type WebhookConfig struct {
	Providers    []string
	Timeout      time.Duration
	MaxBodyBytes int64
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type PaystackConfig struct {
	SecretKey string
}

type RevenueCatConfig struct {
	WebhookSecret string
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookRate  float64
	WebhookBurst int
	EventLockTTL time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "entitlementsync"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBURL:             strings.TrimSpace(getenv("DATABASE_URL", "")),
		DBHost:            getenv("DATABASE_HOST", ""),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Webhook: WebhookConfig{
			Providers:    parseProviders(getenv("WEBHOOK_PROVIDERS", "stripe,paystack,revenuecat")),
			Timeout:      getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
			MaxBodyBytes: int64(getenvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Paystack: PaystackConfig{
			SecretKey: strings.TrimSpace(getenv("PAYSTACK_SECRET", "")),
		},
		RevenueCat: RevenueCatConfig{
			WebhookSecret: strings.TrimSpace(getenv("REVENUECAT_WEBHOOK_SECRET", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			WebhookRate:   getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst:  getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
			EventLockTTL:  getenvDuration("RATE_LIMIT_EVENT_LOCK_TTL", 30*time.Second),
		},
	}
}

// Validate fails when an enabled provider has no secret or the store is not configured.
func (c Config) Validate() error {
	if len(c.Webhook.Providers) == 0 {
		return fmt.Errorf("%w: no webhook providers enabled", ErrInvalidConfig)
	}
	for _, provider := range c.Webhook.Providers {
		switch provider {
		case ProviderStripe:
			if c.Stripe.WebhookSecret == "" {
				return fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required", ErrInvalidConfig)
			}
			if c.Stripe.SecretKey == "" {
				return fmt.Errorf("%w: STRIPE_SECRET is required", ErrInvalidConfig)
			}
		case ProviderPaystack:
			if c.Paystack.SecretKey == "" {
				return fmt.Errorf("%w: PAYSTACK_SECRET is required", ErrInvalidConfig)
			}
		case ProviderRevenueCat:
			if c.RevenueCat.WebhookSecret == "" {
				return fmt.Errorf("%w: REVENUECAT_WEBHOOK_SECRET is required", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown webhook provider %q", ErrInvalidConfig, provider)
		}
	}

	switch c.DBType {
	case "postgres", "mysql":
		if c.DBURL == "" && strings.TrimSpace(c.DBHost) == "" {
			return fmt.Errorf("%w: DATABASE_URL or DATABASE_HOST is required", ErrInvalidConfig)
		}
	case "sqlite":
	default:
		return fmt.Errorf("%w: unsupported DATABASE_TYPE %q", ErrInvalidConfig, c.DBType)
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("%w: WEBHOOK_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: WEBHOOK_MAX_BODY_BYTES must be positive", ErrInvalidConfig)
	}
	return nil
}

// ProviderEnabled reports whether provider is in the enabled webhook list.
func (c Config) ProviderEnabled(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, p := range c.Webhook.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("15s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func parseProviders(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
