package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Gateway providers.
const (
	GatewaySandbox = "sandbox"
	GatewayStripe  = "stripe"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Stripe   StripeConfig
	Gateway  GatewayConfig
	Ledger   LedgerConfig
	Payments PaymentsConfig
	Store    StoreConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/checkout?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings. An empty Addr disables the reconcile queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the auth service.
type JWTConfig struct {
	Secret      string
	Issuer      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the bucket used for usage report exports.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ReportsBucket        string
	PresignExpireMinutes int
}

// StripeConfig for the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// GatewayConfig selects the payment gateway and how its callbacks are verified.
type GatewayConfig struct {
	Provider        string
	CallbackSecret  string // HMAC secret for POST /payments/callback; the route is not served without it
	SandboxRedirect string
	DefaultCurrency string
}

// LedgerConfig bounds retries of the reservation transaction on transient store errors.
type LedgerConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PaymentsConfig controls the pending payment sweeper.
type PaymentsConfig struct {
	PendingTimeout time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

// StoreConfig selects the system of record.
type StoreConfig struct {
	Driver string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "checkout"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer:      getEnv("JWT_ISSUER", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ReportsBucket:        getEnv("AWS_S3_REPORTS_BUCKET", "checkout-reports"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Gateway: GatewayConfig{
			Provider:        strings.ToLower(getEnv("GATEWAY_PROVIDER", GatewaySandbox)),
			CallbackSecret:  getEnv("GATEWAY_CALLBACK_SECRET", ""),
			SandboxRedirect: getEnv("GATEWAY_SANDBOX_REDIRECT", "http://localhost:3000/sandbox"),
			DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", "IRR")),
		},
		Ledger: LedgerConfig{
			MaxAttempts:    getEnvInt("LEDGER_MAX_ATTEMPTS", 4),
			InitialBackoff: getEnvDuration("LEDGER_INITIAL_BACKOFF", 20*time.Millisecond),
			MaxBackoff:     getEnvDuration("LEDGER_MAX_BACKOFF", 500*time.Millisecond),
		},
		Payments: PaymentsConfig{
			PendingTimeout: getEnvDuration("PAYMENT_PENDING_TIMEOUT", 30*time.Minute),
			SweepInterval:  getEnvDuration("PAYMENT_SWEEP_INTERVAL", time.Minute),
			SweepBatch:     getEnvInt("PAYMENT_SWEEP_BATCH", 100),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Gateway.Provider {
	case GatewaySandbox:
		if c.Gateway.CallbackSecret == "" {
			return fmt.Errorf("GATEWAY_CALLBACK_SECRET is required for the sandbox gateway")
		}
	case GatewayStripe:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.Gateway.Provider)
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("45s", "30m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
