package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KEYCHAIN_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KEYCHAIN_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	TokenPepper string `usage:"HMAC pepper for bearer token hashing (KEYCHAIN_TOKEN_PEPPER)" flag:"token-pepper"`
	Pool        PoolConfig
	Checkout    CheckoutConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// PoolConfig sizes the PostgreSQL connection pool.
type PoolConfig struct {
	MaxConns          int32         `default:"20" usage:"Maximum pool connections"`
	MinConns          int32         `default:"2"  usage:"Connections kept open when idle"`
	MaxConnLifetime   time.Duration `default:"1h" usage:"Recycle connections after this long"`
	HealthCheckPeriod time.Duration `default:"1m" usage:"Idle connection health check period"`
}

// CheckoutConfig bounds checkout transactions.
type CheckoutConfig struct {
	LockTimeout time.Duration `default:"2s" usage:"How long a checkout waits for a row lock before giving up" flag:"lock-timeout"`
}

// RedisConfig enables idempotency keys. Empty URL disables them.
type RedisConfig struct {
	URL            string        `usage:"Redis URL for idempotency keys (KEYCHAIN_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long idempotency keys are remembered" flag:"idempotency-ttl"`
}

// KafkaConfig enables order events. No brokers disables publishing.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka broker addresses" flag:"kafka-brokers"`
	Topic        string        `default:"keychain.orders" usage:"Topic for order events" flag:"kafka-topic"`
	WriteTimeout time.Duration `default:"5s" usage:"Bound for a single event write"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML files,
// then applies platform defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "KEYCHAIN",
		Files:     []string{"config.yaml", "/etc/keychain/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KEYCHAIN_DATABASE_URL or DATABASE_URL")
	}
	if c.TokenPepper == "" {
		return errors.New("token pepper is required: set KEYCHAIN_TOKEN_PEPPER")
	}
	if c.Checkout.LockTimeout <= 0 {
		return errors.New("checkout lock timeout must be positive")
	}
	if c.Redis.URL != "" && c.Redis.IdempotencyTTL <= 0 {
		return errors.New("idempotency TTL must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided variables (Railway, Render,
// docker compose) such as DATABASE_URL, REDIS_URL and PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
