package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	GatewayAddr string `env:"GATEWAY_ADDR,default=:8080"`
	APIAddr     string `env:"API_ADDR,default=:8081"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY,default=24h"`

	StoreBackend   string `env:"STORE_BACKEND,default=sqlite"`
	SQLitePath     string `env:"SQLITE_PATH,default=callrelay.db"`
	DatabaseURL    string `env:"DATABASE_URL"`
	ScyllaHosts    string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	ScyllaKeyspace string `env:"SCYLLA_KEYSPACE,default=chat"`
	SnowflakeNode  int64  `env:"SNOWFLAKE_NODE,default=1"`

	// Empty disables the presence mirror.
	RedisURL string `env:"REDIS_URL"`

	// Empty disables the message event stream.
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=chat-messages"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID,default=messaging-service-group"`

	AllowedOrigins          string        `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	MaxContentLength        int           `env:"MAX_CONTENT_LENGTH,default=4096"`
	SendBufferSize          int           `env:"SEND_BUFFER_SIZE,default=256"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=50"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	CallTombstoneTTL        time.Duration `env:"CALL_TOMBSTONE_TTL,default=10m"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	PublicDomain  string `env:"PUBLIC_DOMAIN"`
	TURNServerURL string `env:"TURN_SERVER_URL"`
	TURNUsername  string `env:"TURN_USERNAME"`
	TURNPassword  string `env:"TURN_PASSWORD"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.JWTExpiry <= 0 {
		return errors.New("JWT_EXPIRY must be positive")
	}

	switch c.StoreBackend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendScylla:
		if len(c.ScyllaHostList()) == 0 {
			return errors.New("SCYLLA_HOSTS is required for the scylla backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if c.MaxContentLength <= 0 {
		return errors.New("MAX_CONTENT_LENGTH must be positive")
	}
	if c.SendBufferSize <= 0 {
		return errors.New("SEND_BUFFER_SIZE must be positive")
	}
	return nil
}

func (c *Config) ScyllaHostList() []string {
	return splitList(c.ScyllaHosts)
}

func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) AllowedOriginList() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
