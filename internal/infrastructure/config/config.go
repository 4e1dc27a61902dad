package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Runtime   RuntimeConfig
	Bridge    BridgeConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Secrets   SecretsConfig
	Gateway   GatewayConfig
	Auth      AuthConfig
	Modules   ModulesConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// Origins allowed by CORS. Empty allows every origin.
	Origins []string `envconfig:"CORS_ORIGINS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// RuntimeConfig holds session liveness configuration.
type RuntimeConfig struct {
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	StallMultiplier   int           `envconfig:"STALL_MULTIPLIER" default:"3"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ReadyTimeout      time.Duration `envconfig:"READY_TIMEOUT" default:"30s"`
	// JobTimeout bounds a single sandbox script job.
	JobTimeout time.Duration `envconfig:"SANDBOX_JOB_TIMEOUT" default:"5s"`
}

// BridgeConfig holds bridge configuration. An empty Endpoint forwards
// requests in-process. POST /bridge is only served when Key is set.
type BridgeConfig struct {
	Endpoint       string        `envconfig:"BRIDGE_ENDPOINT"`
	Key            string        `envconfig:"BRIDGE_KEY"`
	ForwardTimeout time.Duration `envconfig:"BRIDGE_FORWARD_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"BRIDGE_MAX_RETRIES" default:"2"`
	ModuleRate     float64       `envconfig:"BRIDGE_MODULE_RATE" default:"50"`
	ModuleBurst    int           `envconfig:"BRIDGE_MODULE_BURST" default:"100"`
	MaxUploadBytes int64         `envconfig:"BRIDGE_MAX_UPLOAD_BYTES" default:"26214400"`
}

// StorageConfig holds blob storage configuration.
type StorageConfig struct {
	Driver       string `envconfig:"BLOB_DRIVER" default:"memory"` // memory, s3, gcs
	Bucket       string `envconfig:"BLOB_BUCKET"`
	Region       string `envconfig:"BLOB_REGION" default:"us-east-1"`
	Endpoint     string `envconfig:"BLOB_ENDPOINT"`
	BaseURL      string `envconfig:"BLOB_BASE_URL" default:"http://localhost:8000/blobs"`
	PublicBase   string `envconfig:"BLOB_PUBLIC_BASE"`
	DefaultQuota int64  `envconfig:"STORAGE_QUOTA_BYTES" default:"104857600"`
}

// DatabaseConfig holds relational store configuration.
type DatabaseConfig struct {
	Driver string `envconfig:"DB_DRIVER" default:"memory"` // memory, postgres, sqlite
	DSN    string `envconfig:"DB_DSN"`
}

// RedisConfig holds Redis configuration. An empty address disables Redis.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// SecretsConfig holds the passphrase secrets are sealed with.
type SecretsConfig struct {
	Passphrase string `envconfig:"SECRETS_PASSPHRASE"`
}

// GatewayConfig holds the API gateway configuration.
type GatewayConfig struct {
	BaseURL string        `envconfig:"GATEWAY_URL"`
	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`
}

// AuthConfig holds channel token configuration.
type AuthConfig struct {
	TokenSecret string        `envconfig:"CHANNEL_TOKEN_SECRET"`
	TokenTTL    time.Duration `envconfig:"CHANNEL_TOKEN_TTL" default:"2m"`
}

// ModulesConfig holds module seeding configuration.
type ModulesConfig struct {
	Dir     string `envconfig:"MODULES_DIR" default:"modules"`
	Pattern string `envconfig:"MODULES_PATTERN" default:"*"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("BLOB_BUCKET is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Storage.Driver)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_DSN is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Bridge.Endpoint != "" && c.Bridge.Key == "" {
		return fmt.Errorf("BRIDGE_KEY is required when BRIDGE_ENDPOINT is set")
	}

	if c.Runtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.Runtime.StallMultiplier < 1 {
		return fmt.Errorf("STALL_MULTIPLIER must be at least 1")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Runtime: RuntimeConfig{
			HeartbeatInterval: 5 * time.Second,
			StallMultiplier:   3,
			RequestTimeout:    30 * time.Second,
			ReadyTimeout:      30 * time.Second,
			JobTimeout:        5 * time.Second,
		},
		Bridge: BridgeConfig{
			ForwardTimeout: 30 * time.Second,
			MaxRetries:     2,
			ModuleRate:     50,
			ModuleBurst:    100,
			MaxUploadBytes: 25 << 20,
		},
		Storage: StorageConfig{
			Driver:       "memory",
			Region:       "us-east-1",
			BaseURL:      "http://localhost:8000/blobs",
			DefaultQuota: 100 << 20,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Gateway: GatewayConfig{
			Timeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 2 * time.Minute,
		},
		Modules: ModulesConfig{
			Dir:     "modules",
			Pattern: "*",
		},
	}
}
