// Package config reads process configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"

	SinkNone    = "none"
	SinkStream  = "stream"
	SinkChannel = "channel"
)

type Config struct {
	ParamPrefix string `envconfig:"PARAM_PREFIX" required:"true"`

	RedisURL       string `envconfig:"REDIS_URL" required:"true"`
	RedisNamespace string `envconfig:"REDIS_NAMESPACE" default:"questbot"`
	StoreBackend   string `envconfig:"STORE_BACKEND" default:"redis"`
	StateTable     string `envconfig:"STATE_TABLE"`

	MessageStateTTL time.Duration `envconfig:"MESSAGE_STATE_TTL" default:"1h"`
	CleanupDelay    time.Duration `envconfig:"CLEANUP_DELAY" default:"30m"`
	IdempotencyTTL  time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RetryTTL        time.Duration `envconfig:"IDEMPOTENCY_RETRY_TTL" default:"1m"`
	LockTTL         time.Duration `envconfig:"LOCK_TTL" default:"5s"`

	ImageCatalog string `envconfig:"IMAGE_CATALOG"`

	EventsSink  string `envconfig:"EVENTS_SINK" default:"none"`
	EventsTopic string `envconfig:"EVENTS_TOPIC" default:"questbot.events"`

	TelegramBaseURL   string        `envconfig:"TELEGRAM_BASE_URL" default:"https://api.telegram.org"`
	TelegramParseMode string        `envconfig:"TELEGRAM_PARSE_MODE"`
	TelegramTimeout   time.Duration `envconfig:"TELEGRAM_TIMEOUT" default:"10s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	if c.ParamPrefix == "" {
		return errors.New("config: PARAM_PREFIX must not be empty")
	}
	switch c.StoreBackend {
	case BackendRedis:
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return errors.New("config: STATE_TABLE is required with STORE_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.EventsSink {
	case SinkNone, SinkStream, SinkChannel:
	default:
		return fmt.Errorf("config: unknown EVENTS_SINK %q", c.EventsSink)
	}
	if c.CleanupDelay <= 0 {
		return errors.New("config: CLEANUP_DELAY must be positive")
	}
	if c.MessageStateTTL <= c.CleanupDelay {
		return fmt.Errorf("config: MESSAGE_STATE_TTL (%s) must exceed CLEANUP_DELAY (%s)", c.MessageStateTTL, c.CleanupDelay)
	}
	if c.IdempotencyTTL <= 0 || c.RetryTTL <= 0 || c.LockTTL <= 0 {
		return errors.New("config: IDEMPOTENCY_TTL, IDEMPOTENCY_RETRY_TTL and LOCK_TTL must be positive")
	}
	return nil
}

func (c *Config) TelegramTokenParameter() string {
	return c.ParamPrefix + "/telegram-token"
}
