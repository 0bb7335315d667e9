// Package config loads livetrack settings from defaults, an optional YAML
// file and LIVETRACK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Broker drivers.
const (
	BrokerMemory  = "memory"
	BrokerStreams = "streams"
	BrokerPubSub  = "pubsub"
)

// Config holds the server configuration.
type Config struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	AppName        string        `yaml:"app_name" env:"APP_NAME"`
	LogLevel       string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat      string        `yaml:"log_format" env:"LOG_FORMAT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	BodyLimit      int           `yaml:"body_limit" env:"BODY_LIMIT"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`

	// TokenSecret signs and verifies tracking tokens.
	TokenSecret string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	TokenTTL    time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// OperatorKey guards the player socket and operator API. Empty disables the check.
	OperatorKey string `yaml:"operator_key" env:"OPERATOR_KEY"`

	Encryption Encryption `yaml:"encryption" envPrefix:"ENCRYPTION_"`
	Store      Store      `yaml:"store" envPrefix:"STORE_"`
	Broker     Broker     `yaml:"broker" envPrefix:"BROKER_"`
	Session    Session    `yaml:"session" envPrefix:"SESSION_"`

	DomainsFile   string   `yaml:"domains_file" env:"DOMAINS_FILE"`
	RealtimeTypes []string `yaml:"realtime_types" env:"REALTIME_TYPES" envSeparator:","`
}

// Encryption configures the payload envelope.
type Encryption struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Secret  string `yaml:"secret" env:"SECRET"`
}

// Store selects the persistence backend.
type Store struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn" env:"DSN"`
}

// Broker selects the cross-instance transport.
type Broker struct {
	Driver       string        `yaml:"driver" env:"DRIVER"`
	RedisURL     string        `yaml:"redis_url" env:"REDIS_URL"`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	Group        string        `yaml:"group" env:"GROUP"`
	DeliveredTTL time.Duration `yaml:"delivered_ttl" env:"DELIVERED_TTL"`
}

// Session tunes the connection context store.
type Session struct {
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":3000",
		AppName:       "livetrack",
		LogLevel:      "info",
		LogFormat:     "text",
		BodyLimit:     4 * 1024 * 1024,
		ShutdownGrace: 10 * time.Second,
		TokenTTL:      time.Hour,
		Store:         Store{Driver: StoreMemory},
		Broker: Broker{
			Driver:       BrokerMemory,
			Topic:        "tracking-events",
			DeliveredTTL: 2 * time.Minute,
		},
		Session: Session{IdleTimeout: 30 * time.Minute},
	}
}

// Load reads defaults, then path (if non-empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ParseEnv overlays LIVETRACK_* environment variables onto target.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: "LIVETRACK_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.TokenSecret == "" {
		errs = append(errs, errors.New("token_secret is required"))
	}
	if c.Encryption.Enabled && c.Encryption.Secret == "" {
		errs = append(errs, errors.New("encryption.secret is required when encryption is enabled"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerStreams, BrokerPubSub:
		if c.Broker.RedisURL == "" {
			errs = append(errs, fmt.Errorf("broker.redis_url is required for driver %q", c.Broker.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker driver %q", c.Broker.Driver))
	}
	return errors.Join(errs...)
}
