// Package config loads the audit log host configuration from an optional YAML
// file and environment variables. Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Transport kinds.
const (
	KindConsole  = "console"
	KindLibrary  = "library"
	KindMemory   = "memory"
	KindDatabase = "database"
	KindKafka    = "kafka"
)

// Credentials of the remote audit-log service.
type Credentials struct {
	URL          string `yaml:"url"`
	TokenURL     string `yaml:"token_url"`
	Tenant       string `yaml:"tenant"`
	ClientID     string `yaml:"client_id"`
	ClientSecret Secret `yaml:"client_secret"`
}

// Retry tunes transient-failure retries.
type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// Kafka selects brokers and topic for the kafka kind.
type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	CreateTopic bool     `yaml:"create_topic"`
}

// AuditLog configures emission.
type AuditLog struct {
	Kind             string        `yaml:"kind"`
	Outbox           bool          `yaml:"outbox"`
	Credentials      Credentials   `yaml:"credentials"`
	Retry            Retry         `yaml:"retry"`
	FlushConcurrency int           `yaml:"flush_concurrency"`
	MaxEntriesPerTx  int           `yaml:"max_entries_per_tx"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	DatabaseURL      Secret        `yaml:"database_url"`
	Kafka            Kafka         `yaml:"kafka"`
	RedisURL         Secret        `yaml:"redis_url"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the full host configuration.
type Config struct {
	AuditLog AuditLog `yaml:"audit_log"`
	Server   Server   `yaml:"server"`
	LogLevel string   `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		AuditLog: AuditLog{
			Kind:             KindConsole,
			Outbox:           true,
			FlushConcurrency: 8,
			MaxEntriesPerTx:  10000,
			FlushTimeout:     2 * time.Minute,
			Kafka:            Kafka{Topic: "audit-log"},
		},
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// FromEnv builds the configuration from AUDIT_LOG_CONFIG (if set) and the
// environment so main stays lean.
func FromEnv() (Config, error) {
	return Load(os.Getenv("AUDIT_LOG_CONFIG"), os.LookupEnv)
}

// Load reads path (empty means no file), applies env overrides via lookup
// and validates the result.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	secret := func(key string, dst *Secret) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = Secret(v)
		}
	}

	a := &cfg.AuditLog
	str("AUDIT_LOG_KIND", &a.Kind)
	str("AUDIT_LOG_URL", &a.Credentials.URL)
	str("AUDIT_LOG_TOKEN_URL", &a.Credentials.TokenURL)
	str("AUDIT_LOG_TENANT", &a.Credentials.Tenant)
	str("AUDIT_LOG_CLIENT_ID", &a.Credentials.ClientID)
	secret("AUDIT_LOG_CLIENT_SECRET", &a.Credentials.ClientSecret)
	secret("DATABASE_URL", &a.DatabaseURL)
	secret("REDIS_URL", &a.RedisURL)
	str("KAFKA_TOPIC", &a.Kafka.Topic)
	str("ADDR", &cfg.Server.Addr)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("AUDIT_LOG_OUTBOX"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUDIT_LOG_OUTBOX: %w", err)
		}
		a.Outbox = b
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		a.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				a.Kafka.Brokers = append(a.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

// Validate checks that the selected kind has what it needs.
func (c Config) Validate() error {
	var errs []error
	a := c.AuditLog
	switch a.Kind {
	case KindConsole, KindMemory:
	case KindLibrary:
		if a.Credentials.URL == "" {
			errs = append(errs, errors.New("library kind requires credentials.url"))
		}
		if a.Credentials.ClientID == "" || a.Credentials.ClientSecret == "" {
			errs = append(errs, errors.New("library kind requires credentials.client_id and credentials.client_secret"))
		}
	case KindDatabase:
		if a.DatabaseURL == "" {
			errs = append(errs, errors.New("database kind requires database_url"))
		}
	case KindKafka:
		if len(a.Kafka.Brokers) == 0 || a.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka kind requires kafka.brokers and kafka.topic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit_log.kind %q", a.Kind))
	}
	if a.FlushConcurrency < 0 || a.MaxEntriesPerTx < 0 || a.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("flush_concurrency, max_entries_per_tx and retry.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
