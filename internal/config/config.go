package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultBaseURL           = "http://localhost:8080"
	DefaultJWTExpiresIn      = "24h"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "connector"
	DefaultPGSSLMode         = "disable"
	DefaultStorageDriver     = StoragePostgres
	DefaultMaxAttempts       = 3
	DefaultRetryDelay        = "2s"
	DefaultForwarderTimeout  = "30s"
	DefaultReconcileSchedule = "@every 5m"
	DefaultHTTPTimeout       = "15s"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Log       LogConfig       `toml:"log" yaml:"log"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Delivery  DeliveryConfig  `toml:"delivery" yaml:"delivery"`
	Forwarder ForwarderConfig `toml:"forwarder" yaml:"forwarder"`
	Reconcile ReconcileConfig `toml:"reconcile" yaml:"reconcile"`
	HTTP      HTTPConfig      `toml:"http" yaml:"http"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	// BaseURL is the public URL platforms reach the relay on. Webhook URLs
	// are built from it.
	BaseURL string `toml:"base_url" yaml:"base_url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	Database string `toml:"database" yaml:"database"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
}

type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
}

type DeliveryConfig struct {
	MaxAttempts int    `toml:"max_attempts" yaml:"max_attempts"`
	RetryDelay  string `toml:"retry_delay" yaml:"retry_delay"`
}

type ForwarderConfig struct {
	Timeout string `toml:"timeout" yaml:"timeout"`
}

type ReconcileConfig struct {
	Schedule string `toml:"schedule" yaml:"schedule"`
}

type HTTPConfig struct {
	Timeout string `toml:"timeout" yaml:"timeout"`
}

func (c DeliveryConfig) Delay() time.Duration {
	return durationOr(c.RetryDelay, DefaultRetryDelay)
}

func (c ForwarderConfig) TimeoutDuration() time.Duration {
	return durationOr(c.Timeout, DefaultForwarderTimeout)
}

func (c HTTPConfig) TimeoutDuration() time.Duration {
	return durationOr(c.Timeout, DefaultHTTPTimeout)
}

func (c AuthConfig) ExpiresIn() time.Duration {
	return durationOr(c.JWTExpiresIn, DefaultJWTExpiresIn)
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d >= 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// Validate reports settings that cannot be used as given.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage.Driver)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	for name, value := range map[string]string{
		"delivery.retry_delay": c.Delivery.RetryDelay,
		"forwarder.timeout":    c.Forwarder.Timeout,
		"http.timeout":         c.HTTP.Timeout,
		"auth.jwt_expires_in":  c.Auth.JWTExpiresIn,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:    DefaultHTTPAddr,
			BaseURL: DefaultBaseURL,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: DefaultMaxAttempts,
			RetryDelay:  DefaultRetryDelay,
		},
		Forwarder: ForwarderConfig{
			Timeout: DefaultForwarderTimeout,
		},
		Reconcile: ReconcileConfig{
			Schedule: DefaultReconcileSchedule,
		},
		HTTP: HTTPConfig{
			Timeout: DefaultHTTPTimeout,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// decodeFile reads TOML, or YAML when the file has a .yaml/.yml extension.
func decodeFile(path string, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		_, err := toml.DecodeFile(path, cfg)
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode yaml config: %w", err)
	}
	return nil
}
