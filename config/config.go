// Package config loads service configuration from an optional YAML file and
// JOBFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Mail drivers.
const (
	MailLog  = "log"
	MailHTTP = "http"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the configuration for the service.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Engine struct {
		StrictEvents  bool   `mapstructure:"strict_events"`
		BusBufferSize int    `mapstructure:"bus_buffer_size"`
		IDEpoch       string `mapstructure:"id_epoch"`
	} `mapstructure:"engine"`
	Storage struct {
		Rules   string `mapstructure:"rules"`
		Records string `mapstructure:"records"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
		Postgres struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"postgres"`
	} `mapstructure:"storage"`
	Mail struct {
		Driver   string `mapstructure:"driver"`
		Endpoint string `mapstructure:"endpoint"`
		APIKey   string `mapstructure:"api_key"`
		From     string `mapstructure:"from"`
	} `mapstructure:"mail"`
}

// Load reads path (when non-empty) and the environment. JOBFLOW_STORAGE_RULES
// overrides storage.rules, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("jobflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.strict_events", false)
	v.SetDefault("engine.bus_buffer_size", 100)
	v.SetDefault("engine.id_epoch", "2024-01-01T00:00:00Z")
	v.SetDefault("storage.rules", DriverMemory)
	v.SetDefault("storage.records", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("mail.driver", MailLog)
	v.SetDefault("mail.endpoint", "")
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.from", "")
}

// Validate checks driver names and their required settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Rules {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.rules: unknown driver %q", c.Storage.Rules))
	}
	switch c.Storage.Records {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.records: unknown driver %q", c.Storage.Records))
	}
	if c.UsesPostgres() && c.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
	}

	switch c.Mail.Driver {
	case MailLog:
	case MailHTTP:
		if c.Mail.Endpoint == "" {
			errs = append(errs, errors.New("mail.endpoint is required for the http driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.driver: unknown driver %q", c.Mail.Driver))
	}

	if _, err := c.Epoch(); err != nil {
		errs = append(errs, fmt.Errorf("engine.id_epoch: %w", err))
	}
	if c.Engine.BusBufferSize <= 0 {
		errs = append(errs, errors.New("engine.bus_buffer_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// UsesPostgres reports whether any store is backed by Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Rules == DriverPostgres || c.Storage.Records == DriverPostgres
}

// Epoch is the start time of the follow-up job number generator.
func (c *Config) Epoch() (time.Time, error) {
	return time.Parse(time.RFC3339, c.Engine.IDEpoch)
}
