// Package config loads flowgraph server configuration from a YAML file and
// FLOWGRAPH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config holds the configuration for the flowgraph server.
type Config struct {
	Store struct {
		Driver    string `mapstructure:"driver"`
		DSN       string `mapstructure:"dsn"`
		RedisAddr string `mapstructure:"redis_addr"`
		MongoURI  string `mapstructure:"mongo_uri"`
		Database  string `mapstructure:"database"`
	} `mapstructure:"store"`
	Engine struct {
		LeaseTTL             time.Duration `mapstructure:"lease_ttl"`
		MaxActivitiesPerPass int           `mapstructure:"max_activities_per_pass"`
		RecoverOnStart       bool          `mapstructure:"recover_on_start"`
	} `mapstructure:"engine"`
	Worker struct {
		Concurrency int           `mapstructure:"concurrency"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		Backoff     time.Duration `mapstructure:"backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
	} `mapstructure:"worker"`
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	NATS struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
		Queue   string `mapstructure:"queue"`
	} `mapstructure:"nats"`
	Definitions struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"definitions"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "flowgraph.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.database", "flowgraph")

	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.max_activities_per_pass", 10000)
	v.SetDefault("engine.recover_on_start", true)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff", 100*time.Millisecond)
	v.SetDefault("worker.max_backoff", 10*time.Second)
	v.SetDefault("worker.lease_ttl", 30*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "flowgraph.signals")
	v.SetDefault("nats.queue", "flowgraph")

	v.SetDefault("definitions.dir", "workflows")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. With an empty path it looks for
// flowgraph.yaml in the working directory and ./config, and a missing file
// is not an error. Environment variables such as FLOWGRAPH_STORE_DRIVER
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOWGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("flowgraph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if (c.Store.Driver == DriverSQLite || c.Store.Driver == DriverPostgres) && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Worker.Concurrency < 0 {
		return errors.New("worker.concurrency must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
