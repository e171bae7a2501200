// Package config loads the process configuration from defaults, an
// optional freqops.yaml file, FREQOPS_ environment variables, and runtime
// overrides, in that precedence order (lowest first).
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full typed configuration tree.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Strategies   StrategiesConfig   `mapstructure:"strategies"`
	Freqtrade    FreqtradeConfig    `mapstructure:"freqtrade"`
	Fleet        FleetConfig        `mapstructure:"fleet"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// Execution paths for the orchestrator.
const (
	ExecutionLocal  = "local"
	ExecutionStream = "stream"
)

// Task store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type OrchestratorConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	Retention          time.Duration `mapstructure:"retention"`
	Execution          string        `mapstructure:"execution"`
	Store              string        `mapstructure:"store"`
}

type RedisConfig struct {
	Addr           string  `mapstructure:"addr"`
	Password       string  `mapstructure:"password"`
	DB             int     `mapstructure:"db"`
	MaxLen         int64   `mapstructure:"max_len"`
	PublishRate    float64 `mapstructure:"publish_rate"`
	PublishRetries int     `mapstructure:"publish_retries"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type StrategiesConfig struct {
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
}

type FreqtradeConfig struct {
	Binary      string `mapstructure:"binary"`
	UserDataDir string `mapstructure:"user_data_dir"`
	TempDir     string `mapstructure:"temp_dir"`
}

type FleetConfig struct {
	Manifest string `mapstructure:"manifest"`
}

// Option adjusts the viper instance before loading.
type Option func(v *viper.Viper)

// WithFile points the loader at an explicit config file.
func WithFile(path string) Option {
	return func(v *viper.Viper) {
		if path != "" {
			v.SetConfigFile(path)
		}
	}
}

// WithOverrides applies runtime overrides with the highest precedence.
func WithOverrides(overrides map[string]any) Option {
	return func(v *viper.Viper) {
		for key, val := range overrides {
			v.Set(key, val)
		}
	}
}

// setDefaults registers every leaf key. Keys whose natural default is the
// zero value still need an entry: AutomaticEnv only resolves keys viper
// already knows, so an unregistered key could not be set from FREQOPS_
// environment variables at all.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("orchestrator.max_concurrent_tasks", 3)
	v.SetDefault("orchestrator.task_timeout", "10m")
	v.SetDefault("orchestrator.retention", "5m")
	v.SetDefault("orchestrator.execution", ExecutionLocal)
	v.SetDefault("orchestrator.store", StoreMemory)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("redis.publish_rate", 100)
	v.SetDefault("redis.publish_retries", 3)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.prefix", "tasks")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.path_style", false)

	v.SetDefault("strategies.dir", "user_data/strategies")
	v.SetDefault("strategies.patterns", []string{"**/*.py"})

	v.SetDefault("freqtrade.binary", "freqtrade")
	v.SetDefault("freqtrade.user_data_dir", "user_data")
	v.SetDefault("freqtrade.temp_dir", "")

	v.SetDefault("fleet.manifest", "")
}

// Load builds the configuration. A missing config file is not an error;
// defaults and environment still apply.
func Load(_ context.Context, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FREQOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("freqops")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/freqops")

	for _, opt := range opts {
		opt(v)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot produce a working process.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config: orchestrator.max_concurrent_tasks must be at least 1")
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		return fmt.Errorf("config: orchestrator.task_timeout must be positive")
	}
	switch c.Orchestrator.Execution {
	case ExecutionLocal, ExecutionStream:
	default:
		return fmt.Errorf("config: orchestrator.execution must be %s or %s", ExecutionLocal, ExecutionStream)
	}
	switch c.Orchestrator.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn required when orchestrator.store is %s", StorePostgres)
		}
	default:
		return fmt.Errorf("config: orchestrator.store must be %s or %s", StoreMemory, StorePostgres)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket required when archive.enabled")
	}
	return nil
}
