// Package config loads flowpipe settings. Values start from DefaultConfig,
// are overlaid by a YAML file and then by FLOWPIPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FLOWPIPE_QUEUE_BACKEND.
const EnvPrefix = "FLOWPIPE"

type Config struct {
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Queue    QueueConfig    `yaml:"queue" env:"QUEUE"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Engine   EngineConfig   `yaml:"engine" env:"ENGINE"`
	Flows    FlowsConfig    `yaml:"flows" env:"FLOWS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Metrics  MetricsConfig  `yaml:"metrics" env:"METRICS"`
	Events   EventsConfig   `yaml:"events" env:"EVENTS"`
}

// DatabaseConfig selects where campaigns, items and event history live.
type DatabaseConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	// Backend is "memory", "sqlite", "postgres" or "redis". The sqlite
	// backend shares the database file.
	Backend string `yaml:"backend" env:"BACKEND"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" env:"DSN"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type EngineConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	TickTimeout            time.Duration `yaml:"tick_timeout" env:"TICK_TIMEOUT"`
	BatchSize              int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency            int           `yaml:"concurrency" env:"CONCURRENCY"`
	DefaultIntervalMinutes float64       `yaml:"default_interval_minutes" env:"DEFAULT_INTERVAL_MINUTES"`
	RecoverOnStart         bool          `yaml:"recover_on_start" env:"RECOVER_ON_START"`
}

type FlowsConfig struct {
	Dir     string `yaml:"dir" env:"DIR"`
	Pattern string `yaml:"pattern" env:"PATTERN"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "text" or "json".
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Path      string `yaml:"path" env:"PATH"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// EventsConfig controls where notifications go besides the log.
type EventsConfig struct {
	// History persists every event in the event store.
	History bool `yaml:"history" env:"HISTORY"`
	// Redis publishes events on Redis pub/sub.
	Redis  bool   `yaml:"redis" env:"REDIS"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "flowpipe.db"},
		Queue:    QueueConfig{Backend: "sqlite", Prefix: "flowpipe"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Engine: EngineConfig{
			TickInterval:           5 * time.Second,
			TickTimeout:            5 * time.Minute,
			BatchSize:              50,
			Concurrency:            4,
			DefaultIntervalMinutes: 60,
			RecoverOnStart:         true,
		},
		Flows:   FlowsConfig{Dir: "flows", Pattern: "*.flow.yaml"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics", Namespace: "flowpipe"},
		Events:  EventsConfig{History: true, Prefix: "flowpipe:events"},
	}
}

// Load reads path (optional; a missing file keeps the defaults), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays variables named EnvPrefix_<SECTION>_<FIELD> onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return setFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

func setFromEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := setFromEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}
		raw, ok := lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(name, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), v))
	}

	oneOf("database.driver", c.Database.Driver, "memory", "sqlite")
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required for sqlite"))
	}
	oneOf("queue.backend", c.Queue.Backend, "memory", "sqlite", "postgres", "redis")
	switch c.Queue.Backend {
	case "sqlite":
		if c.Database.Driver != "sqlite" {
			errs = append(errs, errors.New("queue.backend sqlite requires database.driver sqlite"))
		}
	case "postgres":
		if c.Queue.DSN == "" {
			errs = append(errs, errors.New("queue.dsn is required for postgres"))
		}
	}
	if (c.Queue.Backend == "redis" || c.Events.Redis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Engine.BatchSize <= 0 {
		errs = append(errs, errors.New("engine.batch_size must be positive"))
	}
	if c.Engine.Concurrency <= 0 {
		errs = append(errs, errors.New("engine.concurrency must be positive"))
	}
	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "text", "json")
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
