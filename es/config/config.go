// Package config loads host configuration for pupstream processes.
//
// Configuration comes from built-in defaults, an optional YAML file and
// PUPSTREAM_* environment variables, applied in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getpup/pupstream/es"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

var (
	// ErrInvalidConfig matches every validation failure returned by Validate.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Store         StoreConfig          `yaml:"store"`
	Dispatcher    DispatcherConfig     `yaml:"dispatcher"`
	Log           LogConfig            `yaml:"log"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Backend is one of memory, pebble, sqlite, postgres or mysql
	Backend string `yaml:"backend"`

	// DSN is the connection string for postgres and mysql
	DSN string `yaml:"dsn"`

	// Path is the database file (sqlite) or directory (pebble)
	Path string `yaml:"path"`

	// Schema namespaces postgres tables
	Schema string `yaml:"schema"`

	// KeyPrefix namespaces pebble keys
	KeyPrefix string `yaml:"key_prefix"`

	// PollInterval paces Watch on polling backends
	PollInterval time.Duration `yaml:"poll_interval"`

	// Migrate applies the SQL schema on startup
	Migrate bool `yaml:"migrate"`
}

// DispatcherConfig tunes the hosted dispatchers.
type DispatcherConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	WatchTimeout time.Duration `yaml:"watch_timeout"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Exporter is none or stdout
	Exporter string `yaml:"exporter"`
}

// SubscriptionConfig declares a subscription the host registers on startup.
type SubscriptionConfig struct {
	ID     string `yaml:"id"`
	Stream string `yaml:"stream"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:      BackendMemory,
			PollInterval: 125 * time.Millisecond,
			Migrate:      true,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:    100,
			Workers:      1,
			WatchTimeout: time.Minute,
			ErrorBackoff: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// Load reads configuration from a YAML file. If path is empty, returns defaults.
// Environment overrides are not applied; see FromEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg. Keys absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks cfg for values no backend could use.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble, BackendSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the %s backend", c.Store.Backend)
		}
	case BackendPostgres, BackendMySQL:
		if c.Store.DSN == "" {
			add("store.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		add("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Schema != "" && c.Store.Backend != BackendPostgres {
		add("store.schema is only supported by the postgres backend")
	}
	if c.Store.KeyPrefix != "" && c.Store.Backend != BackendPebble {
		add("store.key_prefix is only supported by the pebble backend")
	}
	if c.Store.PollInterval < 0 {
		add("store.poll_interval must not be negative")
	}

	if c.Dispatcher.BatchSize <= 0 {
		add("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.Workers < 0 {
		add("dispatcher.workers must not be negative")
	}
	if c.Dispatcher.WatchTimeout <= 0 {
		add("dispatcher.watch_timeout must be positive")
	}
	if c.Dispatcher.ErrorBackoff < 0 {
		add("dispatcher.error_backoff must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("unknown log.format %q", c.Log.Format)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		add("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}

	seen := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		id := es.NewSubscriptionID(s.ID)
		switch {
		case id.IsZero():
			add("subscriptions[%d].id is required", i)
		case id.IsWildcard():
			add("subscriptions[%d].id %q must not be a wildcard", i, s.ID)
		case seen[s.ID]:
			add("subscriptions[%d].id %q is declared twice", i, s.ID)
		}
		seen[s.ID] = true
		if s.Stream == "" {
			add("subscriptions[%d].stream is required", i)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
