package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.Dispatcher.WatchTimeout != time.Minute {
		t.Errorf("expected 1m watch timeout, got %v", cfg.Dispatcher.WatchTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pupstream.yaml")
	data := `
store:
  backend: postgres
  dsn: postgres://localhost/app
  schema: tenant_a
  poll_interval: 50ms
dispatcher:
  batch_size: 10
  workers: 4
log:
  level: debug
subscriptions:
  - id: billing
    stream: orders-*
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Store.Schema != "tenant_a" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Store.PollInterval != 50*time.Millisecond {
		t.Errorf("expected 50ms, got %v", cfg.Store.PollInterval)
	}
	if cfg.Dispatcher.BatchSize != 10 || cfg.Dispatcher.Workers != 4 {
		t.Errorf("unexpected dispatcher config %+v", cfg.Dispatcher)
	}
	// Absent keys keep their defaults
	if cfg.Dispatcher.ErrorBackoff != time.Second || cfg.Log.Format != "text" || !cfg.Store.Migrate {
		t.Errorf("defaults were not preserved: %+v", cfg)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].Stream != "orders-*" {
		t.Errorf("unexpected subscriptions %+v", cfg.Subscriptions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	cfg := Default()
	err := Parse([]byte("store:\n  backnd: memory\n"), &cfg)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg := Default()
	if err := Parse(nil, &cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("defaults were overwritten: %+v", cfg.Store)
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"PUPSTREAM_BACKEND":       "sqlite",
		"PUPSTREAM_PATH":          "/var/lib/pupstream.db",
		"PUPSTREAM_MIGRATE":       "false",
		"PUPSTREAM_WORKERS":       "3",
		"PUPSTREAM_WATCH_TIMEOUT": "30s",
		"PUPSTREAM_LOG_FORMAT":    "json",
		"PUPSTREAM_DSN":           "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := fromLookup(&cfg, lookup); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.Path != "/var/lib/pupstream.db" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Store.Migrate {
		t.Error("expected migrate disabled")
	}
	if cfg.Dispatcher.Workers != 3 || cfg.Dispatcher.WatchTimeout != 30*time.Second {
		t.Errorf("unexpected dispatcher config %+v", cfg.Dispatcher)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json format, got %q", cfg.Log.Format)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"PUPSTREAM_BATCH_SIZE":    "lots",
		"PUPSTREAM_POLL_INTERVAL": "soon",
		"PUPSTREAM_MIGRATE":       "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := fromLookup(&cfg, func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			})
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error naming %s, got %v", key, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "oracle" }, want: "unknown store.backend"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = BackendSQLite }, want: "store.path is required"},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Store.Backend = BackendMySQL }, want: "store.dsn is required"},
		{name: "schema outside postgres", mutate: func(c *Config) { c.Store.Schema = "x" }, want: "store.schema"},
		{name: "zero batch", mutate: func(c *Config) { c.Dispatcher.BatchSize = 0 }, want: "batch_size"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log.level"},
		{name: "wildcard subscription", mutate: func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{ID: "a-*", Stream: "s"}}
		}, want: "must not be a wildcard"},
		{name: "duplicate subscription", mutate: func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{ID: "a", Stream: "s"}, {ID: "a", Stream: "t"}}
		}, want: "declared twice"},
		{name: "subscription without stream", mutate: func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{ID: "a"}}
		}, want: "stream is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}
