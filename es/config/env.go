package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PUPSTREAM_"

// FromEnv overlays PUPSTREAM_* environment variables onto cfg.
// Unparseable values are reported instead of being silently ignored.
func FromEnv(cfg *Config) error {
	return fromLookup(cfg, os.LookupEnv)
}

func fromLookup(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("BACKEND"); ok {
		cfg.Store.Backend = v
	}
	if v, ok := get("DSN"); ok {
		cfg.Store.DSN = v
	}
	if v, ok := get("PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := get("SCHEMA"); ok {
		cfg.Store.Schema = v
	}
	if v, ok := get("KEY_PREFIX"); ok {
		cfg.Store.KeyPrefix = v
	}
	if v, ok := get("MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMIGRATE: %w", EnvPrefix, err)
		}
		cfg.Store.Migrate = b
	}
	if err := envDuration(get, "POLL_INTERVAL", &cfg.Store.PollInterval); err != nil {
		return err
	}

	if err := envInt(get, "BATCH_SIZE", &cfg.Dispatcher.BatchSize); err != nil {
		return err
	}
	if err := envInt(get, "WORKERS", &cfg.Dispatcher.Workers); err != nil {
		return err
	}
	if err := envDuration(get, "WATCH_TIMEOUT", &cfg.Dispatcher.WatchTimeout); err != nil {
		return err
	}
	if err := envDuration(get, "ERROR_BACKOFF", &cfg.Dispatcher.ErrorBackoff); err != nil {
		return err
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := get("TELEMETRY_EXPORTER"); ok {
		cfg.Telemetry.Exporter = v
	}
	return nil
}

func envInt(get func(string) (string, bool), name string, dst *int) error {
	v, ok := get(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func envDuration(get func(string) (string, bool), name string, dst *time.Duration) error {
	v, ok := get(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = d
	return nil
}
