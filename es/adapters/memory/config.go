// Package memory provides an in-memory adapter for event streaming.
//
// It is intended for tests, examples and single-process tools. Nothing survives a restart.
package memory

import (
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

const backendName = "memory"

// StoreConfig contains configuration for the in-memory stores.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock stamps CreatedAt and ProcessedAt. Defaults to es.SystemClock.
	Clock es.Clock

	// PollInterval paces SubscriptionTx.Watch
	PollInterval time.Duration
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Clock:        es.SystemClock{},
		PollInterval: store.DefaultPollInterval,
	}
}

// StoreOption is a functional option for configuring a store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(clock es.Clock) StoreOption {
	return func(c *StoreConfig) {
		c.Clock = clock
	}
}

// WithPollInterval sets how often SubscriptionTx.Watch re-checks for work.
func WithPollInterval(d time.Duration) StoreOption {
	return func(c *StoreConfig) {
		c.PollInterval = d
	}
}

// NewStoreConfig starts from DefaultStoreConfig and applies opts.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c StoreConfig) normalized() StoreConfig {
	if c.Clock == nil {
		c.Clock = es.SystemClock{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = store.DefaultPollInterval
	}
	return c
}
