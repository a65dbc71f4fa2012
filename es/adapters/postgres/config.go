// Package postgres provides a PostgreSQL adapter for event streaming.
//
// Writers to a stream are serialized by a row lock on the stream, and global
// sequences are handed out under a lock on the single heads row, so sequences
// follow commit order. Subscription claims are row locks taken with
// FOR UPDATE SKIP LOCKED and held until the claiming transaction ends.
package postgres

import (
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

const backendName = "postgres"

// StoreConfig contains configuration for the PostgreSQL stores.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock stamps CreatedAt and ProcessedAt. Defaults to es.SystemClock.
	Clock es.Clock

	// Schema qualifies every table name. Empty uses the search path.
	Schema string

	// StreamsTable is the name of the streams table
	StreamsTable string

	// EventsTable is the name of the events table
	EventsTable string

	// SubscriptionsTable is the name of the subscriptions table
	SubscriptionsTable string

	// HeadsTable is the name of the global sequence table
	HeadsTable string

	// PollInterval paces Watch on both stores
	PollInterval time.Duration
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Clock:              es.SystemClock{},
		StreamsTable:       "streams",
		EventsTable:        "events",
		SubscriptionsTable: "subscriptions",
		HeadsTable:         "store_heads",
		PollInterval:       store.DefaultPollInterval,
	}
}

// StoreOption is a functional option for configuring a Store.
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

// WithSchema qualifies every table with schema.
func WithSchema(schema string) StoreOption {
	return func(c *StoreConfig) {
		c.Schema = schema
	}
}

// WithStreamsTable sets a custom streams table name.
func WithStreamsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.StreamsTable = tableName
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithSubscriptionsTable sets a custom subscriptions table name.
func WithSubscriptionsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SubscriptionsTable = tableName
	}
}

// WithHeadsTable sets a custom heads table name.
func WithHeadsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.HeadsTable = tableName
	}
}

// WithPollInterval sets how often Watch re-checks for work.
func WithPollInterval(d time.Duration) StoreOption {
	return func(c *StoreConfig) {
		c.PollInterval = d
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := postgres.NewStoreConfig(
//	    postgres.WithLogger(myLogger),
//	    postgres.WithSchema("billing"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c StoreConfig) normalized() StoreConfig {
	d := DefaultStoreConfig()
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.StreamsTable == "" {
		c.StreamsTable = d.StreamsTable
	}
	if c.EventsTable == "" {
		c.EventsTable = d.EventsTable
	}
	if c.SubscriptionsTable == "" {
		c.SubscriptionsTable = d.SubscriptionsTable
	}
	if c.HeadsTable == "" {
		c.HeadsTable = d.HeadsTable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// tables holds the schema-qualified table names.
type tables struct {
	streams       string
	events        string
	subscriptions string
	heads         string
}

func (c StoreConfig) tables() tables {
	q := func(name string) string {
		if c.Schema == "" {
			return name
		}
		return c.Schema + "." + name
	}
	return tables{
		streams:       q(c.StreamsTable),
		events:        q(c.EventsTable),
		subscriptions: q(c.SubscriptionsTable),
		heads:         q(c.HeadsTable),
	}
}
