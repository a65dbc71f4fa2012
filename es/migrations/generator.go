// Package migrations provides SQL migration generation for event streaming infrastructure.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dialect selects the SQL flavour of the generated schema.
type Dialect string

const (
	// Postgres generates PostgreSQL DDL.
	Postgres Dialect = "postgres"
	// MySQL generates MySQL 8 DDL.
	MySQL Dialect = "mysql"
	// SQLite generates SQLite DDL.
	SQLite Dialect = "sqlite3"
)

// ParseDialect maps a user-supplied name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unknown dialect %q", name)
	}
}

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// Schema qualifies every table (PostgreSQL only). Empty means the search path.
	Schema string

	// StreamsTable is the name of the streams table
	StreamsTable string

	// EventsTable is the name of the events table
	EventsTable string

	// SubscriptionsTable is the name of the subscriptions table
	SubscriptionsTable string

	// HeadsTable is the name of the single-row global sequence table
	HeadsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:       "migrations",
		OutputFilename:     fmt.Sprintf("%s_init_event_streams.sql", timestamp),
		StreamsTable:       "streams",
		EventsTable:        "events",
		SubscriptionsTable: "subscriptions",
		HeadsTable:         "store_heads",
	}
}

// table returns the possibly schema-qualified name of a table.
func (c *Config) table(name string) string {
	if c.Schema == "" {
		return name
	}
	return c.Schema + "." + name
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return write(config, generatePostgresSQL(config))
}

// GenerateMySQL generates a MySQL migration file.
func GenerateMySQL(config *Config) error {
	return write(config, generateMySQLSQL(config))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return write(config, generateSQLiteSQL(config))
}

// Generate writes the migration file for dialect.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}
	return write(config, sql)
}

// SQL returns the schema DDL for dialect without writing it anywhere.
func SQL(dialect Dialect, config *Config) (string, error) {
	switch dialect {
	case Postgres:
		return generatePostgresSQL(config), nil
	case MySQL:
		return generateMySQLSQL(config), nil
	case SQLite:
		return generateSQLiteSQL(config), nil
	default:
		return "", fmt.Errorf("unknown dialect %q", dialect)
	}
}

func write(config *Config, sql string) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

func generatePostgresSQL(config *Config) string {
	var schema string
	if config.Schema != "" {
		schema = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;\n\n", config.Schema)
	}

	streams := config.table(config.StreamsTable)
	events := config.table(config.EventsTable)
	subs := config.table(config.SubscriptionsTable)
	heads := config.table(config.HeadsTable)

	return fmt.Sprintf(`-- Event Streaming Infrastructure Migration
-- Generated: %s

%s-- Streams table holds one row per stream and serializes writers through a row lock.
-- last_index is -1 until the first event is written.
CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    stream_id TEXT NOT NULL UNIQUE,
    last_index BIGINT NOT NULL DEFAULT -1,
    last_sequence BIGINT NOT NULL DEFAULT 0,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMPTZ
);

-- Events table stores all events in append-only fashion.
-- sequence is assigned from the heads table, so it follows commit order.
-- BYTEA for data keeps the payload format opaque to the store.
CREATE TABLE IF NOT EXISTS %s (
    sequence BIGINT PRIMARY KEY,
    stream_ref BIGINT NOT NULL REFERENCES %s (id),
    stream_index BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    data BYTEA,
    trace_id UUID,
    metadata JSONB,

    UNIQUE (stream_ref, stream_index)
);

-- Subscriptions table holds durable cursors.
-- stream_kind: 0 exact, 1 prefix, 2 suffix, 3 all; stream_body is the id without its wildcard.
CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    subscription_id TEXT NOT NULL UNIQUE,
    stream_id TEXT NOT NULL,
    stream_kind SMALLINT NOT NULL,
    stream_body TEXT NOT NULL,
    position BIGINT NOT NULL DEFAULT -1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ
);

-- Index for watch ordering
CREATE INDEX IF NOT EXISTS idx_%s_processed
    ON %s (processed_at NULLS FIRST);

-- Heads table holds the last assigned global sequence in a single row
CREATE TABLE IF NOT EXISTS %s (
    id SMALLINT PRIMARY KEY,
    last_sequence BIGINT NOT NULL
);

INSERT INTO %s (id, last_sequence) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`,
		time.Now().Format(time.RFC3339),
		schema,
		streams,
		events, streams,
		subs,
		config.SubscriptionsTable, subs,
		heads,
		heads,
	)
}

func generateMySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Streaming Infrastructure Migration for MySQL
-- Generated: %s

-- Streams table holds one row per stream and serializes writers through a row lock.
-- utf8mb4_bin gives ordinal comparison of stream ids.
CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    stream_id VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    last_index BIGINT NOT NULL DEFAULT -1,
    last_sequence BIGINT NOT NULL DEFAULT 0,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    deleted_at TIMESTAMP(6) NULL,

    UNIQUE KEY unique_stream_id (stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;

-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    sequence BIGINT PRIMARY KEY,
    stream_ref BIGINT NOT NULL,
    stream_index BIGINT NOT NULL,
    event_id BINARY(16) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    data LONGBLOB,
    trace_id BINARY(16),
    metadata JSON,

    UNIQUE KEY unique_event_id (event_id),
    UNIQUE KEY unique_stream_index (stream_ref, stream_index),
    FOREIGN KEY (stream_ref) REFERENCES %s (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;

-- Subscriptions table holds durable cursors
CREATE TABLE IF NOT EXISTS %s (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    subscription_id VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    stream_id VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    stream_kind SMALLINT NOT NULL,
    stream_body VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    position BIGINT NOT NULL DEFAULT -1,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    processed_at TIMESTAMP(6) NULL,

    UNIQUE KEY unique_subscription_id (subscription_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;

-- Heads table holds the last assigned global sequence in a single row
CREATE TABLE IF NOT EXISTS %s (
    id SMALLINT PRIMARY KEY,
    last_sequence BIGINT NOT NULL
) ENGINE=InnoDB;

INSERT IGNORE INTO %s (id, last_sequence) VALUES (1, 0);
`,
		time.Now().Format(time.RFC3339),
		config.StreamsTable,
		config.EventsTable, config.StreamsTable,
		config.SubscriptionsTable,
		config.HeadsTable,
		config.HeadsTable,
	)
}

func generateSQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Streaming Infrastructure Migration for SQLite
-- Generated: %s

-- Streams table holds one row per stream
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL UNIQUE,
    last_index INTEGER NOT NULL DEFAULT -1,
    last_sequence INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    deleted_at TEXT
);

-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    sequence INTEGER PRIMARY KEY,
    stream_ref INTEGER NOT NULL REFERENCES %s (id),
    stream_index INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    data BLOB,
    trace_id TEXT,
    metadata TEXT,

    UNIQUE (stream_ref, stream_index)
);

-- Subscriptions table holds durable cursors
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subscription_id TEXT NOT NULL UNIQUE,
    stream_id TEXT NOT NULL,
    stream_kind INTEGER NOT NULL,
    stream_body TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT -1,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    processed_at TEXT
);

-- Heads table holds the last assigned global sequence in a single row
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    last_sequence INTEGER NOT NULL
);

INSERT OR IGNORE INTO %s (id, last_sequence) VALUES (1, 0);
`,
		time.Now().Format(time.RFC3339),
		config.StreamsTable,
		config.EventsTable, config.StreamsTable,
		config.SubscriptionsTable,
		config.HeadsTable,
		config.HeadsTable,
	)
}

// dropSQL returns statements that remove the schema, in dependency order.
func dropSQL(dialect Dialect, config *Config) string {
	name := func(table string) string {
		if dialect == Postgres {
			return config.table(table)
		}
		return table
	}
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
`,
		name(config.SubscriptionsTable),
		name(config.EventsTable),
		name(config.StreamsTable),
		name(config.HeadsTable),
	)
}
