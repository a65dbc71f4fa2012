package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/getpup/pupstream/es/migrations"
)

// DriverName is the database/sql driver the adapter is tested against.
const DriverName = "sqlite"

// DefaultBusyTimeout is how long a connection waits for the database write lock.
const DefaultBusyTimeout = 5 * time.Second

// Open opens the database at path with the connection settings the stores rely on:
// WAL journaling, enforced foreign keys, a busy timeout and transactions that take
// the write lock up front.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	// Validate path to prevent URI parameter injection
	if strings.ContainsAny(path, "?#") {
		return nil, errors.New("sqlite: path cannot contain '?' or '#' characters")
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	return db, nil
}

// OpenAndMigrate opens the database at path and applies the schema described by config.
func OpenAndMigrate(ctx context.Context, path string, config StoreConfig) (*sql.DB, error) {
	db, err := Open(path, DefaultBusyTimeout)
	if err != nil {
		return nil, err
	}

	config = config.normalized()
	mc := migrations.DefaultConfig()
	mc.StreamsTable = config.StreamsTable
	mc.EventsTable = config.EventsTable
	mc.SubscriptionsTable = config.SubscriptionsTable
	mc.HeadsTable = config.HeadsTable

	if err := migrations.Apply(ctx, db, migrations.SQLite, &mc); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return db, nil
}
