package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/getpup/pupstream/es/migrations"
)

// Open connects to PostgreSQL through a lib/pq connector. The connection is verified with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the schema described by config, creating config.Schema when set.
func Migrate(ctx context.Context, db *sql.DB, config StoreConfig) error {
	config = config.normalized()
	mc := migrations.DefaultConfig()
	mc.Schema = config.Schema
	mc.StreamsTable = config.StreamsTable
	mc.EventsTable = config.EventsTable
	mc.SubscriptionsTable = config.SubscriptionsTable
	mc.HeadsTable = config.HeadsTable

	if err := migrations.Apply(ctx, db, migrations.Postgres, &mc); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
