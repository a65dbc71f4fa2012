package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/pupstream/es/migrations"
)

// Open connects to MySQL or MariaDB. parseTime is forced on since the stores scan
// DATETIME columns into time.Time. The connection is verified with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the schema described by config.
func Migrate(ctx context.Context, db *sql.DB, config StoreConfig) error {
	config = config.normalized()
	mc := migrations.DefaultConfig()
	mc.StreamsTable = config.StreamsTable
	mc.EventsTable = config.EventsTable
	mc.SubscriptionsTable = config.SubscriptionsTable
	mc.HeadsTable = config.HeadsTable

	if err := migrations.Apply(ctx, db, migrations.MySQL, &mc); err != nil {
		return fmt.Errorf("mysql: migrate: %w", err)
	}
	return nil
}
