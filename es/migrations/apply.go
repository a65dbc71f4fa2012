package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing/fstest"

	"github.com/pressly/goose/v3"
)

// VersionTable is the goose bookkeeping table used by Apply.
const VersionTable = "pupstream_schema_version"

const migrationFile = "00001_init_event_streams.sql"

// goose keeps its dialect, filesystem and table name in package state.
var gooseMu sync.Mutex

// Apply brings db up to date with the schema for dialect, recording progress in
// VersionTable. Running it again is a no-op.
func Apply(ctx context.Context, db *sql.DB, dialect Dialect, config *Config) error {
	fsys, err := migrationFS(dialect, config)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	goose.SetTableName(VersionTable)

	if err := goose.SetDialect(string(dialect)); err != nil {
		return fmt.Errorf("apply migrations: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: up: %w", err)
	}
	return nil
}

// migrationFS wraps the generated DDL in a single goose migration.
func migrationFS(dialect Dialect, config *Config) (fstest.MapFS, error) {
	up, err := SQL(dialect, config)
	if err != nil {
		return nil, err
	}
	body := "-- +goose Up\n" + up + "\n-- +goose Down\n" + dropSQL(dialect, config)
	return fstest.MapFS{
		migrationFile: &fstest.MapFile{Data: []byte(body)},
	}, nil
}
