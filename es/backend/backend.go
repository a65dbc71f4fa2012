// Package backend builds event and subscription stores from host configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	cpebble "github.com/cockroachdb/pebble"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/memory"
	"github.com/getpup/pupstream/es/adapters/mysql"
	"github.com/getpup/pupstream/es/adapters/pebble"
	"github.com/getpup/pupstream/es/adapters/postgres"
	"github.com/getpup/pupstream/es/adapters/sqlite"
	"github.com/getpup/pupstream/es/config"
	"github.com/getpup/pupstream/es/store"
)

// Backend is an opened pair of stores sharing one database.
type Backend struct {
	Events        store.EventStore
	Subscriptions store.SubscriptionStore

	// Name is the configured backend name
	Name string

	close func() error
}

// Close releases the underlying database. It is safe to call more than once.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	closeFn := b.close
	b.close = nil
	return closeFn()
}

// Open connects to the backend named in cfg and, for SQL backends with cfg.Migrate set,
// applies the schema. The caller must Close the returned Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger es.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		sc := memory.NewStoreConfig(memory.WithLogger(logger), memory.WithPollInterval(cfg.PollInterval))
		events := memory.NewStore(sc)
		return &Backend{
			Name:          cfg.Backend,
			Events:        events,
			Subscriptions: memory.NewSubscriptionStore(events, sc),
		}, nil

	case config.BackendPebble:
		db, err := pebble.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		sc := pebble.NewStoreConfig(
			pebble.WithLogger(logger),
			pebble.WithKeyPrefix(cfg.KeyPrefix),
			pebble.WithPollInterval(cfg.PollInterval),
		)
		events := pebble.NewStore(db, sc)
		return &Backend{
			Name:          cfg.Backend,
			Events:        events,
			Subscriptions: pebble.NewSubscriptionStore(events, sc),
			close:         closer(db),
		}, nil

	case config.BackendSQLite:
		sc := sqlite.NewStoreConfig(sqlite.WithLogger(logger), sqlite.WithPollInterval(cfg.PollInterval))
		var db *sql.DB
		var err error
		if cfg.Migrate {
			db, err = sqlite.OpenAndMigrate(ctx, cfg.Path, sc)
		} else {
			db, err = sqlite.Open(cfg.Path, sqlite.DefaultBusyTimeout)
		}
		if err != nil {
			return nil, err
		}
		return &Backend{
			Name:          cfg.Backend,
			Events:        sqlite.NewStore(db, sc),
			Subscriptions: sqlite.NewSubscriptionStore(db, sc),
			close:         db.Close,
		}, nil

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		sc := postgres.NewStoreConfig(
			postgres.WithLogger(logger),
			postgres.WithSchema(cfg.Schema),
			postgres.WithPollInterval(cfg.PollInterval),
		)
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, db, sc); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &Backend{
			Name:          cfg.Backend,
			Events:        postgres.NewStore(db, sc),
			Subscriptions: postgres.NewSubscriptionStore(db, sc),
			close:         db.Close,
		}, nil

	case config.BackendMySQL:
		db, err := mysql.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		sc := mysql.NewStoreConfig(mysql.WithLogger(logger), mysql.WithPollInterval(cfg.PollInterval))
		if cfg.Migrate {
			if err := mysql.Migrate(ctx, db, sc); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &Backend{
			Name:          cfg.Backend,
			Events:        mysql.NewStore(db, sc),
			Subscriptions: mysql.NewSubscriptionStore(db, sc),
			close:         db.Close,
		}, nil

	case "":
		return nil, errors.New("backend: no backend configured")
	default:
		return nil, fmt.Errorf("backend: unknown backend %q", cfg.Backend)
	}
}

func closer(db *cpebble.DB) func() error {
	return func() error {
		if err := db.Close(); err != nil {
			return es.WrapStoreError("pebble", "close", err)
		}
		return nil
	}
}
