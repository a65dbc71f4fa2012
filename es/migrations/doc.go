// Package migrations provides the SQL schema for the event, stream, subscription
// and sequence tables used by the SQL adapters.
//
// Migrations can be generated as plain SQL files with the migrate-gen command:
//
//	go run github.com/getpup/pupstream/cmd/migrate-gen -dialect postgres -output migrations
//
// Or applied directly at startup with Apply, which tracks the applied version
// through goose:
//
//	cfg := migrations.DefaultConfig()
//	err := migrations.Apply(ctx, db, migrations.Postgres, &cfg)
package migrations
