// Package pupstream provides append-only event streams with durable subscriptions.
//
// This package serves as the main entry point for the pupstream library.
// For the core functionality, see the es package and its subpackages:
//
//	es                    - Core types: ids, positions, events, errors
//	es/store              - EventStore and SubscriptionStore interfaces
//	es/subscription       - Listeners, dispatcher and hosted manager
//	es/adapters/memory    - In-memory implementation
//	es/adapters/pebble    - Pebble implementation
//	es/adapters/sqlite    - SQLite implementation
//	es/adapters/postgres  - PostgreSQL implementation
//	es/adapters/mysql     - MySQL/MariaDB implementation
//	es/migrations         - Migration generation and application
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getpup/pupstream/cmd/migrate-gen -dialect postgres -output migrations
//
//  2. Create stores and append events:
//     events := postgres.NewStore(db, postgres.DefaultStoreConfig())
//     subs := postgres.NewSubscriptionStore(db, postgres.DefaultStoreConfig())
//     result, err := events.Write(ctx, es.NewStreamID("order-1"), batch, es.NoStream())
//
//  3. Dispatch to listeners:
//     subs.Create(ctx, es.NewSubscriptionID("billing"), es.NewStreamID("order-*"), false)
//     registry := subscription.NewRegistry()
//     registry.Register(es.NewSubscriptionID("billing"), subscription.Static(listener))
//     d, _ := subscription.NewDispatcher(events, subs, registry, subscription.DefaultConfig())
//     d.Run(ctx)
//
// See the examples directory for complete working examples.
package pupstream

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
