// Package es provides core event streaming infrastructure.
//
// # Overview
//
// This package defines the fundamental types shared by every backend:
//   - StreamID / SubscriptionID: identifiers with wildcard matching ("x*", "*x", "*")
//   - StreamPosition: event index or global sequence, with Start and End sentinels
//   - StreamState: optimistic concurrency precondition (Any, NoStream, AtIndex)
//   - Event / RecordedEvent: immutable events and their store-assigned metadata
//   - typed errors: StreamStateError, StreamNotFoundError, StreamDeletedError,
//     SubscriptionNotFoundError, StoreError
//   - DBTX, Logger and Clock collaborators
//
// # Design Philosophy
//
// Clean Architecture: Core interfaces are database-agnostic. Backends
// (PostgreSQL, MySQL, SQLite, Pebble, memory) live in adapter packages under
// es/adapters and implement the interfaces in es/store.
//
// Immutability: Events are value objects. They get an Index and a Sequence
// only once a store persists them, and are never mutated afterwards.
//
// # Quick Start
//
//	events := memory.NewStore(memory.DefaultStoreConfig())
//	subs := memory.NewSubscriptionStore(events, memory.DefaultStoreConfig())
//
//	_, err := events.Write(ctx, es.NewStreamID("order-42"), []es.Event{
//	    {EventType: "OrderPlaced", Data: payload},
//	}, es.NoStream())
//
//	_ = subs.Create(ctx, es.NewSubscriptionID("billing"), es.NewStreamID("order-*"), false)
//
//	registry := subscription.NewRegistry()
//	registry.Register(es.NewSubscriptionID("billing"), subscription.Static(billingListener))
//
//	dispatcher := subscription.NewDispatcher(events, subs, registry, subscription.DefaultConfig())
//	dispatcher.Run(ctx)
//
// # Optimistic Concurrency
//
// Every write carries an expected StreamState:
//   - Any skips the check
//   - NoStream requires the stream to not exist
//   - AtIndex(n) requires the stream's last event index to be exactly n
//
// A mismatch returns *StreamStateError and appends nothing. Writers to the same
// stream are serialized by the backend, so two writers with the same exact
// expectation can never both succeed.
//
// # Subscriptions
//
// A subscription is a durable cursor over a stream or wildcard pattern. The
// dispatcher claims one subscription at a time under an exclusive lock, reads
// the events after its position, delivers them to a listener and checkpoints
// the position before releasing the claim. Delivery is at-least-once and
// ordered; a failing event blocks the rest of its batch until it succeeds.
//
// See the es/subscription package for details.
package es
