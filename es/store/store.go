// Package store provides event store and subscription store abstractions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/getpup/pupstream/es"
)

var (
	// ErrNoEvents indicates an attempt to write zero events.
	ErrNoEvents = errors.New("no events to write")

	// ErrInvalidCount indicates a read with a non-positive maxCount.
	ErrInvalidCount = errors.New("maxCount must be positive")

	// ErrSubscriptionExists indicates Create with failIfExists on an existing subscription.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrTxDone indicates use of a SubscriptionTx after Commit or Rollback.
	ErrTxDone = errors.New("subscription transaction already finished")

	// ErrAlreadyWatching indicates a second Watch on a SubscriptionTx that already holds a claim.
	ErrAlreadyWatching = errors.New("subscription transaction already holds a claim")
)

// WriteResult describes the block of events appended by a successful Write.
type WriteResult struct {
	// FirstIndex and LastIndex are the stream indices of the first and last written event
	FirstIndex int64
	LastIndex  int64

	// FirstSequence and LastSequence are the global sequences of the first and last written event
	FirstSequence int64
	LastSequence  int64
}

// WatchEventResult is returned by EventStore.Watch when the target has new events.
type WatchEventResult struct {
	// Position is the last observed position: stream index for exact targets,
	// global sequence for wildcard targets.
	Position es.StreamPosition
}

// EventStore owns the append-only per-stream event log.
type EventStore interface {
	// Write atomically appends events to an exact stream if expected matches the
	// stream's persisted state. Each event gets the next stream index and a new
	// global sequence. Returns *es.StreamStateError on mismatch (nothing is written),
	// *es.StreamDeletedError for tombstoned streams and ErrNoEvents for empty input.
	Write(ctx context.Context, stream es.StreamID, events []es.Event, expected es.StreamState) (WriteResult, error)

	// Read returns up to maxCount events starting at from (inclusive) in the given direction.
	// Forward from es.End returns only the most recent event.
	// Wildcard targets merge matching streams by global sequence.
	// Returns *es.StreamNotFoundError if an exact stream was never written.
	Read(ctx context.Context, stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) ([]es.RecordedEvent, error)

	// Watch returns the current tail position once the target has events beyond from,
	// blocking up to timeout. A timeout returns (nil, nil).
	Watch(ctx context.Context, stream es.StreamID, from es.StreamPosition, timeout time.Duration) (*WatchEventResult, error)

	// Delete tombstones an exact stream. Later reads and writes fail with *es.StreamDeletedError.
	Delete(ctx context.Context, stream es.StreamID) error
}

// Subscription is a durable cursor over a stream or wildcard pattern.
type Subscription struct {
	// CreatedAt is when the subscription was registered
	CreatedAt time.Time

	// ProcessedAt is the time of the last checkpoint, nil until the first one
	ProcessedAt *time.Time

	// ID identifies the subscription; always exact
	ID es.SubscriptionID

	// StreamID is the watched stream; may be a wildcard
	StreamID es.StreamID

	// Position is the last successfully processed index (or sequence for wildcard targets)
	Position es.StreamPosition
}

// WatchSubscriptionResult is a subscription claimed by SubscriptionTx.Watch.
type WatchSubscriptionResult struct {
	// SubscriptionID of the claimed subscription
	SubscriptionID es.SubscriptionID

	// StreamID the subscription watches
	StreamID es.StreamID

	// Position is the subscription's checkpoint at claim time
	Position es.StreamPosition

	// Tail is the target's last index or sequence at claim time
	Tail es.StreamPosition
}

// SubscriptionStore owns subscription records.
type SubscriptionStore interface {
	// Create registers a subscription at es.Start. If it already exists, Create fails
	// when failIfExists is set and is a no-op otherwise.
	Create(ctx context.Context, id es.SubscriptionID, stream es.StreamID, failIfExists bool) error

	// Delete removes subscriptions matching id. An exact id that does not exist returns
	// *es.SubscriptionNotFoundError; wildcard filters never fail on zero matches.
	Delete(ctx context.Context, id es.SubscriptionID) error

	// Update checkpoints a subscription outside of a watch transaction.
	Update(ctx context.Context, id es.SubscriptionID, position es.StreamPosition) error

	// Get returns a single subscription.
	Get(ctx context.Context, id es.SubscriptionID) (Subscription, error)

	// List returns subscriptions matching filter ordered by id.
	List(ctx context.Context, filter es.SubscriptionID) ([]Subscription, error)

	// Reset moves a subscription back to es.Start so it replays its stream.
	Reset(ctx context.Context, id es.SubscriptionID) error

	// Begin starts a scope that can claim one subscription. The claim lasts until
	// Commit or Rollback.
	Begin(ctx context.Context) (SubscriptionTx, error)
}

// SubscriptionTx is a scoped claim on at most one subscription.
// Rollback after Commit is a no-op, so callers can always defer Rollback.
type SubscriptionTx interface {
	// Watch claims the next subscription whose position is behind its target's tail,
	// polling until one appears or timeout elapses. A timeout returns (nil, nil).
	// No other scope observes the claimed subscription until this one ends.
	Watch(ctx context.Context, timeout time.Duration) (*WatchSubscriptionResult, error)

	// Update checkpoints the claimed subscription. The new position becomes
	// visible on Commit.
	Update(ctx context.Context, id es.SubscriptionID, position es.StreamPosition) error

	// Commit persists the checkpoint and releases the claim.
	Commit() error

	// Rollback discards the checkpoint and releases the claim.
	Rollback() error
}

// TxHolder is implemented by subscription transactions that wrap a database
// transaction. Writes made through DBTX commit or roll back with the checkpoint.
type TxHolder interface {
	DBTX() es.DBTX
}
