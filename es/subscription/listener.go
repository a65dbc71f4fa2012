// Package subscription delivers stored events to listeners through durable subscriptions.
//
// A Dispatcher repeatedly claims the next subscription that is behind its stream,
// hands the new events to the listener registered for it and checkpoints the
// position of the last event the listener accepted. Claims are exclusive across
// dispatchers and processes, so each subscription has at most one active consumer.
// Delivery is at-least-once: a crash between handling and commit replays the batch.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupstream/es"
)

var (
	// ErrDuplicateListener indicates a second Register for the same subscription id.
	ErrDuplicateListener = errors.New("listener already registered")

	// ErrNilFactory indicates Register was called without a factory.
	ErrNilFactory = errors.New("listener factory is nil")
)

// Listener handles events delivered for one subscription.
type Listener interface {
	// Handle processes a single event.
	// Return an error to stop the current batch; the event is redelivered later.
	Handle(ctx context.Context, event es.RecordedEvent) error
}

type txKey struct{}

func withTx(ctx context.Context, db es.DBTX) context.Context {
	return context.WithValue(ctx, txKey{}, db)
}

// TxFromContext returns the database transaction that holds the current claim.
// It is set only while a listener runs against the postgres or mysql backends.
// Writes made through it commit atomically with the subscription checkpoint.
func TxFromContext(ctx context.Context) (es.DBTX, bool) {
	db, ok := ctx.Value(txKey{}).(es.DBTX)
	return db, ok
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event es.RecordedEvent) error

// Handle implements Listener.
//
//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (f ListenerFunc) Handle(ctx context.Context, event es.RecordedEvent) error {
	return f(ctx, event)
}

// ListenerFactory builds the listener for a claimed subscription.
// It is called once per dispatch cycle.
type ListenerFactory func(ctx context.Context, id es.SubscriptionID) (Listener, error)

// Static returns a factory that always yields l.
func Static(l Listener) ListenerFactory {
	return func(context.Context, es.SubscriptionID) (Listener, error) {
		return l, nil
	}
}

type noopListener struct{}

//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (noopListener) Handle(context.Context, es.RecordedEvent) error { return nil }

// NoopListener consumes events without doing anything.
// Subscriptions without a registered listener resolve to it.
var NoopListener Listener = noopListener{}

// Registry maps exact subscription ids to listener factories.
// It is safe for concurrent use.
type Registry struct {
	factories map[string]ListenerFactory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ListenerFactory)}
}

// Register binds factory to id. Wildcard ids are rejected.
func (r *Registry) Register(id es.SubscriptionID, factory ListenerFactory) error {
	if id.IsZero() {
		return es.ErrEmptyID
	}
	if id.IsWildcard() {
		return es.ErrWildcardSubscription
	}
	if factory == nil {
		return fmt.Errorf("subscription %q: %w", id, ErrNilFactory)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id.String()]; exists {
		return fmt.Errorf("subscription %q: %w", id, ErrDuplicateListener)
	}
	r.factories[id.String()] = factory
	return nil
}

// Resolve builds the listener for id. Unregistered ids resolve to NoopListener.
func (r *Registry) Resolve(ctx context.Context, id es.SubscriptionID) (Listener, error) {
	r.mu.RLock()
	factory, ok := r.factories[id.String()]
	r.mu.RUnlock()

	if !ok {
		return NoopListener, nil
	}
	l, err := factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to build listener for %q: %w", id, err)
	}
	if l == nil {
		return NoopListener, nil
	}
	return l, nil
}

// Registered reports whether id has a factory.
func (r *Registry) Registered(id es.SubscriptionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id.String()]
	return ok
}
