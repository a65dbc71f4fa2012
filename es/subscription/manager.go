package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/es/subscription/runner"
)

var (
	// ErrManagerRunning indicates Start on a manager that is already running.
	ErrManagerRunning = errors.New("manager already running")

	// ErrStreamMismatch indicates a definition whose subscription already watches another stream.
	ErrStreamMismatch = errors.New("subscription exists with a different stream")
)

// Definition declares a subscription and the listener that consumes it.
type Definition struct {
	// Factory builds the listener; nil consumes events with NoopListener
	Factory ListenerFactory

	// ID is the exact subscription id
	ID es.SubscriptionID

	// Stream is the watched stream, exact or wildcard
	Stream es.StreamID
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Dispatcher is the template for every dispatcher; names get a numeric suffix
	Dispatcher Config

	// Workers is the number of dispatchers run side by side
	Workers int

	// RegisterAttempts bounds retries of transient store failures during registration
	RegisterAttempts uint

	// RegisterDelay is the initial delay between registration attempts
	RegisterDelay time.Duration
}

// DefaultManagerConfig returns the default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Dispatcher:       DefaultConfig(),
		Workers:          1,
		RegisterAttempts: 5,
		RegisterDelay:    200 * time.Millisecond,
	}
}

// Manager registers subscription definitions and hosts dispatchers for them.
type Manager struct {
	events   store.EventStore
	subs     store.SubscriptionStore
	registry *Registry
	config   ManagerConfig
	defs     []Definition

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewManager creates a manager for defs.
func NewManager(events store.EventStore, subs store.SubscriptionStore, defs []Definition, config ManagerConfig) *Manager {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RegisterAttempts == 0 {
		config.RegisterAttempts = 1
	}
	return &Manager{
		events:   events,
		subs:     subs,
		registry: NewRegistry(),
		config:   config,
		defs:     defs,
	}
}

// Registry returns the registry shared by the manager's dispatchers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Register ensures every defined subscription exists and binds its factory.
// Existing subscriptions keep their position. Transient store failures are retried.
func (m *Manager) Register(ctx context.Context) error {
	logger := m.config.Dispatcher.Logger

	for _, def := range m.defs {
		if err := store.ValidateSubscription(def.ID); err != nil {
			return fmt.Errorf("subscription %q: %w", def.ID, err)
		}

		err := retry.Do(
			func() error {
				return m.subs.Create(ctx, def.ID, def.Stream, false)
			},
			retry.Context(ctx),
			retry.Attempts(m.config.RegisterAttempts),
			retry.Delay(m.config.RegisterDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isTransient),
			retry.OnRetry(func(n uint, err error) {
				if logger != nil {
					logger.Error(ctx, "subscription registration failed, retrying",
						"subscription", def.ID.String(), "attempt", n+1, "error", err)
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to create subscription %q: %w", def.ID, err)
		}

		sub, err := m.subs.Get(ctx, def.ID)
		if err != nil {
			return fmt.Errorf("failed to load subscription %q: %w", def.ID, err)
		}
		if sub.StreamID != def.Stream {
			return fmt.Errorf("subscription %q watches %q, not %q: %w", def.ID, sub.StreamID, def.Stream, ErrStreamMismatch)
		}

		if def.Factory != nil && !m.registry.Registered(def.ID) {
			if err := m.registry.Register(def.ID, def.Factory); err != nil {
				return err
			}
		}
	}
	return nil
}

// isTransient reports whether a registration failure is worth retrying.
// Validation errors and cancellation are final.
func isTransient(err error) bool {
	if es.IsCancellation(err) {
		return false
	}
	var storeErr *es.StoreError
	return errors.As(err, &storeErr)
}

// Workers builds the configured number of dispatchers.
func (m *Manager) Workers() ([]runner.Worker, error) {
	workers := make([]runner.Worker, 0, m.config.Workers)
	for i := 0; i < m.config.Workers; i++ {
		config := m.config.Dispatcher
		config.Name = fmt.Sprintf("%s-%d", config.normalized().Name, i)
		d, err := NewDispatcher(m.events, m.subs, m.registry, config)
		if err != nil {
			return nil, err
		}
		workers = append(workers, d)
	}
	return workers, nil
}

// Run registers the definitions and dispatches until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Register(ctx); err != nil {
		return err
	}
	workers, err := m.Workers()
	if err != nil {
		return err
	}
	return runner.New().Run(ctx, workers)
}

// Start registers the definitions and runs the dispatchers in the background.
// Registration errors are returned synchronously.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrManagerRunning
	}
	if err := m.Register(ctx); err != nil {
		return err
	}
	workers, err := m.Workers()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() {
		done <- runner.New().Run(runCtx, workers)
	}()

	m.cancel = cancel
	m.done = done
	return nil
}

// Stop cancels the dispatchers started by Start and waits for them to exit.
// It returns the first worker failure, if any; a clean shutdown returns nil.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
