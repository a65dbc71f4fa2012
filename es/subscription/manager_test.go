package subscription

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// flakySubscriptions fails Create with a store error a fixed number of times.
type flakySubscriptions struct {
	store.SubscriptionStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakySubscriptions) Create(ctx context.Context, id es.SubscriptionID, stream es.StreamID, failIfExists bool) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return es.WrapStoreError("test", "create subscription", errors.New("connection reset"))
	}
	return s.SubscriptionStore.Create(ctx, id, stream, failIfExists)
}

func testManagerConfig() ManagerConfig {
	config := DefaultManagerConfig()
	config.Dispatcher = testConfig()
	config.RegisterDelay = time.Millisecond
	return config
}

func TestManager_RegisterIsIdempotent(t *testing.T) {
	f := newFixture(t)
	defs := []Definition{
		{ID: es.NewSubscriptionID("a"), Stream: es.NewStreamID("orders"), Factory: Static(NoopListener)},
		{ID: es.NewSubscriptionID("b"), Stream: es.NewStreamID("orders-*")},
	}
	m := NewManager(f.events, f.subs, defs, testManagerConfig())

	ctx := context.Background()
	if err := m.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.subs.Update(ctx, es.NewSubscriptionID("a"), 4); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.Register(ctx); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if pos := f.position(t, "a"); pos != 4 {
		t.Errorf("register reset position to %s", pos)
	}
	if !m.Registry().Registered(es.NewSubscriptionID("a")) {
		t.Error("expected factory for a")
	}
	if m.Registry().Registered(es.NewSubscriptionID("b")) {
		t.Error("expected no factory for b")
	}
}

func TestManager_RegisterRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	subs := &flakySubscriptions{SubscriptionStore: f.subs}
	subs.failures.Store(2)

	defs := []Definition{{ID: es.NewSubscriptionID("a"), Stream: es.NewStreamID("orders")}}
	m := NewManager(f.events, subs, defs, testManagerConfig())
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := subs.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestManager_RegisterGivesUp(t *testing.T) {
	f := newFixture(t)
	subs := &flakySubscriptions{SubscriptionStore: f.subs}
	subs.failures.Store(100)

	config := testManagerConfig()
	config.RegisterAttempts = 2
	defs := []Definition{{ID: es.NewSubscriptionID("a"), Stream: es.NewStreamID("orders")}}
	m := NewManager(f.events, subs, defs, config)

	err := m.Register(context.Background())
	var storeErr *es.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if got := subs.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestManager_RegisterRejectsInvalidDefinitions(t *testing.T) {
	f := newFixture(t)
	defs := []Definition{{ID: es.NewSubscriptionID("a-*"), Stream: es.NewStreamID("orders")}}
	m := NewManager(f.events, f.subs, defs, testManagerConfig())
	if err := m.Register(context.Background()); !errors.Is(err, es.ErrWildcardSubscription) {
		t.Fatalf("expected ErrWildcardSubscription, got %v", err)
	}
}

func TestManager_RegisterDetectsStreamMismatch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a", "users")
	defs := []Definition{{ID: es.NewSubscriptionID("a"), Stream: es.NewStreamID("orders")}}
	m := NewManager(f.events, f.subs, defs, testManagerConfig())
	if err := m.Register(context.Background()); !errors.Is(err, ErrStreamMismatch) {
		t.Fatalf("expected ErrStreamMismatch, got %v", err)
	}
}

func TestManager_StartStop(t *testing.T) {
	f := newFixture(t)
	delivered := make(chan es.RecordedEvent, 10)
	defs := []Definition{{
		ID:     es.NewSubscriptionID("a"),
		Stream: es.NewStreamID("orders"),
		Factory: Static(ListenerFunc(func(_ context.Context, e es.RecordedEvent) error {
			delivered <- e
			return nil
		})),
	}}
	config := testManagerConfig()
	config.Workers = 2
	m := NewManager(f.events, f.subs, defs, config)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrManagerRunning) {
		t.Fatalf("expected ErrManagerRunning, got %v", err)
	}

	f.write(t, "orders", "A")
	select {
	case e := <-delivered:
		if e.EventType != "A" {
			t.Errorf("unexpected event %s", e.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
