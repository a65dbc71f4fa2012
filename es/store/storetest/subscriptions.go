package storetest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

func mustCreate(t *testing.T, s store.SubscriptionStore, id, stream string) {
	t.Helper()
	if err := s.Create(ctxFor(t), es.NewSubscriptionID(id), es.NewStreamID(stream), true); err != nil {
		t.Fatalf("create subscription %s: %v", id, err)
	}
}

func mustGet(t *testing.T, s store.SubscriptionStore, id string) store.Subscription {
	t.Helper()
	sub, err := s.Get(ctxFor(t), es.NewSubscriptionID(id))
	if err != nil {
		t.Fatalf("get subscription %s: %v", id, err)
	}
	return sub
}

func mustBegin(t *testing.T, s store.SubscriptionStore) store.SubscriptionTx {
	t.Helper()
	tx, err := s.Begin(ctxFor(t))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func testCreateAndGet(t *testing.T, s Stores) {
	mustCreate(t, s.Subscriptions, "billing", "order-*")

	sub := mustGet(t, s.Subscriptions, "billing")
	if sub.ID.String() != "billing" || sub.StreamID.String() != "order-*" {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if sub.Position != es.Start {
		t.Errorf("expected Start, got %s", sub.Position)
	}
	if sub.ProcessedAt != nil {
		t.Errorf("expected nil ProcessedAt, got %v", sub.ProcessedAt)
	}
	if sub.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	ctx := ctxFor(t)
	err := s.Subscriptions.Create(ctx, es.NewSubscriptionID("billing"), es.NewStreamID("other"), true)
	var storeErr *es.StoreError
	if !errors.As(err, &storeErr) || !errors.Is(err, store.ErrSubscriptionExists) {
		t.Errorf("expected StoreError wrapping ErrSubscriptionExists, got %v", err)
	}
	if err := s.Subscriptions.Create(ctx, es.NewSubscriptionID("billing"), es.NewStreamID("other"), false); err != nil {
		t.Errorf("create without failIfExists should be a no-op, got %v", err)
	}
	if sub := mustGet(t, s.Subscriptions, "billing"); sub.StreamID.String() != "order-*" {
		t.Errorf("no-op create changed the stream to %s", sub.StreamID)
	}
}

func testCreateValidation(t *testing.T, s Stores) {
	ctx := ctxFor(t)
	err := s.Subscriptions.Create(ctx, es.NewSubscriptionID("billing-*"), es.NewStreamID("s"), false)
	if !errors.Is(err, es.ErrWildcardSubscription) {
		t.Errorf("expected ErrWildcardSubscription, got %v", err)
	}
	_, err = s.Subscriptions.Get(ctx, es.NewSubscriptionID("missing"))
	if !errors.Is(err, es.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func testSubscriptionUpdate(t *testing.T, s Stores) {
	mustCreate(t, s.Subscriptions, "billing", "orders")

	ctx := ctxFor(t)
	if err := s.Subscriptions.Update(ctx, es.NewSubscriptionID("billing"), 4); err != nil {
		t.Fatalf("update: %v", err)
	}
	sub := mustGet(t, s.Subscriptions, "billing")
	if sub.Position != 4 {
		t.Errorf("expected position 4, got %s", sub.Position)
	}
	if sub.ProcessedAt == nil {
		t.Error("ProcessedAt not set by update")
	}

	err := s.Subscriptions.Update(ctx, es.NewSubscriptionID("missing"), 1)
	var notFound *es.SubscriptionNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected SubscriptionNotFoundError, got %v", err)
	}
}

func testSubscriptionDelete(t *testing.T, s Stores) {
	mustCreate(t, s.Subscriptions, "billing-eu", "orders")
	mustCreate(t, s.Subscriptions, "billing-us", "orders")
	mustCreate(t, s.Subscriptions, "shipping", "orders")

	ctx := ctxFor(t)
	if err := s.Subscriptions.Delete(ctx, es.NewSubscriptionID("missing")); !errors.Is(err, es.ErrSubscriptionNotFound) {
		t.Errorf("delete unknown: expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := s.Subscriptions.Delete(ctx, es.NewSubscriptionID("billing-*")); err != nil {
		t.Fatalf("wildcard delete: %v", err)
	}
	if err := s.Subscriptions.Delete(ctx, es.NewSubscriptionID("billing-*")); err != nil {
		t.Errorf("wildcard delete with zero matches should succeed, got %v", err)
	}
	if err := s.Subscriptions.Delete(ctx, es.NewSubscriptionID("shipping")); err != nil {
		t.Fatalf("exact delete: %v", err)
	}

	subs, err := s.Subscriptions.List(ctx, es.AllSubscriptions)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscriptions left, got %d", len(subs))
	}
}

func testListAndReset(t *testing.T, s Stores) {
	mustCreate(t, s.Subscriptions, "b", "orders")
	mustCreate(t, s.Subscriptions, "a", "orders")
	mustCreate(t, s.Subscriptions, "c", "invoices")

	ctx := ctxFor(t)
	subs, err := s.Subscriptions.List(ctx, es.AllSubscriptions)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, sub := range subs {
		names = append(names, sub.ID.String())
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("expected [a b c], got %v", names)
	}

	if err := s.Subscriptions.Update(ctx, es.NewSubscriptionID("a"), 7); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Subscriptions.Reset(ctx, es.NewSubscriptionID("a")); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sub := mustGet(t, s.Subscriptions, "a"); sub.Position != es.Start {
		t.Errorf("expected Start after reset, got %s", sub.Position)
	}
	if err := s.Subscriptions.Reset(ctx, es.NewSubscriptionID("missing")); !errors.Is(err, es.ErrSubscriptionNotFound) {
		t.Errorf("reset unknown: expected ErrSubscriptionNotFound, got %v", err)
	}
}

func testSubscriptionWatchTimeout(t *testing.T, s Stores) {
	tx := mustBegin(t, s.Subscriptions)

	start := time.Now()
	res, err := tx.Watch(ctxFor(t), time.Second)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil on empty store, got %+v", res)
	}
	if elapsed < 750*time.Millisecond || elapsed > 1250*time.Millisecond {
		t.Errorf("expected ~1s, took %v", elapsed)
	}
}

func testSubscriptionWatchExclusive(t *testing.T, s Stores) {
	mustWrite(t, s.Events, "orders", es.NoStream(), "A")
	mustCreate(t, s.Subscriptions, "billing", "orders")

	txs := []store.SubscriptionTx{mustBegin(t, s.Subscriptions), mustBegin(t, s.Subscriptions)}
	results := make([]*store.WatchSubscriptionResult, len(txs))

	var wg sync.WaitGroup
	for i, tx := range txs {
		wg.Add(1)
		go func(i int, tx store.SubscriptionTx) {
			defer wg.Done()
			res, err := tx.Watch(ctxFor(t), 500*time.Millisecond)
			if err != nil {
				t.Errorf("watch %d: %v", i, err)
			}
			results[i] = res
		}(i, tx)
	}
	wg.Wait()

	claimed := 0
	for _, res := range results {
		if res != nil {
			claimed++
			if res.SubscriptionID.String() != "billing" || res.Position != es.Start || res.Tail != 0 {
				t.Errorf("unexpected claim %+v", res)
			}
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one claim, got %d", claimed)
	}
}

func testSubscriptionWatchAfterUpdate(t *testing.T, s Stores) {
	mustWrite(t, s.Events, "orders", es.NoStream(), "A", "B")
	mustCreate(t, s.Subscriptions, "billing", "orders")

	if err := s.Subscriptions.Update(ctxFor(t), es.NewSubscriptionID("billing"), 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	tx := mustBegin(t, s.Subscriptions)
	res, err := tx.Watch(ctxFor(t), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil for caught-up subscription, got %+v", res)
	}
}

func testSubscriptionWatchOrder(t *testing.T, s Stores) {
	mustWrite(t, s.Events, "short", es.NoStream(), "A")
	mustWrite(t, s.Events, "long", es.NoStream(), "A", "B", "C")
	mustCreate(t, s.Subscriptions, "processed", "long")
	mustCreate(t, s.Subscriptions, "fresh-short", "short")
	mustCreate(t, s.Subscriptions, "fresh-long", "long")

	if err := s.Subscriptions.Update(ctxFor(t), es.NewSubscriptionID("processed"), 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	var order []string
	var txs []store.SubscriptionTx
	for i := 0; i < 3; i++ {
		tx := mustBegin(t, s.Subscriptions)
		txs = append(txs, tx)
		res, err := tx.Watch(ctxFor(t), time.Second)
		if err != nil || res == nil {
			t.Fatalf("watch %d: %v / %v", i, res, err)
		}
		order = append(order, res.SubscriptionID.String())
	}
	for _, tx := range txs {
		_ = tx.Rollback()
	}

	want := []string{"fresh-long", "fresh-short", "processed"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected claim order %v, got %v", want, order)
		}
	}
}

func testSubscriptionWatchWildcard(t *testing.T, s Stores) {
	mustCreate(t, s.Subscriptions, "all-orders", "order-*")
	mustWrite(t, s.Events, "invoice-1", es.NoStream(), "I")
	res := mustWrite(t, s.Events, "order-1", es.NoStream(), "O")

	tx := mustBegin(t, s.Subscriptions)
	claim, err := tx.Watch(ctxFor(t), time.Second)
	if err != nil || claim == nil {
		t.Fatalf("watch: %v / %v", claim, err)
	}
	if claim.Tail != es.StreamPosition(res.LastSequence) {
		t.Errorf("expected tail at sequence %d, got %s", res.LastSequence, claim.Tail)
	}
	if err := tx.Update(ctxFor(t), claim.SubscriptionID, claim.Tail); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// writes to unmatched streams do not wake the subscription
	mustWrite(t, s.Events, "invoice-2", es.NoStream(), "I")
	tx = mustBegin(t, s.Subscriptions)
	if res, err := tx.Watch(ctxFor(t), 300*time.Millisecond); err != nil || res != nil {
		t.Errorf("expected nil after unmatched write, got %v / %v", res, err)
	}
}

func testSubscriptionRollbackReleases(t *testing.T, s Stores) {
	mustWrite(t, s.Events, "orders", es.NoStream(), "A")
	mustCreate(t, s.Subscriptions, "billing", "orders")

	tx := mustBegin(t, s.Subscriptions)
	first, err := tx.Watch(ctxFor(t), time.Second)
	if err != nil || first == nil {
		t.Fatalf("first watch: %v / %v", first, err)
	}
	if _, err := tx.Watch(ctxFor(t), 10*time.Millisecond); !errors.Is(err, store.ErrAlreadyWatching) {
		t.Errorf("expected ErrAlreadyWatching, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	again := mustBegin(t, s.Subscriptions)
	second, err := again.Watch(ctxFor(t), time.Second)
	if err != nil || second == nil {
		t.Fatalf("subscription not eligible again after rollback: %v / %v", second, err)
	}
	if second.Position != es.Start {
		t.Errorf("rollback changed the position to %s", second.Position)
	}
}

func testSubscriptionCommitPersists(t *testing.T, s Stores) {
	mustWrite(t, s.Events, "orders", es.NoStream(), "A", "B")
	mustCreate(t, s.Subscriptions, "billing", "orders")

	tx := mustBegin(t, s.Subscriptions)
	claim, err := tx.Watch(ctxFor(t), time.Second)
	if err != nil || claim == nil {
		t.Fatalf("watch: %v / %v", claim, err)
	}
	if claim.Tail != 1 {
		t.Errorf("expected tail 1, got %s", claim.Tail)
	}
	if err := tx.Update(ctxFor(t), claim.SubscriptionID, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("rollback after commit should be a no-op, got %v", err)
	}

	sub := mustGet(t, s.Subscriptions, "billing")
	if sub.Position != 1 || sub.ProcessedAt == nil {
		t.Errorf("commit did not persist the checkpoint: %+v", sub)
	}
}
