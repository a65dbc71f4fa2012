// Package storetest is a conformance suite shared by every backend.
//
// Adapter tests call Run with a factory that returns fresh, empty stores:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) storetest.Stores {
//	        events := memory.NewStore(memory.DefaultStoreConfig())
//	        return storetest.Stores{Events: events, Subscriptions: memory.NewSubscriptionStore(events, memory.DefaultStoreConfig())}
//	    })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store"
)

// Stores is a pair of stores sharing one backend.
type Stores struct {
	Events        store.EventStore
	Subscriptions store.SubscriptionStore
}

// Factory returns empty stores for a single test.
type Factory func(t *testing.T) Stores

// Run executes the event store and subscription store suites.
func Run(t *testing.T, newStores Factory) {
	t.Run("EventStore", func(t *testing.T) { RunEventStore(t, newStores) })
	t.Run("SubscriptionStore", func(t *testing.T) { RunSubscriptionStore(t, newStores) })
}

// RunEventStore executes the event store suite.
func RunEventStore(t *testing.T, newStores Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.EventStore)
	}{
		{"WriteAndReadForward", testWriteAndReadForward},
		{"NoStreamOnExistingStream", testNoStreamOnExistingStream},
		{"AnyNeverConflicts", testAnyNeverConflicts},
		{"ExactIndex", testExactIndex},
		{"ReadForwardFromEnd", testReadForwardFromEnd},
		{"ReadBackward", testReadBackward},
		{"ReadUnknownStream", testReadUnknownStream},
		{"ReadWildcard", testReadWildcard},
		{"WriteValidation", testWriteValidation},
		{"Delete", testDelete},
		{"WatchTimeout", testWatchTimeout},
		{"WatchExistingEvents", testWatchExistingEvents},
		{"WatchWakesOnWrite", testWatchWakesOnWrite},
		{"WatchCancelled", testWatchCancelled},
		{"ConcurrentWriters", testConcurrentWriters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStores(t).Events)
		})
	}
}

// RunSubscriptionStore executes the subscription store suite.
func RunSubscriptionStore(t *testing.T, newStores Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Stores)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateValidation", testCreateValidation},
		{"Update", testSubscriptionUpdate},
		{"Delete", testSubscriptionDelete},
		{"ListAndReset", testListAndReset},
		{"WatchTimeout", testSubscriptionWatchTimeout},
		{"WatchExclusive", testSubscriptionWatchExclusive},
		{"WatchAfterUpdate", testSubscriptionWatchAfterUpdate},
		{"WatchOrder", testSubscriptionWatchOrder},
		{"WatchWildcard", testSubscriptionWatchWildcard},
		{"RollbackReleases", testSubscriptionRollbackReleases},
		{"CommitPersists", testSubscriptionCommitPersists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStores(t))
		})
	}
}

func ctxFor(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func makeEvents(types ...string) []es.Event {
	events := make([]es.Event, len(types))
	for i, typ := range types {
		events[i] = es.Event{
			EventType: typ,
			Data:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return events
}

func mustWrite(t *testing.T, s store.EventStore, stream string, expected es.StreamState, types ...string) store.WriteResult {
	t.Helper()
	res, err := s.Write(ctxFor(t), es.NewStreamID(stream), makeEvents(types...), expected)
	if err != nil {
		t.Fatalf("write to %s failed: %v", stream, err)
	}
	return res
}

func mustRead(t *testing.T, s store.EventStore, stream string, from es.StreamPosition, dir es.Direction, maxCount int) []es.RecordedEvent {
	t.Helper()
	events, err := s.Read(ctxFor(t), es.NewStreamID(stream), from, dir, maxCount)
	if err != nil {
		t.Fatalf("read %s failed: %v", stream, err)
	}
	return events
}

func indices(events []es.RecordedEvent) []int64 {
	out := make([]int64, len(events))
	for i := range events {
		out[i] = events[i].Metadata.Index
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testWriteAndReadForward(t *testing.T, s store.EventStore) {
	res := mustWrite(t, s, "order-1", es.NoStream(), "Placed", "Paid", "Shipped")
	if res.FirstIndex != 0 || res.LastIndex != 2 {
		t.Errorf("unexpected index range %d..%d", res.FirstIndex, res.LastIndex)
	}
	if res.LastSequence-res.FirstSequence != 2 {
		t.Errorf("unexpected sequence range %d..%d", res.FirstSequence, res.LastSequence)
	}

	events := mustRead(t, s, "order-1", es.Start, es.Forward, 10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"Placed", "Paid", "Shipped"} {
		e := events[i]
		if e.EventType != want {
			t.Errorf("event %d: type %s, want %s", i, e.EventType, want)
		}
		if e.Metadata.Index != int64(i) {
			t.Errorf("event %d: index %d", i, e.Metadata.Index)
		}
		if e.StreamID.String() != "order-1" {
			t.Errorf("event %d: stream %s", i, e.StreamID)
		}
		if string(e.Data) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Errorf("event %d: data %s", i, e.Data)
		}
		if e.Metadata.CreatedAt.IsZero() {
			t.Errorf("event %d: CreatedAt not set", i)
		}
		if e.Metadata.EventID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Errorf("event %d: EventID not generated", i)
		}
		if i > 0 && e.Metadata.Sequence <= events[i-1].Metadata.Sequence {
			t.Errorf("event %d: sequence %d not increasing", i, e.Metadata.Sequence)
		}
	}

	// second batch continues the index range
	res = mustWrite(t, s, "order-1", es.AtIndex(2), "Delivered")
	if res.FirstIndex != 3 {
		t.Errorf("expected second batch at index 3, got %d", res.FirstIndex)
	}
	events = mustRead(t, s, "order-1", 1, es.Forward, 2)
	if got := indices(events); !equalInts(got, []int64{1, 2}) {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func testNoStreamOnExistingStream(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "reservation", es.NoStream(), "Reserved")

	_, err := s.Write(ctxFor(t), es.NewStreamID("reservation"), makeEvents("Reserved"), es.NoStream())
	var stateErr *es.StreamStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StreamStateError, got %v", err)
	}
	if stateErr.Actual != 0 {
		t.Errorf("expected actual index 0, got %d", stateErr.Actual)
	}
	if !errors.Is(err, es.ErrStreamState) {
		t.Error("expected errors.Is(err, ErrStreamState)")
	}

	if events := mustRead(t, s, "reservation", es.Start, es.Forward, 10); len(events) != 1 {
		t.Errorf("failed write appended events: %d", len(events))
	}
}

func testAnyNeverConflicts(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "log", es.Any(), "A")
	mustWrite(t, s, "log", es.Any(), "B", "C")
	if events := mustRead(t, s, "log", es.Start, es.Forward, 10); len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func testExactIndex(t *testing.T, s store.EventStore) {
	ctx := ctxFor(t)
	stream := es.NewStreamID("account")

	_, err := s.Write(ctx, stream, makeEvents("Opened"), es.AtIndex(0))
	var stateErr *es.StreamStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StreamStateError for missing stream, got %v", err)
	}
	if stateErr.Actual != -1 {
		t.Errorf("expected actual -1 for missing stream, got %d", stateErr.Actual)
	}

	mustWrite(t, s, "account", es.NoStream(), "Opened")
	res := mustWrite(t, s, "account", es.AtIndex(0), "Credited", "Debited")
	if res.LastIndex != 2 {
		t.Errorf("expected last index 2, got %d", res.LastIndex)
	}

	for _, stale := range []int64{0, 1, 3} {
		_, err := s.Write(ctx, stream, makeEvents("Credited"), es.AtIndex(stale))
		if !errors.Is(err, es.ErrStreamState) {
			t.Errorf("AtIndex(%d): expected ErrStreamState, got %v", stale, err)
		}
	}
}

func testReadForwardFromEnd(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "s", es.NoStream(), "A", "B", "C")

	events := mustRead(t, s, "s", es.End, es.Forward, 10)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Metadata.Index != 2 || events[0].EventType != "C" {
		t.Errorf("expected most recent event, got index %d type %s", events[0].Metadata.Index, events[0].EventType)
	}
}

func testReadBackward(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "s", es.NoStream(), "A", "B", "C")

	if got := indices(mustRead(t, s, "s", es.End, es.Backward, 2)); !equalInts(got, []int64{2, 1}) {
		t.Errorf("backward from End: expected [2 1], got %v", got)
	}
	if got := indices(mustRead(t, s, "s", es.Start, es.Backward, 10)); !equalInts(got, []int64{0}) {
		t.Errorf("backward from Start: expected [0], got %v", got)
	}
	if got := indices(mustRead(t, s, "s", 1, es.Backward, 10)); !equalInts(got, []int64{1, 0}) {
		t.Errorf("backward from 1: expected [1 0], got %v", got)
	}
	if got := indices(mustRead(t, s, "s", 10, es.Forward, 10)); len(got) != 0 {
		t.Errorf("forward past the end: expected nothing, got %v", got)
	}
}

func testReadUnknownStream(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "other", es.NoStream(), "A")

	for _, from := range []es.StreamPosition{es.Start, es.End, 0, 5} {
		for _, dir := range []es.Direction{es.Forward, es.Backward} {
			_, err := s.Read(ctxFor(t), es.NewStreamID("missing"), from, dir, 10)
			var notFound *es.StreamNotFoundError
			if !errors.As(err, &notFound) {
				t.Errorf("read %s %s: expected StreamNotFoundError, got %v", from, dir, err)
			}
		}
	}
}

func testReadWildcard(t *testing.T, s store.EventStore) {
	o1 := mustWrite(t, s, "order-1", es.NoStream(), "O1a")
	mustWrite(t, s, "invoice-1", es.NoStream(), "I1a")
	o2 := mustWrite(t, s, "order-2", es.NoStream(), "O2a")
	mustWrite(t, s, "order-1", es.AtIndex(0), "O1b")

	orders := mustRead(t, s, "order-*", es.Start, es.Forward, 10)
	var types []string
	for i := range orders {
		types = append(types, orders[i].EventType)
		if i > 0 && orders[i].Metadata.Sequence <= orders[i-1].Metadata.Sequence {
			t.Errorf("wildcard read not ordered by sequence: %v", orders)
		}
	}
	if fmt.Sprint(types) != "[O1a O2a O1b]" {
		t.Errorf("prefix read: got %v", types)
	}

	suffix := mustRead(t, s, "*-1", es.Start, es.Forward, 10)
	if len(suffix) != 3 {
		t.Errorf("suffix read: expected 3 events, got %d", len(suffix))
	}

	all := mustRead(t, s, "*", es.Start, es.Forward, 10)
	if len(all) != 4 {
		t.Errorf("all streams: expected 4 events, got %d", len(all))
	}

	fromSeq := mustRead(t, s, "order-*", es.StreamPosition(o2.FirstSequence), es.Forward, 10)
	if len(fromSeq) != 2 || fromSeq[0].EventType != "O2a" {
		t.Errorf("read from sequence %d: got %d events", o2.FirstSequence, len(fromSeq))
	}

	limited := mustRead(t, s, "order-*", es.Start, es.Forward, 1)
	if len(limited) != 1 || limited[0].Metadata.Sequence != o1.FirstSequence {
		t.Errorf("limited read: unexpected %v", limited)
	}

	backward := mustRead(t, s, "order-*", es.End, es.Backward, 2)
	if len(backward) != 2 || backward[0].EventType != "O1b" || backward[1].EventType != "O2a" {
		t.Errorf("backward wildcard read: unexpected %v", backward)
	}

	latest := mustRead(t, s, "order-*", es.End, es.Forward, 10)
	if len(latest) != 1 || latest[0].EventType != "O1b" {
		t.Errorf("forward from End on wildcard: unexpected %v", latest)
	}

	none := mustRead(t, s, "nothing-*", es.Start, es.Forward, 10)
	if len(none) != 0 {
		t.Errorf("empty wildcard match: expected nothing, got %d", len(none))
	}
}

func testWriteValidation(t *testing.T, s store.EventStore) {
	ctx := ctxFor(t)

	for _, raw := range []string{"*", "order-*", "*-1"} {
		_, err := s.Write(ctx, es.NewStreamID(raw), makeEvents("A"), es.Any())
		if !errors.Is(err, es.ErrWildcardStream) {
			t.Errorf("write to %s: expected ErrWildcardStream, got %v", raw, err)
		}
	}
	if _, err := s.Write(ctx, es.NewStreamID("s"), nil, es.Any()); !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
	if _, err := s.Read(ctx, es.NewStreamID("s"), es.Start, es.Forward, 0); !errors.Is(err, store.ErrInvalidCount) {
		t.Errorf("expected ErrInvalidCount, got %v", err)
	}
	if err := s.Delete(ctx, es.AllStreams); !errors.Is(err, es.ErrWildcardStream) {
		t.Errorf("delete wildcard: expected ErrWildcardStream, got %v", err)
	}
}

func testDelete(t *testing.T, s store.EventStore) {
	ctx := ctxFor(t)
	mustWrite(t, s, "doomed-1", es.NoStream(), "A", "B")
	mustWrite(t, s, "kept-1", es.NoStream(), "C")

	if err := s.Delete(ctx, es.NewStreamID("missing")); !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("delete unknown: expected ErrStreamNotFound, got %v", err)
	}
	if err := s.Delete(ctx, es.NewStreamID("doomed-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := s.Read(ctx, es.NewStreamID("doomed-1"), es.Start, es.Forward, 10)
	var deleted *es.StreamDeletedError
	if !errors.As(err, &deleted) {
		t.Errorf("read deleted: expected StreamDeletedError, got %v", err)
	}
	_, err = s.Write(ctx, es.NewStreamID("doomed-1"), makeEvents("C"), es.Any())
	if !errors.Is(err, es.ErrStreamDeleted) {
		t.Errorf("write deleted: expected ErrStreamDeleted, got %v", err)
	}

	rest := mustRead(t, s, "*-1", es.Start, es.Forward, 10)
	if len(rest) != 1 || rest[0].StreamID.String() != "kept-1" {
		t.Errorf("wildcard read should skip deleted streams, got %v", rest)
	}
}

func testWatchTimeout(t *testing.T, s store.EventStore) {
	start := time.Now()
	res, err := s.Watch(ctxFor(t), es.AllStreams, es.Start, time.Second)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result on empty store, got %+v", res)
	}
	if elapsed < 750*time.Millisecond || elapsed > 1250*time.Millisecond {
		t.Errorf("expected ~1s, took %v", elapsed)
	}
}

func testWatchExistingEvents(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "s", es.NoStream(), "A", "B")

	res, err := s.Watch(ctxFor(t), es.NewStreamID("s"), es.Start, time.Second)
	if err != nil || res == nil {
		t.Fatalf("expected immediate result, got %v / %v", res, err)
	}
	if res.Position != 1 {
		t.Errorf("expected tail index 1, got %s", res.Position)
	}

	res, err = s.Watch(ctxFor(t), es.NewStreamID("s"), 1, 200*time.Millisecond)
	if err != nil || res != nil {
		t.Errorf("expected nothing beyond the tail, got %v / %v", res, err)
	}
}

func testWatchWakesOnWrite(t *testing.T, s store.EventStore) {
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = s.Write(context.Background(), es.NewStreamID("late"), makeEvents("A"), es.Any())
	}()

	start := time.Now()
	res, err := s.Watch(ctxFor(t), es.NewStreamID("late"), es.Start, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.Position != 0 {
		t.Fatalf("expected position 0, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watch woke too late: %v", elapsed)
	}
}

func testWatchCancelled(t *testing.T, s store.EventStore) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.Watch(ctx, es.AllStreams, es.Start, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testConcurrentWriters(t *testing.T, s store.EventStore) {
	mustWrite(t, s, "contended", es.NoStream(), "Created")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(context.Background(), es.NewStreamID("contended"), makeEvents("Updated"), es.AtIndex(0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, es.ErrStreamState):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != writers-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", writers-1, succeeded, conflicts)
	}
	if events := mustRead(t, s, "contended", es.Start, es.Forward, 100); len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}
