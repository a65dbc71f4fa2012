package subscription

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/memory"
	"github.com/getpup/pupstream/es/store"
)

type fixture struct {
	events *memory.Store
	subs   *memory.SubscriptionStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	config := memory.NewStoreConfig(memory.WithPollInterval(10 * time.Millisecond))
	events := memory.NewStore(config)
	return fixture{events: events, subs: memory.NewSubscriptionStore(events, config)}
}

func (f fixture) write(t *testing.T, stream string, types ...string) {
	t.Helper()
	batch := make([]es.Event, len(types))
	for i, typ := range types {
		batch[i] = es.Event{EventType: typ}
	}
	if _, err := f.events.Write(context.Background(), es.NewStreamID(stream), batch, es.Any()); err != nil {
		t.Fatalf("write %s: %v", stream, err)
	}
}

func (f fixture) create(t *testing.T, id, stream string) {
	t.Helper()
	if err := f.subs.Create(context.Background(), es.NewSubscriptionID(id), es.NewStreamID(stream), true); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func (f fixture) position(t *testing.T, id string) es.StreamPosition {
	t.Helper()
	sub, err := f.subs.Get(context.Background(), es.NewSubscriptionID(id))
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return sub.Position
}

func testConfig() Config {
	config := DefaultConfig()
	config.WatchTimeout = 50 * time.Millisecond
	config.ErrorBackoff = 10 * time.Millisecond
	return config
}

type recorder struct {
	mu     sync.Mutex
	types  []string
	failOn string
}

func (r *recorder) Handle(_ context.Context, event es.RecordedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.EventType == r.failOn {
		return errors.New("rejected " + event.EventType)
	}
	r.types = append(r.types, event.EventType)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func equalStrings(a, b []string) bool {
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

func TestRunOnce_DeliversInOrderAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A", "B", "C")

	rec := &recorder{}
	registry := NewRegistry()
	if err := registry.Register(es.NewSubscriptionID("sub"), Static(rec)); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	claimed, err := d.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected a claimed cycle, got claimed=%v err=%v", claimed, err)
	}
	if got := rec.seen(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("unexpected delivery order %v", got)
	}
	if pos := f.position(t, "sub"); pos != 2 {
		t.Errorf("expected position 2, got %s", pos)
	}

	// Nothing left: the next cycle times out without a claim
	claimed, err = d.RunOnce(context.Background())
	if err != nil || claimed {
		t.Fatalf("expected idle cycle, got claimed=%v err=%v", claimed, err)
	}
}

func TestRunOnce_CheckpointsFirstEvent(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A")

	d, err := NewDispatcher(f.events, f.subs, nil, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if pos := f.position(t, "sub"); pos != 0 {
		t.Errorf("expected position 0, got %s", pos)
	}
}

func TestRunOnce_BatchSize(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A", "B", "C", "D", "E")

	config := testConfig()
	config.BatchSize = 2
	rec := &recorder{}
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(rec))
	d, err := NewDispatcher(f.events, f.subs, registry, config)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	for want := es.StreamPosition(1); want <= 4; want += 2 {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
		if pos := f.position(t, "sub"); pos != want {
			t.Fatalf("expected position %s, got %s", want, pos)
		}
	}
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := rec.seen(); !equalStrings(got, []string{"A", "B", "C", "D", "E"}) {
		t.Errorf("unexpected delivery %v", got)
	}
}

func TestRunOnce_UnregisteredSubscriptionIsConsumed(t *testing.T) {
	f := newFixture(t)
	f.create(t, "orphan", "orders")
	f.write(t, "orders", "A", "B")

	d, err := NewDispatcher(f.events, f.subs, NewRegistry(), testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if pos := f.position(t, "orphan"); pos != 1 {
		t.Errorf("expected position 1, got %s", pos)
	}
}

func TestRunOnce_ListenerFailureKeepsProgress(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A", "B", "C")

	rec := &recorder{failOn: "B"}
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(rec))
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	// A is accepted, B fails: the cycle succeeds with partial progress
	claimed, err := d.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected claimed cycle without error, got claimed=%v err=%v", claimed, err)
	}
	if pos := f.position(t, "sub"); pos != 0 {
		t.Fatalf("expected position 0, got %s", pos)
	}

	// B fails again before any progress
	_, err = d.RunOnce(context.Background())
	var lerr *ListenerError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected ListenerError, got %v", err)
	}
	if lerr.Position != 1 || lerr.Subscription.String() != "sub" {
		t.Errorf("unexpected listener error %+v", lerr)
	}
	if pos := f.position(t, "sub"); pos != 0 {
		t.Fatalf("position moved after failure: %s", pos)
	}
	sub, err := f.subs.Get(context.Background(), es.NewSubscriptionID("sub"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.ProcessedAt == nil {
		t.Fatal("expected ProcessedAt to be stamped after a failed cycle")
	}

	rec.mu.Lock()
	rec.failOn = ""
	rec.mu.Unlock()

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := rec.seen(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("unexpected delivery %v", got)
	}
}

func TestRunOnce_FailingListenerDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a-rejects", "bad")
	f.create(t, "b-accepts", "good")
	// the higher tail puts a-rejects first in claim order
	f.write(t, "bad", "X", "X", "X")
	f.write(t, "good", "A")

	good := &recorder{}
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("a-rejects"), Static(&recorder{failOn: "X"}))
	_ = registry.Register(es.NewSubscriptionID("b-accepts"), Static(good))
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	var lerr *ListenerError
	if _, err := d.RunOnce(context.Background()); !errors.As(err, &lerr) {
		t.Fatalf("expected ListenerError from the first cycle, got %v", err)
	}
	if lerr.Subscription.String() != "a-rejects" {
		t.Fatalf("expected a-rejects to be claimed first, got %s", lerr.Subscription)
	}

	claimed, err := d.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected b-accepts cycle, got claimed=%v err=%v", claimed, err)
	}
	if got := good.seen(); !equalStrings(got, []string{"A"}) {
		t.Fatalf("b-accepts starved: delivered %v", got)
	}
	if pos := f.position(t, "b-accepts"); pos != 0 {
		t.Errorf("expected b-accepts at 0, got %s", pos)
	}
	if pos := f.position(t, "a-rejects"); pos != es.Start {
		t.Errorf("expected a-rejects to stay at Start, got %s", pos)
	}
}

func TestRunOnce_FactoryError(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A")

	boom := errors.New("boom")
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), func(context.Context, es.SubscriptionID) (Listener, error) {
		return nil, boom
	})
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if _, err := d.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if pos := f.position(t, "sub"); pos != es.Start {
		t.Errorf("expected position Start, got %s", pos)
	}
}

func TestRunOnce_WildcardUsesSequences(t *testing.T) {
	f := newFixture(t)
	f.write(t, "users-1", "U1")
	f.write(t, "orders-1", "O1")
	f.write(t, "orders-2", "O2")
	f.create(t, "orders-view", "orders-*")

	rec := &recorder{}
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("orders-view"), Static(rec))
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := rec.seen(); !equalStrings(got, []string{"O1", "O2"}) {
		t.Errorf("unexpected delivery %v", got)
	}
	// sequences start at 1, so orders-2's event carries sequence 3
	if pos := f.position(t, "orders-view"); pos != 3 {
		t.Errorf("expected position 3, got %s", pos)
	}
}

func TestRun_StopsOnCancellation(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")

	delivered := make(chan string, 10)
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(ListenerFunc(func(_ context.Context, e es.RecordedEvent) error {
		delivered <- e.EventType
		return nil
	})))
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	f.write(t, "orders", "A")
	select {
	case typ := <-delivered:
		if typ != "A" {
			t.Errorf("unexpected event %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRun_ConcurrentDispatchersNeverShareASubscription(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	for i := 0; i < 20; i++ {
		f.write(t, "orders", "E")
	}

	var mu sync.Mutex
	var active, maxActive, count int
	listener := ListenerFunc(func(context.Context, es.RecordedEvent) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		count++
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(listener))
	config := testConfig()
	config.BatchSize = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		d, err := NewDispatcher(f.events, f.subs, registry, config)
		if err != nil {
			t.Fatalf("new dispatcher: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Run(ctx)
		}()
	}

	deadline := time.Now().Add(3 * time.Second)
	for f.position(t, "sub") != 19 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription did not catch up, position %s", f.position(t, "sub"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected one active listener at a time, saw %d", maxActive)
	}
	if count != 20 {
		t.Errorf("expected 20 deliveries, got %d", count)
	}
}

func TestRunOnce_Telemetry(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A", "B")

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(ListenerFunc(func(_ context.Context, e es.RecordedEvent) error {
		if e.EventType == "B" {
			return errors.New("rejected")
		}
		return nil
	})))

	config := testConfig()
	config.TracerProvider = tp
	config.MeterProvider = mp
	d, err := NewDispatcher(f.events, f.subs, registry, config)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "pupstream.dispatch" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status().Code)
	}
	var sawSubscription bool
	for _, attr := range span.Attributes() {
		if attr.Key == "subscription.id" && attr.Value.AsString() == "sub" {
			sawSubscription = true
		}
	}
	if !sawSubscription {
		t.Error("missing subscription.id attribute")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	if sums["pupstream.dispatch.cycles"] != 1 {
		t.Errorf("expected 1 cycle, got %d", sums["pupstream.dispatch.cycles"])
	}
	if sums["pupstream.dispatch.delivered"] != 1 {
		t.Errorf("expected 1 delivered, got %d", sums["pupstream.dispatch.delivered"])
	}
	if sums["pupstream.dispatch.failed"] != 1 {
		t.Errorf("expected 1 failed, got %d", sums["pupstream.dispatch.failed"])
	}
}

// execLog is an es.DBTX that records statements instead of running them.
type execLog struct {
	mu    sync.Mutex
	stmts []string
}

func (l *execLog) ExecContext(_ context.Context, query string, _ ...interface{}) (sql.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = append(l.stmts, query)
	return nil, nil
}

func (l *execLog) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (l *execLog) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

func (l *execLog) statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stmts...)
}

// dbSubscriptions hands out claims that carry a database transaction.
type dbSubscriptions struct {
	store.SubscriptionStore
	db es.DBTX
}

func (s dbSubscriptions) Begin(ctx context.Context) (store.SubscriptionTx, error) {
	tx, err := s.SubscriptionStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return dbTx{SubscriptionTx: tx, db: s.db}, nil
}

type dbTx struct {
	store.SubscriptionTx
	db es.DBTX
}

func (t dbTx) DBTX() es.DBTX { return t.db }

func TestRunOnce_ListenerWritesThroughClaimTransaction(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A", "B")

	db := &execLog{}
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(ListenerFunc(func(ctx context.Context, e es.RecordedEvent) error {
		tx, ok := TxFromContext(ctx)
		if !ok {
			return errors.New("no transaction in context")
		}
		if _, err := tx.ExecContext(ctx, "INSERT "+e.EventType); err != nil {
			return err
		}
		if e.EventType == "B" {
			return errors.New("rejected B")
		}
		return nil
	})))
	d, err := NewDispatcher(f.events, dbSubscriptions{SubscriptionStore: f.subs, db: db}, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	claimed, err := d.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected claimed cycle without error, got claimed=%v err=%v", claimed, err)
	}

	want := []string{
		"SAVEPOINT pupstream_event",
		"INSERT A",
		"SAVEPOINT pupstream_event",
		"INSERT B",
		"ROLLBACK TO SAVEPOINT pupstream_event",
	}
	if got := db.statements(); !equalStrings(got, want) {
		t.Fatalf("unexpected statements\n got: %v\nwant: %v", got, want)
	}
	if pos := f.position(t, "sub"); pos != 0 {
		t.Errorf("expected position 0, got %s", pos)
	}
}

func TestTxFromContext_UnsetOnEmbeddedBackends(t *testing.T) {
	f := newFixture(t)
	f.create(t, "sub", "orders")
	f.write(t, "orders", "A")

	var sawTx bool
	registry := NewRegistry()
	_ = registry.Register(es.NewSubscriptionID("sub"), Static(ListenerFunc(func(ctx context.Context, _ es.RecordedEvent) error {
		_, sawTx = TxFromContext(ctx)
		return nil
	})))
	d, err := NewDispatcher(f.events, f.subs, registry, testConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if sawTx {
		t.Error("memory claims should not expose a database transaction")
	}
}
