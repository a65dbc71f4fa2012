package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/store/storetest"
)

func openTestDB(t *testing.T, config StoreConfig) (*Store, *SubscriptionStore) {
	t.Helper()
	db, err := OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "events.db"), config)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, config), NewSubscriptionStore(db, config)
}

func newStores(t *testing.T) storetest.Stores {
	t.Helper()
	events, subs := openTestDB(t, NewStoreConfig(WithPollInterval(20*time.Millisecond)))
	return storetest.Stores{Events: events, Subscriptions: subs}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStores)
}

func TestOpen_RejectsURIParameters(t *testing.T) {
	if _, err := Open("events.db?mode=ro", 0); err == nil {
		t.Error("expected error for path with query string")
	}
	if _, err := Open("", 0); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestTimeFormat_SortsLexically(t *testing.T) {
	early := time.Date(2024, 1, 1, 9, 0, 0, 5, time.UTC)
	late := early.Add(time.Second)
	if formatTime(early) >= formatTime(late) {
		t.Errorf("expected %q < %q", formatTime(early), formatTime(late))
	}

	parsed, err := parseTime(formatTime(early))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(early) {
		t.Errorf("expected %v, got %v", early, parsed)
	}
}

func TestWrite_PersistsMetadata(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events, _ := openTestDB(t, NewStoreConfig(WithClock(es.ClockFunc(func() time.Time { return fixed }))))
	ctx := context.Background()

	eventID := uuid.New()
	traceID := uuid.New()
	event := es.Event{EventType: "OrderPlaced", Data: []byte(`{"total":10}`)}
	event.Metadata.EventID = eventID
	event.Metadata.TraceID = uuid.NullUUID{UUID: traceID, Valid: true}
	event.Metadata.Extensions = map[string]string{"tenant": "acme"}

	if _, err := events.Write(ctx, es.NewStreamID("order-1"), []es.Event{event}, es.NoStream()); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := events.Read(ctx, es.NewStreamID("order-1"), es.Start, es.Forward, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	md := got[0].Metadata
	if md.EventID != eventID {
		t.Errorf("expected event id %s, got %s", eventID, md.EventID)
	}
	if !md.TraceID.Valid || md.TraceID.UUID != traceID {
		t.Errorf("expected trace id %s, got %+v", traceID, md.TraceID)
	}
	if md.Extensions["tenant"] != "acme" {
		t.Errorf("expected extensions to round-trip, got %v", md.Extensions)
	}
	if !md.CreatedAt.Equal(fixed) {
		t.Errorf("expected CreatedAt %v, got %v", fixed, md.CreatedAt)
	}
}

func TestWriteInTx_RollbackDiscardsEvents(t *testing.T) {
	db, err := OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "events.db"), DefaultStoreConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	s := NewStore(db, DefaultStoreConfig())
	ctx := context.Background()
	stream := es.NewStreamID("order-1")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := s.WriteInTx(ctx, tx, stream, []es.Event{{EventType: "OrderPlaced"}}, es.NoStream()); err != nil {
		t.Fatalf("WriteInTx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.Read(ctx, stream, es.Start, es.Forward, 10); !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after rollback, got %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()
	stream := es.NewStreamID("order-1")

	db, err := OpenAndMigrate(ctx, path, DefaultStoreConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := NewStore(db, DefaultStoreConfig()).Write(ctx, stream, []es.Event{{EventType: "A"}, {EventType: "B"}}, es.NoStream()); err != nil {
		t.Fatalf("write: %v", err)
	}
	db.Close()

	db, err = OpenAndMigrate(ctx, path, DefaultStoreConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	result, err := NewStore(db, DefaultStoreConfig()).Write(ctx, stream, []es.Event{{EventType: "C"}}, es.AtIndex(1))
	if err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
	if result.FirstIndex != 2 || result.FirstSequence != 3 {
		t.Errorf("expected index 2 and sequence 3, got %+v", result)
	}
}
