// Package integration_test contains integration tests for the Postgres adapter.
// These tests require a running PostgreSQL instance.
//
// Run with: go test -tags=integration ./es/adapters/postgres/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/adapters/postgres"
	"github.com/getpup/pupstream/es/migrations"
	"github.com/getpup/pupstream/es/store"
	"github.com/getpup/pupstream/es/store/storetest"
)

var schemaSeq atomic.Int64

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Default to localhost, but allow override via env var for CI
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("POSTGRES_DB")
	if dbname == "" {
		dbname = "pupstream_test"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// setupSchema creates the tables in a schema private to the calling test.
func setupSchema(t *testing.T, db *sql.DB) string {
	t.Helper()

	schema := fmt.Sprintf("pupstream_it_%d_%d", os.Getpid(), schemaSeq.Add(1))
	if _, err := db.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Fatalf("Failed to drop schema: %v", err)
	}

	config := migrations.DefaultConfig()
	config.Schema = schema
	ddl, err := migrations.SQL(migrations.Postgres, &config)
	if err != nil {
		t.Fatalf("Failed to generate migration: %v", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}

	t.Cleanup(func() {
		//nolint:errcheck // best effort cleanup
		db.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	})
	return schema
}

func newStores(t *testing.T, db *sql.DB) (*postgres.Store, *postgres.SubscriptionStore) {
	t.Helper()
	config := postgres.NewStoreConfig(
		postgres.WithSchema(setupSchema(t, db)),
		postgres.WithPollInterval(20*time.Millisecond),
	)
	return postgres.NewStore(db, config), postgres.NewSubscriptionStore(db, config)
}

func TestConformance(t *testing.T) {
	db := getTestDB(t)
	storetest.Run(t, func(t *testing.T) storetest.Stores {
		events, subs := newStores(t, db)
		return storetest.Stores{Events: events, Subscriptions: subs}
	})
}

func TestWriteInTx_RollbackDiscardsEvents(t *testing.T) {
	db := getTestDB(t)
	s, _ := newStores(t, db)
	ctx := context.Background()
	stream := es.NewStreamID("order-1")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	result, err := s.WriteInTx(ctx, tx, stream, []es.Event{{EventType: "OrderPlaced"}}, es.NoStream())
	if err != nil {
		t.Fatalf("WriteInTx failed: %v", err)
	}
	if result.FirstIndex != 0 || result.FirstSequence != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	// The uncommitted event is visible inside the transaction only.
	events, err := s.ReadInTx(ctx, tx, stream, es.Start, es.Forward, 10)
	if err != nil {
		t.Fatalf("ReadInTx failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event inside transaction, got %d", len(events))
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	_, err = s.Read(ctx, stream, es.Start, es.Forward, 10)
	if !errors.Is(err, es.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after rollback, got %v", err)
	}

	// Sequences are handed out again after the rollback.
	result, err = s.Write(ctx, stream, []es.Event{{EventType: "OrderPlaced"}}, es.NoStream())
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if result.FirstSequence != 1 {
		t.Errorf("expected sequence 1 after rollback, got %d", result.FirstSequence)
	}
}

func TestWrite_SequencesFollowCommitOrder(t *testing.T) {
	db := getTestDB(t)
	s, _ := newStores(t, db)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream := es.NewStreamID(fmt.Sprintf("stream-%d", i))
			for j := 0; j < 5; j++ {
				if _, err := s.Write(ctx, stream, []es.Event{{EventType: "Tick"}}, es.Any()); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	events, err := s.Read(ctx, es.AllStreams, es.Start, es.Forward, 100)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != writers*5 {
		t.Fatalf("expected %d events, got %d", writers*5, len(events))
	}
	for i, e := range events {
		if e.Metadata.Sequence != int64(i+1) {
			t.Fatalf("expected gapless sequence %d, got %d", i+1, e.Metadata.Sequence)
		}
	}
}

func TestSubscriptionWatch_SkipsLockedRows(t *testing.T) {
	db := getTestDB(t)
	events, subs := newStores(t, db)
	ctx := context.Background()

	stream := es.NewStreamID("orders")
	if _, err := events.Write(ctx, stream, []es.Event{{EventType: "OrderPlaced"}}, es.Any()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := subs.Create(ctx, es.NewSubscriptionID(id), stream, true); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	first := beginWatch(t, subs)
	second := beginWatch(t, subs)
	if first == second {
		t.Fatalf("both transactions claimed %s", first)
	}

	tx, err := subs.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck
	res, err := tx.Watch(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected no claim while both rows are locked, got %s", res.SubscriptionID)
	}
}

func beginWatch(t *testing.T, subs store.SubscriptionStore) string {
	t.Helper()
	ctx := context.Background()
	tx, err := subs.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() }) //nolint:errcheck
	res, err := tx.Watch(ctx, time.Second)
	if err != nil || res == nil {
		t.Fatalf("Watch = %v, %v", res, err)
	}
	return res.SubscriptionID.String()
}
