package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/es/config"
)

func TestOpen_EmbeddedBackends(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(dir string) config.StoreConfig
	}{
		{name: "memory", cfg: func(string) config.StoreConfig {
			return config.StoreConfig{Backend: config.BackendMemory}
		}},
		{name: "pebble", cfg: func(dir string) config.StoreConfig {
			return config.StoreConfig{Backend: config.BackendPebble, Path: filepath.Join(dir, "pebble"), KeyPrefix: "app/"}
		}},
		{name: "sqlite", cfg: func(dir string) config.StoreConfig {
			return config.StoreConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "events.db"), Migrate: true}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, err := Open(ctx, tt.cfg(t.TempDir()), nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer b.Close()

			if b.Name != tt.name {
				t.Errorf("expected name %q, got %q", tt.name, b.Name)
			}

			stream := es.NewStreamID("orders")
			if _, err := b.Events.Write(ctx, stream, []es.Event{{EventType: "Created"}}, es.NoStream()); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := b.Subscriptions.Create(ctx, es.NewSubscriptionID("sub"), stream, true); err != nil {
				t.Fatalf("create subscription: %v", err)
			}

			tx, err := b.Subscriptions.Begin(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			claimed, err := tx.Watch(ctx, time.Second)
			if err != nil {
				t.Fatalf("watch: %v", err)
			}
			if claimed == nil || claimed.SubscriptionID.String() != "sub" {
				t.Fatalf("expected sub to be claimed, got %+v", claimed)
			}
			if err := tx.Rollback(); err != nil {
				t.Fatalf("rollback: %v", err)
			}

			if err := b.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := b.Close(); err != nil {
				t.Fatalf("second close: %v", err)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{Backend: "oracle"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := Open(context.Background(), config.StoreConfig{}, nil); err == nil {
		t.Fatal("expected error for empty backend")
	}
}
