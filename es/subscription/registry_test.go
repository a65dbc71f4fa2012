package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/getpup/pupstream/es"
)

func TestRegistry_Register(t *testing.T) {
	noop := Static(NoopListener)

	tests := []struct {
		name    string
		id      string
		factory ListenerFactory
		wantErr error
	}{
		{name: "exact", id: "sub", factory: noop},
		{name: "empty", id: "", factory: noop, wantErr: es.ErrEmptyID},
		{name: "prefix wildcard", id: "sub-*", factory: noop, wantErr: es.ErrWildcardSubscription},
		{name: "all", id: "*", factory: noop, wantErr: es.ErrWildcardSubscription},
		{name: "nil factory", id: "other", wantErr: ErrNilFactory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(es.NewSubscriptionID(tt.id), tt.factory)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	id := es.NewSubscriptionID("sub")
	if err := r.Register(id, Static(NoopListener)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(id, Static(NoopListener)); !errors.Is(err, ErrDuplicateListener) {
		t.Fatalf("expected ErrDuplicateListener, got %v", err)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	var got es.SubscriptionID
	called := ListenerFunc(func(context.Context, es.RecordedEvent) error { return nil })
	_ = r.Register(es.NewSubscriptionID("sub"), func(_ context.Context, id es.SubscriptionID) (Listener, error) {
		got = id
		return called, nil
	})

	l, err := r.Resolve(context.Background(), es.NewSubscriptionID("sub"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if l == nil || got.String() != "sub" {
		t.Fatalf("factory not invoked with id, got %q", got)
	}

	l, err = r.Resolve(context.Background(), es.NewSubscriptionID("missing"))
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	if l != NoopListener {
		t.Error("expected NoopListener for unregistered id")
	}
}
