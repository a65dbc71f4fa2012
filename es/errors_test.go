package es

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrors_Is(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"stream state", &StreamStateError{Stream: NewStreamID("a"), Expected: NoStream(), Actual: 3}, ErrStreamState},
		{"stream not found", &StreamNotFoundError{Stream: NewStreamID("a")}, ErrStreamNotFound},
		{"stream deleted", &StreamDeletedError{Stream: NewStreamID("a")}, ErrStreamDeleted},
		{"subscription not found", &SubscriptionNotFoundError{Subscription: NewSubscriptionID("s")}, ErrSubscriptionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
			if !IsStoreOutcome(wrapped) {
				t.Errorf("IsStoreOutcome(%v) = false", wrapped)
			}
		})
	}
}

func TestStreamStateError_Message(t *testing.T) {
	missing := &StreamStateError{Stream: NewStreamID("a"), Expected: AtIndex(0), Actual: -1}
	if got := missing.Error(); got != `stream "a": expected state AtIndex(0), stream does not exist` {
		t.Errorf("unexpected message: %s", got)
	}

	mismatch := &StreamStateError{Stream: NewStreamID("a"), Expected: NoStream(), Actual: 2}
	if got := mismatch.Error(); got != `stream "a": expected state NoStream, actual last index 2` {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestWrapStoreError(t *testing.T) {
	if WrapStoreError("memory", "write", nil) != nil {
		t.Error("Expected nil to stay nil")
	}

	backendErr := errors.New("connection reset")
	wrapped := WrapStoreError("postgres", "read", backendErr)
	var storeErr *StoreError
	if !errors.As(wrapped, &storeErr) {
		t.Fatalf("Expected *StoreError, got %T", wrapped)
	}
	if storeErr.Backend != "postgres" || storeErr.Op != "read" {
		t.Errorf("unexpected store error fields: %+v", storeErr)
	}
	if !errors.Is(wrapped, backendErr) {
		t.Error("Expected backend error to be unwrappable")
	}
	if wrapped.Error() != "postgres: read: connection reset" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}

	if again := WrapStoreError("postgres", "write", wrapped); again != wrapped {
		t.Error("Expected an existing *StoreError to pass through")
	}

	notFound := &StreamNotFoundError{Stream: NewStreamID("a")}
	if WrapStoreError("postgres", "read", notFound) != error(notFound) {
		t.Error("Expected typed errors to pass through unwrapped")
	}

	if !errors.Is(WrapStoreError("postgres", "watch", context.Canceled), context.Canceled) {
		t.Error("Expected cancellation to pass through")
	}
	if IsStoreOutcome(backendErr) {
		t.Error("Expected plain backend error to not be a store outcome")
	}
}
