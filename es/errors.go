package es

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStreamState matches every *StreamStateError.
	ErrStreamState = errors.New("unexpected stream state")

	// ErrStreamNotFound matches every *StreamNotFoundError.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamDeleted matches every *StreamDeletedError.
	ErrStreamDeleted = errors.New("stream deleted")

	// ErrSubscriptionNotFound matches every *SubscriptionNotFoundError.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrWildcardStream indicates a write or delete against a wildcard stream id.
	ErrWildcardStream = errors.New("wildcard stream is read-only")

	// ErrWildcardSubscription indicates a wildcard id used where an exact subscription is required.
	ErrWildcardSubscription = errors.New("wildcard subscription id is not allowed here")

	// ErrEmptyID indicates an empty stream or subscription id.
	ErrEmptyID = errors.New("empty id")
)

// StreamStateError reports an optimistic concurrency violation on write.
// Callers can recover by re-reading the stream and retrying.
type StreamStateError struct {
	Stream   StreamID
	Expected StreamState
	// Actual is the persisted last index, or -1 if the stream does not exist.
	Actual int64
}

func (e *StreamStateError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("stream %q: expected state %s, stream does not exist", e.Stream, e.Expected)
	}
	return fmt.Sprintf("stream %q: expected state %s, actual last index %d", e.Stream, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrStreamState) true.
func (e *StreamStateError) Is(target error) bool { return target == ErrStreamState }

// StreamNotFoundError reports a stream that was never written.
type StreamNotFoundError struct {
	Stream StreamID
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %q not found", e.Stream)
}

// Is makes errors.Is(err, ErrStreamNotFound) true.
func (e *StreamNotFoundError) Is(target error) bool { return target == ErrStreamNotFound }

// StreamDeletedError reports a stream that has been tombstoned.
type StreamDeletedError struct {
	Stream StreamID
}

func (e *StreamDeletedError) Error() string {
	return fmt.Sprintf("stream %q has been deleted", e.Stream)
}

// Is makes errors.Is(err, ErrStreamDeleted) true.
func (e *StreamDeletedError) Is(target error) bool { return target == ErrStreamDeleted }

// SubscriptionNotFoundError reports a subscription row that does not exist.
type SubscriptionNotFoundError struct {
	Subscription SubscriptionID
}

func (e *SubscriptionNotFoundError) Error() string {
	return fmt.Sprintf("subscription %q not found", e.Subscription)
}

// Is makes errors.Is(err, ErrSubscriptionNotFound) true.
func (e *SubscriptionNotFoundError) Is(target error) bool {
	return target == ErrSubscriptionNotFound
}

// StoreError wraps a backend failure. Raw driver errors never leave a store unwrapped.
type StoreError struct {
	Err     error
	Op      string
	Backend string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStoreError wraps err in a *StoreError unless it is nil, already a *StoreError,
// one of the typed store errors, or a context cancellation.
func WrapStoreError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	if IsStoreOutcome(err) {
		return err
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// IsStoreOutcome reports whether err is part of the typed taxonomy (state, not found,
// deleted, validation) or a cancellation, as opposed to an infrastructure failure.
func IsStoreOutcome(err error) bool {
	return errors.Is(err, ErrStreamState) ||
		errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrStreamDeleted) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrWildcardStream) ||
		errors.Is(err, ErrWildcardSubscription) ||
		errors.Is(err, ErrEmptyID) ||
		IsCancellation(err)
}

// IsCancellation reports whether err stems from a cancelled or expired context.
// Cancellation is an outcome, not a failure, and is never wrapped.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
