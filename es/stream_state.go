package es

import "fmt"

// StreamState is the expected state of a stream for optimistic concurrency control.
// It is passed to Write to declare expectations about the stream's last index.
type StreamState struct {
	value int64
}

const (
	// streamStateAny indicates no state check should be performed
	streamStateAny = -1
	// streamStateNoStream indicates the stream must not exist
	streamStateNoStream = -2
)

// Any returns a StreamState that skips validation.
// Use this when you don't need optimistic concurrency control.
func Any() StreamState {
	return StreamState{value: streamStateAny}
}

// NoStream returns a StreamState that requires the stream to not exist yet.
// Use this when the first write must win, e.g. for reservation streams.
func NoStream() StreamState {
	return StreamState{value: streamStateNoStream}
}

// AtIndex returns a StreamState that requires the stream's last event index to be exactly index.
// The index must be non-negative (>= 0).
func AtIndex(index int64) StreamState {
	if index < 0 {
		panic(fmt.Sprintf("expected stream index must be non-negative, got %d", index))
	}
	return StreamState{value: index}
}

// IsAny returns true if this state skips validation.
func (s StreamState) IsAny() bool {
	return s.value == streamStateAny
}

// IsNoStream returns true if the stream must not exist.
func (s StreamState) IsNoStream() bool {
	return s.value == streamStateNoStream
}

// IsExact returns true if the stream must be at a specific index.
func (s StreamState) IsExact() bool {
	return s.value >= 0
}

// Value returns the expected last index if this is an exact state.
// Returns 0 for Any and NoStream.
func (s StreamState) Value() int64 {
	if s.value >= 0 {
		return s.value
	}
	return 0
}

// Check validates the state against the stream's persisted last index.
// exists is false when the stream has never been written.
func (s StreamState) Check(lastIndex int64, exists bool) bool {
	switch {
	case s.IsAny():
		return true
	case s.IsNoStream():
		return !exists
	default:
		return exists && lastIndex == s.value
	}
}

// String returns a string representation of the StreamState.
func (s StreamState) String() string {
	if s.IsAny() {
		return "Any"
	}
	if s.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("AtIndex(%d)", s.value)
}
