// Package es provides core event streaming interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event is an event to be written to a stream.
// Events are value objects without position until persisted.
type Event struct {
	// EventType identifies the type of event
	EventType string

	// Data contains the serialized event payload.
	// Stored as bytes so any serialization format works.
	Data []byte

	// Metadata carries optional caller-supplied metadata.
	// Index, Sequence and CreatedAt are ignored on write and assigned by the store.
	Metadata Metadata
}

// Metadata describes an event. Position fields are assigned by the store at write time.
type Metadata struct {
	// CreatedAt is when the event was written
	CreatedAt time.Time

	// Extensions carries free-form extension data
	Extensions map[string]string

	// Index is the zero-based position of the event inside its stream
	Index int64

	// Sequence is the store-wide position of the event, monotonic across all streams
	Sequence int64

	// TraceID for distributed tracing (optional)
	TraceID uuid.NullUUID

	// EventID uniquely identifies the event. Generated on write when zero.
	EventID uuid.UUID
}

// RecordedEvent is an event that has been stored.
// Its metadata Index and Sequence are guaranteed to be set.
type RecordedEvent struct {
	StreamID StreamID
	Event
}

// Position returns the event's position as seen from target: the stream index for
// exact targets, the global sequence for wildcard targets.
//
//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (e RecordedEvent) Position(target StreamID) StreamPosition {
	if target.IsWildcard() {
		return StreamPosition(e.Metadata.Sequence)
	}
	return StreamPosition(e.Metadata.Index)
}

// Clone returns a deep copy of the event so stored events cannot be mutated through
// caller-held slices or maps.
//
//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		out.Data = append([]byte(nil), e.Data...)
	}
	if e.Metadata.Extensions != nil {
		out.Metadata.Extensions = make(map[string]string, len(e.Metadata.Extensions))
		for k, v := range e.Metadata.Extensions {
			out.Metadata.Extensions[k] = v
		}
	}
	return out
}
