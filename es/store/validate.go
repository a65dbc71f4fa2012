package store

import (
	"github.com/getpup/pupstream/es"
)

// ValidateWrite checks the arguments shared by every EventStore.Write implementation.
func ValidateWrite(stream es.StreamID, events []es.Event) error {
	if stream.IsZero() {
		return es.ErrEmptyID
	}
	if stream.IsWildcard() {
		return es.ErrWildcardStream
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	return nil
}

// ValidateStream checks an exact, non-empty stream id for Delete.
func ValidateStream(stream es.StreamID) error {
	if stream.IsZero() {
		return es.ErrEmptyID
	}
	if stream.IsWildcard() {
		return es.ErrWildcardStream
	}
	return nil
}

// ValidateSubscription checks an exact, non-empty subscription id.
func ValidateSubscription(id es.SubscriptionID) error {
	if id.IsZero() {
		return es.ErrEmptyID
	}
	if id.IsWildcard() {
		return es.ErrWildcardSubscription
	}
	return nil
}

// ReadRange is a normalized read request.
type ReadRange struct {
	// From is the first index (or sequence) to include; never negative
	From int64
	// FromEnd is set when the read starts at the stream's last event
	FromEnd bool
	// Direction of the read after normalization
	Direction es.Direction
	// Limit bounds the number of events returned
	Limit int
}

// NormalizeRead validates a read and resolves sentinel positions.
//
// Forward from es.End is rewritten to Backward from es.End with a limit of one:
// reading forward from the end yields the most recent event, never an empty result.
func NormalizeRead(stream es.StreamID, from es.StreamPosition, direction es.Direction, maxCount int) (ReadRange, error) {
	if stream.IsZero() {
		return ReadRange{}, es.ErrEmptyID
	}
	if maxCount <= 0 {
		return ReadRange{}, ErrInvalidCount
	}

	r := ReadRange{
		From:      from.Inclusive(),
		FromEnd:   from.IsEnd(),
		Direction: direction,
		Limit:     maxCount,
	}
	if r.FromEnd && direction == es.Forward {
		r.Direction = es.Backward
		r.Limit = 1
	}
	return r, nil
}

// Includes reports whether position p falls inside the range given the target's tail.
func (r ReadRange) Includes(p int64) bool {
	if r.Direction == es.Forward {
		return p >= r.From
	}
	if r.FromEnd {
		return true
	}
	return p <= r.From
}
