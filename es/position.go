package es

import (
	"math"
	"strconv"
)

// StreamPosition addresses an event within a stream (zero-based index), or a global
// sequence number when the target is a wildcard stream.
type StreamPosition int64

const (
	// Start is the position before the first event. Reads from Start include event 0.
	Start StreamPosition = -1
	// End is the position strictly after the last event.
	End StreamPosition = math.MaxInt64
)

// IsStart reports whether p is the Start sentinel.
func (p StreamPosition) IsStart() bool { return p == Start }

// IsEnd reports whether p is the End sentinel.
func (p StreamPosition) IsEnd() bool { return p == End }

// Int64 returns the raw value.
func (p StreamPosition) Int64() int64 { return int64(p) }

// Inclusive returns the first index a read starting at p covers.
// Start and any negative value map to 0.
func (p StreamPosition) Inclusive() int64 {
	if p < 0 {
		return 0
	}
	return int64(p)
}

// Next returns the position after p. Start stays Start so that an unprocessed
// cursor still reads event 0; End stays End.
func (p StreamPosition) Next() StreamPosition {
	if p == Start || p == End {
		return p
	}
	return p + 1
}

// String returns "Start", "End" or the number.
func (p StreamPosition) String() string {
	switch p {
	case Start:
		return "Start"
	case End:
		return "End"
	default:
		return strconv.FormatInt(int64(p), 10)
	}
}

// Direction is the order in which Read returns events.
type Direction uint8

const (
	// Forward returns events in ascending order.
	Forward Direction = iota
	// Backward returns events in descending order.
	Backward
)

// String returns "forward" or "backward".
func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}
