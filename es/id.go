package es

import "strings"

// Wildcard is the character that turns an identifier into a pattern.
const Wildcard = "*"

// IDKind classifies how an identifier matches concrete names.
type IDKind uint8

const (
	// KindExact matches exactly one name.
	KindExact IDKind = iota
	// KindPrefix matches every name starting with the body ("orders-*").
	KindPrefix
	// KindSuffix matches every name ending with the body ("*-archive").
	KindSuffix
	// KindAll matches every name ("*").
	KindAll
)

// String returns a readable name for the kind.
func (k IDKind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPrefix:
		return "prefix"
	case KindSuffix:
		return "suffix"
	case KindAll:
		return "all"
	default:
		return "unknown"
	}
}

// pattern is the parsed form shared by StreamID and SubscriptionID.
// It is derived once at construction so comparisons never re-parse the raw string.
type pattern struct {
	raw  string
	body string
	kind IDKind
}

func parsePattern(raw string) pattern {
	switch {
	case raw == Wildcard:
		return pattern{raw: raw, kind: KindAll}
	case len(raw) > 1 && strings.HasSuffix(raw, Wildcard):
		return pattern{raw: raw, body: raw[:len(raw)-1], kind: KindPrefix}
	case len(raw) > 1 && strings.HasPrefix(raw, Wildcard):
		return pattern{raw: raw, body: raw[1:], kind: KindSuffix}
	default:
		return pattern{raw: raw, body: raw, kind: KindExact}
	}
}

func (p pattern) matches(name string) bool {
	switch p.kind {
	case KindAll:
		return true
	case KindPrefix:
		return strings.HasPrefix(name, p.body)
	case KindSuffix:
		return strings.HasSuffix(name, p.body)
	default:
		return name == p.raw
	}
}

// StreamID identifies a stream, or a read-only set of streams when it is a wildcard.
// The zero value is an empty exact id and is rejected by every store.
type StreamID struct {
	p pattern
}

// AllStreams matches every stream in a store.
var AllStreams = NewStreamID(Wildcard)

// NewStreamID parses raw into a StreamID.
// "*" matches all streams, "x*" is a prefix pattern, "*x" a suffix pattern.
func NewStreamID(raw string) StreamID {
	return StreamID{p: parsePattern(raw)}
}

// String returns the raw identifier.
func (id StreamID) String() string { return id.p.raw }

// Kind returns how the id matches stream names.
func (id StreamID) Kind() IDKind { return id.p.kind }

// Body returns the id without its wildcard character.
// For KindAll it is empty; for KindExact it equals String().
func (id StreamID) Body() string { return id.p.body }

// IsWildcard reports whether the id denotes more than one stream.
func (id StreamID) IsWildcard() bool { return id.p.kind != KindExact }

// IsZero reports whether the id is empty.
func (id StreamID) IsZero() bool { return id.p.raw == "" }

// Matches reports whether the concrete stream name is selected by this id.
func (id StreamID) Matches(name string) bool { return id.p.matches(name) }

// Compare orders ids by ordinal comparison of their raw strings.
func (id StreamID) Compare(other StreamID) int { return strings.Compare(id.p.raw, other.p.raw) }

// SubscriptionID identifies a subscription. Only exact ids may name a live
// subscription; wildcard ids are accepted as Delete/List filters.
type SubscriptionID struct {
	p pattern
}

// AllSubscriptions matches every subscription in a store.
var AllSubscriptions = NewSubscriptionID(Wildcard)

// NewSubscriptionID parses raw into a SubscriptionID.
func NewSubscriptionID(raw string) SubscriptionID {
	return SubscriptionID{p: parsePattern(raw)}
}

// String returns the raw identifier.
func (id SubscriptionID) String() string { return id.p.raw }

// Kind returns how the id matches subscription names.
func (id SubscriptionID) Kind() IDKind { return id.p.kind }

// Body returns the id without its wildcard character.
func (id SubscriptionID) Body() string { return id.p.body }

// IsWildcard reports whether the id denotes more than one subscription.
func (id SubscriptionID) IsWildcard() bool { return id.p.kind != KindExact }

// IsZero reports whether the id is empty.
func (id SubscriptionID) IsZero() bool { return id.p.raw == "" }

// Matches reports whether the concrete subscription name is selected by this id.
func (id SubscriptionID) Matches(name string) bool { return id.p.matches(name) }

// Compare orders ids by ordinal comparison of their raw strings.
func (id SubscriptionID) Compare(other SubscriptionID) int {
	return strings.Compare(id.p.raw, other.p.raw)
}
