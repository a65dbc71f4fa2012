package store

import (
	"errors"
	"testing"

	"github.com/getpup/pupstream/es"
)

func TestValidateWrite(t *testing.T) {
	events := []es.Event{{EventType: "E"}}

	tests := []struct {
		name    string
		stream  es.StreamID
		events  []es.Event
		wantErr error
	}{
		{"valid", es.NewStreamID("a"), events, nil},
		{"empty id", es.StreamID{}, events, es.ErrEmptyID},
		{"prefix wildcard", es.NewStreamID("a*"), events, es.ErrWildcardStream},
		{"all streams", es.AllStreams, events, es.ErrWildcardStream},
		{"no events", es.NewStreamID("a"), nil, ErrNoEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWrite(tt.stream, tt.events)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateWrite() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSubscription(t *testing.T) {
	if err := ValidateSubscription(es.NewSubscriptionID("billing")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSubscription(es.NewSubscriptionID("billing-*")); !errors.Is(err, es.ErrWildcardSubscription) {
		t.Errorf("expected ErrWildcardSubscription, got %v", err)
	}
	if err := ValidateSubscription(es.SubscriptionID{}); !errors.Is(err, es.ErrEmptyID) {
		t.Errorf("expected ErrEmptyID, got %v", err)
	}
	if err := ValidateStream(es.AllStreams); !errors.Is(err, es.ErrWildcardStream) {
		t.Errorf("expected ErrWildcardStream, got %v", err)
	}
}

func TestNormalizeRead(t *testing.T) {
	stream := es.NewStreamID("a")

	tests := []struct {
		name      string
		from      es.StreamPosition
		direction es.Direction
		maxCount  int
		want      ReadRange
	}{
		{"forward from start", es.Start, es.Forward, 10, ReadRange{From: 0, Direction: es.Forward, Limit: 10}},
		{"forward from index", 4, es.Forward, 2, ReadRange{From: 4, Direction: es.Forward, Limit: 2}},
		{"forward from end becomes last event", es.End, es.Forward, 10, ReadRange{From: int64(es.End), FromEnd: true, Direction: es.Backward, Limit: 1}},
		{"backward from end", es.End, es.Backward, 2, ReadRange{From: int64(es.End), FromEnd: true, Direction: es.Backward, Limit: 2}},
		{"backward from start", es.Start, es.Backward, 5, ReadRange{From: 0, Direction: es.Backward, Limit: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRead(stream, tt.from, tt.direction, tt.maxCount)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeRead() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := NormalizeRead(stream, es.Start, es.Forward, 0); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("expected ErrInvalidCount, got %v", err)
	}
}

func TestReadRange_Includes(t *testing.T) {
	forward := ReadRange{From: 2, Direction: es.Forward, Limit: 10}
	if forward.Includes(1) || !forward.Includes(2) || !forward.Includes(9) {
		t.Error("forward range misreports inclusion")
	}

	backward := ReadRange{From: 2, Direction: es.Backward, Limit: 10}
	if !backward.Includes(0) || !backward.Includes(2) || backward.Includes(3) {
		t.Error("backward range misreports inclusion")
	}

	fromEnd := ReadRange{From: int64(es.End), FromEnd: true, Direction: es.Backward, Limit: 1}
	if !fromEnd.Includes(1 << 50) {
		t.Error("backward range from end should include everything")
	}
}
