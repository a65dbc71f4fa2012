package es

import "testing"

func TestStreamPosition_Sentinels(t *testing.T) {
	if !Start.IsStart() || Start.IsEnd() {
		t.Error("Start sentinel misreported")
	}
	if !End.IsEnd() || End.IsStart() {
		t.Error("End sentinel misreported")
	}
	if !(Start < 0 && StreamPosition(0) > Start && End > StreamPosition(1<<40)) {
		t.Error("Expected Start < 0 <= n < End ordering")
	}
}

func TestStreamPosition_Inclusive(t *testing.T) {
	tests := []struct {
		pos  StreamPosition
		want int64
	}{
		{Start, 0},
		{0, 0},
		{5, 5},
	}
	for _, tt := range tests {
		if got := tt.pos.Inclusive(); got != tt.want {
			t.Errorf("%s.Inclusive() = %d, want %d", tt.pos, got, tt.want)
		}
	}
}

func TestStreamPosition_Next(t *testing.T) {
	tests := []struct {
		pos  StreamPosition
		want StreamPosition
	}{
		{Start, Start},
		{0, 1},
		{41, 42},
		{End, End},
	}
	for _, tt := range tests {
		if got := tt.pos.Next(); got != tt.want {
			t.Errorf("%s.Next() = %s, want %s", tt.pos, got, tt.want)
		}
	}
}

func TestStreamPosition_String(t *testing.T) {
	if Start.String() != "Start" || End.String() != "End" || StreamPosition(3).String() != "3" {
		t.Errorf("unexpected strings: %s %s %s", Start, End, StreamPosition(3))
	}
	if Forward.String() != "forward" || Backward.String() != "backward" {
		t.Error("unexpected direction strings")
	}
}
