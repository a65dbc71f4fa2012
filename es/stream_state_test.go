package es

import (
	"fmt"
	"testing"
)

func TestStreamState_Any(t *testing.T) {
	s := Any()

	if !s.IsAny() {
		t.Error("Expected IsAny() to be true")
	}
	if s.IsNoStream() {
		t.Error("Expected IsNoStream() to be false")
	}
	if s.IsExact() {
		t.Error("Expected IsExact() to be false")
	}
	if s.Value() != 0 {
		t.Errorf("Expected Value() to be 0, got %d", s.Value())
	}
	if s.String() != "Any" {
		t.Errorf("Expected String() to be 'Any', got '%s'", s.String())
	}
}

func TestStreamState_NoStream(t *testing.T) {
	s := NoStream()

	if s.IsAny() {
		t.Error("Expected IsAny() to be false")
	}
	if !s.IsNoStream() {
		t.Error("Expected IsNoStream() to be true")
	}
	if s.IsExact() {
		t.Error("Expected IsExact() to be false")
	}
	if s.String() != "NoStream" {
		t.Errorf("Expected String() to be 'NoStream', got '%s'", s.String())
	}
}

func TestStreamState_AtIndex(t *testing.T) {
	for _, index := range []int64{0, 1, 5, 100} {
		t.Run(fmt.Sprintf("index %d", index), func(t *testing.T) {
			s := AtIndex(index)

			if !s.IsExact() {
				t.Error("Expected IsExact() to be true")
			}
			if s.IsAny() || s.IsNoStream() {
				t.Error("Expected IsAny() and IsNoStream() to be false")
			}
			if s.Value() != index {
				t.Errorf("Expected Value() to be %d, got %d", index, s.Value())
			}
			if want := fmt.Sprintf("AtIndex(%d)", index); s.String() != want {
				t.Errorf("Expected String() to be '%s', got '%s'", want, s.String())
			}
		})
	}
}

func TestStreamState_AtIndexNegativePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected AtIndex(-1) to panic")
		}
	}()
	AtIndex(-1)
}

func TestStreamState_Check(t *testing.T) {
	tests := []struct {
		name      string
		state     StreamState
		lastIndex int64
		exists    bool
		want      bool
	}{
		{"any on missing stream", Any(), -1, false, true},
		{"any on existing stream", Any(), 7, true, true},
		{"no stream on missing stream", NoStream(), -1, false, true},
		{"no stream on existing stream", NoStream(), 0, true, false},
		{"exact match", AtIndex(2), 2, true, true},
		{"exact behind", AtIndex(1), 2, true, false},
		{"exact ahead", AtIndex(3), 2, true, false},
		{"exact on missing stream", AtIndex(0), -1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Check(tt.lastIndex, tt.exists); got != tt.want {
				t.Errorf("%s.Check(%d, %v) = %v, want %v", tt.state, tt.lastIndex, tt.exists, got, tt.want)
			}
		})
	}
}
