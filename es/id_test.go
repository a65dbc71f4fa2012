package es

import "testing"

func TestNewStreamID_Kinds(t *testing.T) {
	tests := []struct {
		raw      string
		kind     IDKind
		body     string
		wildcard bool
	}{
		{"order-1", KindExact, "order-1", false},
		{"order-*", KindPrefix, "order-", true},
		{"*-archive", KindSuffix, "-archive", true},
		{"*", KindAll, "", true},
		{"", KindExact, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			id := NewStreamID(tt.raw)
			if id.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", id.Kind(), tt.kind)
			}
			if id.Body() != tt.body {
				t.Errorf("Body() = %q, want %q", id.Body(), tt.body)
			}
			if id.IsWildcard() != tt.wildcard {
				t.Errorf("IsWildcard() = %v, want %v", id.IsWildcard(), tt.wildcard)
			}
			if id.String() != tt.raw {
				t.Errorf("String() = %q, want %q", id.String(), tt.raw)
			}
		})
	}
}

func TestStreamID_Matches(t *testing.T) {
	tests := []struct {
		id   string
		name string
		want bool
	}{
		{"order-1", "order-1", true},
		{"order-1", "order-10", false},
		{"order-*", "order-10", true},
		{"order-*", "Order-10", false},
		{"*-archive", "2024-archive", true},
		{"*-archive", "2024-archived", false},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.name, func(t *testing.T) {
			if got := NewStreamID(tt.id).Matches(tt.name); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestStreamID_EqualityAndOrdering(t *testing.T) {
	if NewStreamID("a") != NewStreamID("a") {
		t.Error("Expected ids built from the same string to be equal")
	}
	if AllStreams != NewStreamID("*") {
		t.Error("Expected AllStreams to equal NewStreamID(\"*\")")
	}
	if NewStreamID("B").Compare(NewStreamID("a")) >= 0 {
		t.Error("Expected ordinal comparison to order upper case before lower case")
	}
	if !(StreamID{}).IsZero() {
		t.Error("Expected zero StreamID to report IsZero")
	}
}

func TestSubscriptionID_Matches(t *testing.T) {
	if !AllSubscriptions.Matches("billing") {
		t.Error("Expected AllSubscriptions to match every name")
	}
	if !NewSubscriptionID("billing-*").Matches("billing-eu") {
		t.Error("Expected prefix subscription id to match")
	}
	if NewSubscriptionID("billing").IsWildcard() {
		t.Error("Expected exact subscription id to not be a wildcard")
	}
	if NewSubscriptionID("*-eu").Kind() != KindSuffix {
		t.Error("Expected suffix kind")
	}
}
