package clock

import "testing"

func TestUniqueTimeOrdering(t *testing.T) {
	a := New(100, 0, 5)
	b := New(100, 1, 5)
	c := New(101, 0, 0)

	if !a.Less(b) {
		t.Errorf("expected a < b (same micros, higher seq orders after)")
	}
	if !b.Less(c) {
		t.Errorf("expected b < c (later micros orders after, regardless of instance_id)")
	}
	if a.Compare(a) != 0 {
		t.Errorf("expected a == a")
	}
}

func TestUniqueTimeInstanceIDTieBreak(t *testing.T) {
	low := New(100, 0, 0)
	high := New(100, 0, 1023)
	if !low.Less(high) {
		t.Errorf("expected lower instance_id to order before higher instance_id at identical (micros, seq)")
	}
}

func TestUniqueTimeRoundTrip(t *testing.T) {
	ut := New(1234567890123, 42, 7)
	if ut.Micros() != 1234567890123 {
		t.Errorf("Micros() = %d, want 1234567890123", ut.Micros())
	}
	if ut.Seq() != 42 {
		t.Errorf("Seq() = %d, want 42", ut.Seq())
	}
	if ut.InstanceID() != 7 {
		t.Errorf("InstanceID() = %d, want 7", ut.InstanceID())
	}

	parsed, err := Parse(ut.String())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if parsed != ut {
		t.Errorf("Parse(String()) round trip mismatch")
	}
}

func TestUniqueTimeStringOrderMatchesNumericOrder(t *testing.T) {
	a := New(100, 0, 5)
	b := New(200, 0, 5)
	if !(a.String() < b.String()) {
		t.Errorf("expected hex string order to match numeric order")
	}
}
