package clock

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceIssueMonotonic(t *testing.T) {
	svc := NewService(1, NewGate(), testLogger())

	var prev UniqueTime
	for i := 0; i < 1000; i++ {
		ut, _, err := svc.Issue(context.Background())
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if i > 0 && !prev.Less(ut) {
			t.Fatalf("issue %d not strictly greater than previous: %s vs %s", i, ut, prev)
		}
		prev = ut
	}
}

func TestServiceIssueRejectsWhenGateClosed(t *testing.T) {
	gate := NewGate()
	gate.Close()
	svc := NewService(1, gate, testLogger())

	_, _, err := svc.Issue(context.Background())
	if err == nil {
		t.Fatal("expected error when clock gate is closed")
	}
}

func TestServiceTickSameMicrosecondIncrementsSeq(t *testing.T) {
	svc := NewService(1, NewGate(), testLogger())

	m1, s1, ok1 := svc.tick(1000)
	m2, s2, ok2 := svc.tick(1000)
	if !ok1 || !ok2 {
		t.Fatal("expected both ticks to succeed")
	}
	if m1 != m2 {
		t.Fatalf("expected same micros, got %d and %d", m1, m2)
	}
	if s2 != s1+1 {
		t.Fatalf("expected seq to increment: %d -> %d", s1, s2)
	}
}

func TestServiceTickBackwardClockPinsHighWaterMark(t *testing.T) {
	svc := NewService(1, NewGate(), testLogger())

	m1, _, ok := svc.tick(5000)
	if !ok {
		t.Fatal("expected first tick to succeed")
	}

	m2, s2, ok := svc.tick(4000) // clock stepped backward
	if !ok {
		t.Fatal("expected backward tick to succeed by pinning")
	}
	if m2 != m1 {
		t.Fatalf("expected pinned micros %d, got %d", m1, m2)
	}
	if s2 == 0 {
		t.Fatal("expected seq to advance when pinned")
	}
}
