package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockSince(t *testing.T) {
	t.Parallel()

	clk := New()
	d := clk.Since(clk.Now().Add(-1500 * time.Millisecond))
	if d < 1500*time.Millisecond || d > 3*time.Second {
		t.Fatalf("unexpected elapsed time %v", d)
	}
	if d%time.Millisecond != 0 {
		t.Fatalf("expected millisecond truncation, got %v", d)
	}
}
