package ids

import (
	"testing"
	"time"
)

func TestNewAtSortsAndRoundTripsTime(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	got, err := Time(a)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("unexpected time: %v", got)
	}
	if _, err := Time("not-an-id"); err == nil {
		t.Fatalf("expected parse error")
	}
}
