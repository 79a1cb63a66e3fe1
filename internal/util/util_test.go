package util

import (
	"testing"
	"time"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Fatalf("len=%d cap=%d", r.Len(), r.Cap())
	}
}

func TestRingPartialAndReset(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	if got := r.Snapshot(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("snapshot = %v", got)
	}
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("len after reset = %d", r.Len())
	}
	r.Push("c")
	if got := r.Snapshot(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("snapshot after reset = %v", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 2 * time.Second
	jitter := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		lo := base << attempt
		hi := lo + jitter
		for i := 0; i < 50; i++ {
			d := BackoffDelay(attempt, base, jitter)
			if d < lo || d >= hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffDelayNoJitter(t *testing.T) {
	if d := BackoffDelay(3, time.Second, 0); d != 8*time.Second {
		t.Fatalf("delay = %v, want 8s", d)
	}
	// Negative attempts clamp to the base delay.
	if d := BackoffDelay(-1, time.Second, 0); d != time.Second {
		t.Fatalf("delay = %v, want 1s", d)
	}
}
