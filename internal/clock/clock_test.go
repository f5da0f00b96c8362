package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	manual := NewManual(start)

	early := manual.After(5 * time.Second)
	late := manual.After(30 * time.Second)

	manual.Advance(10 * time.Second)
	select {
	case at := <-early:
		if !at.Equal(start.Add(10 * time.Second).UTC()) {
			t.Fatalf("fired at %v", at)
		}
	default:
		t.Fatalf("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired early")
	default:
	}

	manual.Advance(20 * time.Second)
	select {
	case <-late:
	default:
		t.Fatalf("late timer did not fire")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	manual := NewManual(time.Unix(1700000000, 0))
	select {
	case <-manual.After(0):
	default:
		t.Fatalf("zero-duration timer did not fire")
	}
}

func TestManualNowAdvances(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	manual := NewManual(start)
	manual.Advance(time.Hour)
	if got := manual.Now(); !got.Equal(start.Add(time.Hour).UTC()) {
		t.Fatalf("now = %v", got)
	}
}

func TestRealClockMonotonic(t *testing.T) {
	t.Parallel()

	var real Real
	a := real.Now()
	b := real.Now()
	if b.Before(a) {
		t.Fatalf("time went backwards: %v then %v", a, b)
	}
}
