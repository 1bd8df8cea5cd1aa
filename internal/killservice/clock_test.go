package killservice

import (
	"testing"
	"time"
)

func TestSettableClock_AdvanceAndSet(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSettableClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected initial time %v, got %v", start, c.Now())
	}

	c.Advance(time.Hour)
	want := start.Add(time.Hour)
	if !c.Now().Equal(want) {
		t.Errorf("expected %v after Advance, got %v", want, c.Now())
	}

	pinned := start.Add(24 * time.Hour)
	c.Set(pinned)
	if !c.Now().Equal(pinned) {
		t.Errorf("expected %v after Set, got %v", pinned, c.Now())
	}
}

func TestRealClock_NowAdvances(t *testing.T) {
	t.Parallel()
	var rc RealClock
	first := rc.Now()
	time.Sleep(time.Millisecond)
	second := rc.Now()
	if !second.After(first) {
		t.Error("expected RealClock.Now() to advance over time")
	}
}
