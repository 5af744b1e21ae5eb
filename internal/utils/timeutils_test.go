package utils

import (
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := NewManualClock(start)
	clock.Advance(90 * time.Second)
	if got := clock.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("expected 90s elapsed, got %v", got)
	}
}

func TestMinutesAndSeconds(t *testing.T) {
	if Minutes(5) != 5*time.Minute {
		t.Fatalf("unexpected minutes conversion")
	}
	if Minutes(-1) != 0 {
		t.Fatalf("negative minutes should be zero")
	}
	if Seconds(0.5) != 500*time.Millisecond {
		t.Fatalf("unexpected seconds conversion: %v", Seconds(0.5))
	}
}
