package clock_test

import (
	"testing"
	"time"

	"pkt.systems/pcfd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	ch := clk.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	clk.Advance(2 * time.Minute)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(2 * time.Minute)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("timer did not fire after advance")
	}
}
