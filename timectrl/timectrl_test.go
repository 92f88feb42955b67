package timectrl

import (
	"testing"
	"time"
)

func TestTimeControllerAdvanceUpdatesNow(t *testing.T) {
	tc := NewTimeController(time.Second, Accelerated)

	var seen []time.Duration
	tc.AddListener(func(now time.Duration) { seen = append(seen, now) })

	tc.Advance(time.Second)
	tc.Advance(2 * time.Second)

	if got := tc.Now(); got != 2*time.Second {
		t.Fatalf("Now() = %v, want 2s", got)
	}
	if len(seen) != 2 || seen[0] != time.Second || seen[1] != 2*time.Second {
		t.Fatalf("listener saw %v, want [1s 2s]", seen)
	}
}

func TestTimeControllerIsMonotonic(t *testing.T) {
	tc := NewTimeController(time.Second, Accelerated)
	calls := 0
	tc.AddListener(func(time.Duration) { calls++ })

	tc.Advance(5 * time.Second)
	tc.Advance(3 * time.Second)

	if got := tc.Now(); got != 5*time.Second {
		t.Fatalf("Now() = %v after going backwards, want 5s", got)
	}
	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
}

func TestTimeControllerRealTimeSleepsForLag(t *testing.T) {
	tc := NewTimeController(time.Second, RealTime)

	wall := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc.wallNow = func() time.Time { return wall }
	var slept []time.Duration
	tc.sleep = func(d time.Duration) {
		slept = append(slept, d)
		wall = wall.Add(d)
	}

	tc.Advance(0)
	tc.Advance(time.Second)
	wall = wall.Add(3 * time.Second) // engine fell behind the wall clock
	tc.Advance(2 * time.Second)

	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("slept %v, want a single 1s sleep", slept)
	}
}

func TestAcceleratedNeverSleeps(t *testing.T) {
	tc := NewTimeController(time.Second, Accelerated)
	tc.sleep = func(d time.Duration) { t.Fatalf("unexpected sleep %v", d) }
	tc.Advance(10 * time.Second)
}

func TestSecondsRoundTrip(t *testing.T) {
	if got := Seconds(1.5); got != 1500*time.Millisecond {
		t.Fatalf("Seconds(1.5) = %v", got)
	}
	if got := ToSeconds(250 * time.Millisecond); got != 0.25 {
		t.Fatalf("ToSeconds(250ms) = %v", got)
	}
}
