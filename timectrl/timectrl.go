package timectrl

import (
	"math"
	"sync"
	"time"
)

// SimClock is an interface for reading simulated time, measured as the
// offset from the start of the run.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Duration
}

// Mode describes how the TimeController paces simulation time.
type Mode int

const (
	// RealTime holds simulated time back so it never runs ahead of the wall clock.
	RealTime Mode = iota
	// Accelerated advances as quickly as the engine can process events.
	Accelerated
)

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// TimeController is advanced by the simulation engine once per Tick and
// notifies registered listeners. It implements SimClock.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration
	Mode Mode

	// currentTime is the last simulated time passed to Advance.
	currentTime time.Duration
	wallStart   time.Time

	listeners []func(time.Duration)

	// sleep and wallNow are swapped out in tests.
	sleep   func(time.Duration)
	wallNow func() time.Time
}

// NewTimeController constructs a controller.
func NewTimeController(tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		Tick:    tick,
		Mode:    mode,
		sleep:   time.Sleep,
		wallNow: time.Now,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// AddListener registers a callback invoked on every Advance.
func (tc *TimeController) AddListener(fn func(time.Duration)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves simulated time forward to simNow, pacing against the wall
// clock in RealTime mode, and then runs the listeners. Time is kept
// monotonic; an earlier simNow is ignored.
func (tc *TimeController) Advance(simNow time.Duration) {
	tc.mu.Lock()
	if simNow < tc.currentTime {
		tc.mu.Unlock()
		return
	}
	if tc.wallStart.IsZero() {
		tc.wallStart = tc.wallNow()
	}
	tc.currentTime = simNow
	wait := time.Duration(0)
	if tc.Mode == RealTime {
		wait = simNow - tc.wallNow().Sub(tc.wallStart)
	}
	listeners := append([]func(time.Duration){}, tc.listeners...)
	tc.mu.Unlock()

	if wait > 0 {
		tc.sleep(wait)
	}
	for _, fn := range listeners {
		fn(simNow)
	}
}

// Seconds converts a number of simulated seconds into a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// ToSeconds converts a Duration into float seconds.
func ToSeconds(d time.Duration) float64 {
	return d.Seconds()
}
