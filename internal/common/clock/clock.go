// Package clock separates wall time from monotonic time.
//
// Lease-runner scheduling must never depend on the wall clock: a forward
// wall-clock jump or an NTP step must not fire renewals early or late
// relative to real elapsed time. Components take a Clock so tests can drive
// time explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock provides wall-clock readings and a monotonic reading that is immune
// to wall-clock adjustments.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Monotonic returns the elapsed monotonic time since an arbitrary fixed
	// origin. Readings only ever increase.
	Monotonic() time.Duration
}

type systemClock struct {
	origin time.Time
}

var system = &systemClock{origin: time.Now()}

// System returns the process-wide real clock.
func System() Clock { return system }

func (c *systemClock) Now() time.Time { return time.Now() }

// time.Since uses the monotonic reading captured in origin, so the result is
// unaffected by wall-clock changes.
func (c *systemClock) Monotonic() time.Duration { return time.Since(c.origin) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake returns a fake clock starting at the given wall time.
func NewFake(start time.Time) *Fake {
	return &Fake{wall: start}
}

// Now returns the fake wall time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Monotonic returns the fake monotonic reading.
func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves both the wall and monotonic readings forward, as real elapsed
// time would (including a process pause).
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance backwards")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// JumpWall moves only the wall clock, simulating an operator or NTP step.
// The monotonic reading is untouched.
func (f *Fake) JumpWall(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
}
