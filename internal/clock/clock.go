// Package clock allows injecting time into the engine and background jobs.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock that returns a settable instant, for tests.
type Fixed struct {
	now time.Time
}

// NewFixed returns a clock pinned to the given instant.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

// Now returns the pinned instant.
func (f *Fixed) Now() time.Time {
	return f.now
}

// Advance moves the pinned instant forward.
func (f *Fixed) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Set pins the clock to a new instant.
func (f *Fixed) Set(t time.Time) {
	f.now = t.UTC()
}
