// Package clock holds the time source used across the billing engine and the
// pure helpers that turn timestamps into billable and display durations.
package clock

import (
	"sync"
	"time"
)

// Clock provides time information for session transitions and pricing.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides a settable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewTestClock returns a TestClock frozen at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{CurrentTime: t}
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CurrentTime
}

// Set moves the clock to an absolute time.
func (t *TestClock) Set(now time.Time) {
	t.mu.Lock()
	t.CurrentTime = now
	t.mu.Unlock()
}

// Advance moves the clock forward by d (backwards when d is negative).
func (t *TestClock) Advance(d time.Duration) {
	t.mu.Lock()
	t.CurrentTime = t.CurrentTime.Add(d)
	t.mu.Unlock()
}
