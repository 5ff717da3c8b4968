package testutil

import (
	"sync"
	"time"
)

// ManualClock is a thread-safe wall clock that only moves when told to.
//
// Components take a `now func() time.Time`; pass clock.Now to make TTL
// expiry, backoff gates and watchdog deadlines deterministic in tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start instant for ManualClock.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// NewManualClock creates a clock at start. A zero start uses Epoch.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start}
}

// Now returns the current instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
// Negative durations are ignored; the clock never goes backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set jumps to t if t is later than the current instant.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
