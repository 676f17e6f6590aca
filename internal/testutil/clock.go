// Package testutil holds test helpers shared across packages.
package testutil

import (
	"sync"
	"time"
)

// FakeClock is a settable time source for code that takes a now function,
// such as the column registry's TTL checks.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex,
// so background refreshes may read the time while a test advances it.
type FakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{start: start, now: start}
}

// Now returns the current fake time. Pass the method value as the clock:
//
//	columns.NewRegistry(src, columns.WithClock(clock.Now))
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset moves the clock back to its start time.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
