package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at unix second start.
func NewFakeClock(start int64) *FakeClock {
	return &FakeClock{now: time.Unix(start, 0).UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps to unix second ts.
func (c *FakeClock) Set(ts int64) {
	c.mu.Lock()
	c.now = time.Unix(ts, 0).UTC()
	c.mu.Unlock()
}
