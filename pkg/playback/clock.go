package playback

import (
	"sync"
	"time"
)

// Clock reports monotonic playback time.
type Clock interface {
	Now() time.Duration
}

// WallClock measures time since its creation on the monotonic clock.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a clock reading zero now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now returns the elapsed time since NewWallClock.
func (c *WallClock) Now() time.Duration {
	return time.Since(c.start)
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to d.
func (c *ManualClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = d
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
