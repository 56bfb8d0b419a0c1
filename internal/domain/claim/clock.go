package claim

import (
	"sync"
	"time"
)

// Clock supplies receipt times for claims that arrive without one, and
// review timestamps for cases. Services take a Clock at construction so a
// backlog replay can run as of its original receipt time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads wall time in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// FixedClock reports a pinned instant until it is moved
type FixedClock struct {
	mu sync.Mutex
	at time.Time
}

func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Advance moves the clock forward by d
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

// OrSystem returns c, or SystemClock when c is nil
func OrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}
