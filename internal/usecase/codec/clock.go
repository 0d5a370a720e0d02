package codec

import (
	"sync"
	"time"
)

// MonotonicClock hands out strictly increasing offsets from the moment it was
// created. One clock belongs to one receiver session.
type MonotonicClock struct {
	mu    sync.Mutex
	start time.Time
	last  time.Duration
	since func(time.Time) time.Duration
}

// NewMonotonicClock starts a clock at the current instant.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now(), since: time.Since}
}

// Start returns the wall-clock instant the session began.
func (c *MonotonicClock) Start() time.Time { return c.start }

// Next returns the elapsed session time, never less than 1ns. When the
// underlying clock has not advanced since the previous call the result is
// bumped by one nanosecond so the sequence stays strictly increasing.
func (c *MonotonicClock) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.since(c.start)
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
