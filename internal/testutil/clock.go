// Package testutil provides deterministic collaborators for sync tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a manual time source. Now returns the current reading and then
// advances by Step, so consecutive stamps are distinct.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewClock starts a clock at start with a one-millisecond step.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC(), Step: time.Millisecond}
}

// Now returns the current reading and advances by Step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}

// Peek returns the current reading without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t, which may be in the past.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
