package testutil

import (
	"sync"
	"time"
)

// Epoch is the start time of every DeterministicClock.
var Epoch = time.Date(2025, 7, 24, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a thread-safe clock that advances by a fixed step
// on every read.
//
// The first call to Now() returns Epoch + step. Advance() jumps it forward
// to simulate idle time. Reset() rewinds it so the same scenario can run
// repeatedly with identical timestamps.
type DeterministicClock struct {
	mu     sync.Mutex
	step   time.Duration
	n      int64
	offset time.Duration
}

// NewDeterministicClock creates a clock advancing one second per read.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{step: time.Second}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return Epoch.Add(c.offset + time.Duration(c.n)*c.step)
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Epoch.Add(c.offset + time.Duration(c.n)*c.step)
}

// Reset rewinds the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
	c.offset = 0
}

// Advance moves the clock forward by d without counting as a read.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}
