package escrow

import (
	"sync"
	"time"
)

// SystemClock reads the wall clock but never reports a time earlier than one
// it already returned.
type SystemClock struct {
	mu   sync.Mutex
	last uint64
}

func (c *SystemClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := uint64(time.Now().UnixMilli())
	if now < c.last {
		return c.last
	}
	c.last = now
	return now
}

// ManualClock is advanced explicitly. Used by simulation and tests.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

func NewManualClock(startMs uint64) *ManualClock {
	return &ManualClock{now: startMs}
}

func (c *ManualClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d milliseconds and returns the new time.
func (c *ManualClock) Advance(d uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}
