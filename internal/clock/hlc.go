// Package clock implements the hybrid logical clock stamped on every
// version (spec.md §3, "HLC"). It generalizes the teacher's single atomic
// logical counter (pkg/mcast/core/clock.go's ProcessClock) to a
// (wall-time, logical-counter) pair so versions across replicas carry a
// causally meaningful timestamp, not just a monotone integer.
package clock

import (
	"sync"
	"time"
)

// HLC is a single hybrid-logical-clock reading: wall-clock nanoseconds and
// a logical tiebreaker incremented when two events would otherwise land on
// the same physical tick.
type HLC struct {
	Wall    int64
	Logical uint64
}

// Before reports whether h happened strictly before other.
func (h HLC) Before(other HLC) bool {
	if h.Wall != other.Wall {
		return h.Wall < other.Wall
	}
	return h.Logical < other.Logical
}

// Clock is a single process's HLC generator. Safe for concurrent use.
type Clock struct {
	mutex sync.Mutex
	last  HLC
	now   func() time.Time
}

// New creates a Clock using the real wall clock.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Tick advances the clock past both the current wall time and the
// previous reading, and returns the new reading -- this is the local
// event case (no remote timestamp to merge with).
func (c *Clock) Tick() HLC {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.advance(HLC{})
	return c.last
}

// Observe merges a remote HLC reading into the local clock (e.g. when a
// message's Timestamp arrives from a peer) and returns the resulting
// reading, guaranteeing monotonicity with respect to both clocks.
func (c *Clock) Observe(remote HLC) HLC {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.advance(remote)
	return c.last
}

func (c *Clock) advance(remote HLC) {
	wall := c.now().UnixNano()
	next := HLC{Wall: wall}
	switch {
	case wall > c.last.Wall && wall > remote.Wall:
		next.Logical = 0
	case c.last.Wall >= wall && c.last.Wall >= remote.Wall:
		next.Wall = c.last.Wall
		next.Logical = c.last.Logical + 1
		if remote.Wall == c.last.Wall && remote.Logical >= c.last.Logical {
			next.Logical = remote.Logical + 1
		}
	default:
		next.Wall = remote.Wall
		next.Logical = remote.Logical + 1
	}
	c.last = next
}
