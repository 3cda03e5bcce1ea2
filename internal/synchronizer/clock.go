package synchronizer

import (
	"sync/atomic"
	"time"
)

// clock issues slot timestamps. Values are wall-clock nanoseconds bumped to stay strictly
// increasing within the process, so two writes never share a timestamp.
type clock struct {
	now  func() time.Time
	last atomic.Int64
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) next() int64 {
	for {
		last := c.last.Load()
		n := c.now().UnixNano()
		if n <= last {
			n = last + 1
		}
		if c.last.CompareAndSwap(last, n) {
			return n
		}
	}
}
