package pulse

import (
	"sync"
	"time"
)

// Clock returns the current timestamp in nanoseconds. Values must not decrease.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads wall time in Unix nanoseconds and never goes backwards,
// even if the system clock is stepped. Wall time keeps snapshot due times
// meaningful across process restarts.
type SystemClock struct {
	mu   sync.Mutex
	last uint64
}

func (c *SystemClock) Now() uint64 {
	n := uint64(time.Now().UnixNano())
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < c.last {
		n = c.last
	}
	c.last = n
	return n
}
