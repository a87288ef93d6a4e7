package repository

import (
	"sync"
	"time"
)

// Resolution is the timestamp granularity of the detection log; Postgres
// timestamps keep microseconds.
const Resolution = time.Microsecond

// Clock hands out strictly increasing UTC timestamps. When the wall clock
// stalls or steps back, the next value is the previous one plus Resolution.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a timestamp later than every value it returned before.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(Resolution)
	if !t.After(c.last) {
		t = c.last.Add(Resolution)
	}
	c.last = t
	return t
}
