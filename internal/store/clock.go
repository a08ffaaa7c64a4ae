package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// feedClock hands out (createdAt, id) pairs that strictly increase in feed
// order within one process: timestamps never go backwards, and IDs minted in
// the same millisecond come from monotonic ULID entropy.
type feedClock struct {
	mu      sync.Mutex
	last    int64
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func newFeedClock() *feedClock {
	return &feedClock{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// next returns the position for a new item.
func (c *feedClock) next() (time.Time, string) {
	return c.nextAfter(0, "")
}

// nextAfter returns a position strictly after (lastMs, lastID), the newest
// item already stored, which another process may have written with its own
// clock and entropy.
func (c *feedClock) nextAfter(lastMs int64, lastID string) (time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms < c.last {
		ms = c.last
	}
	if ms < lastMs {
		ms = lastMs
	}
	id := ulid.MustNew(uint64(ms), c.entropy).String()
	if ms == lastMs && id <= lastID {
		ms++
		id = ulid.MustNew(uint64(ms), c.entropy).String()
	}
	c.last = ms
	return time.UnixMilli(ms).UTC(), id
}

// observe moves the clock past ms, used after loading persisted items whose
// IDs came from a different entropy source.
func (c *feedClock) observe(ms int64) {
	c.mu.Lock()
	if ms+1 > c.last {
		c.last = ms + 1
	}
	c.mu.Unlock()
}
