package reactor

import "time"

// loopClock snapshots the monotonic clock at fixed points of each loop
// iteration (before staging and again after the poll) so every timer
// comparison within one dispatch pass sees the same instant.
type loopClock struct {
	now time.Time
}

func (c *loopClock) update() time.Time {
	c.now = time.Now()
	return c.now
}

func (c *loopClock) snapshot() time.Time {
	if c.now.IsZero() {
		return c.update()
	}
	return c.now
}

// expired reports whether deadline has passed at the current snapshot.
func (c *loopClock) expired(deadline time.Time) bool {
	return !deadline.After(c.now)
}
