package resilience

import (
	"sync"
	"time"
)

// Cooldown tracks the last write per key. Callers check and stamp it while holding the
// same per-key lock that guards the write.
type Cooldown struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown(window time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{window: window, now: now, last: map[string]time.Time{}}
}

// Stamp records a write at t, keeping the later of t and any earlier stamp.
func (c *Cooldown) Stamp(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[key]; ok && prev.After(t) {
		return
	}
	c.last[key] = t
}

func (c *Cooldown) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[key]
	return t, ok
}

// Remaining returns how long until the key may write again; zero when it may write now.
func (c *Cooldown) Remaining(key string) time.Duration {
	last, ok := c.Last(key)
	if !ok {
		return 0
	}
	if left := c.window - c.now().Sub(last); left > 0 {
		return left
	}
	return 0
}

func (c *Cooldown) Forget(key string) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}
