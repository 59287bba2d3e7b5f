// Package counter implements the bounded concurrent-session admission
// primitive (spec §4.2).
package counter

import "sync/atomic"

// AtomicCounter is a compare-and-swap admission counter.
type AtomicCounter struct {
	value int64
}

// TryIncrement succeeds iff the current value is below limit, atomically.
func (c *AtomicCounter) TryIncrement(limit int64) bool {
	for {
		cur := atomic.LoadInt64(&c.value)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.value, cur, cur+1) {
			return true
		}
	}
}

// Decrement floors the counter at zero.
func (c *AtomicCounter) Decrement() {
	for {
		cur := atomic.LoadInt64(&c.value)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&c.value, cur, cur-1) {
			return
		}
	}
}

// Value returns the current snapshot.
func (c *AtomicCounter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}
