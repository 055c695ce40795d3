package hw

import (
	"sync/atomic"
	"time"
)

// Clock is the machine's monotonic clock. Time only moves when the CPU
// executes instructions or halts until the next interrupt, so runs are
// reproducible.
type Clock struct {
	now atomic.Int64
}

// NewClock creates a clock at time zero.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the time since boot.
func (c *Clock) Now() time.Duration {
	return time.Duration(c.now.Load())
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	if d > 0 {
		c.now.Add(int64(d))
	}
}

// AdvanceTo moves the clock forward to t if t is in the future.
func (c *Clock) AdvanceTo(t time.Duration) {
	for {
		cur := c.now.Load()
		if int64(t) <= cur || c.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}

// Timer is a programmable interval timer. It raises one interrupt per
// period; periods that elapse while interrupts are not being serviced
// coalesce into a single interrupt.
type Timer struct {
	clock   *Clock
	period  time.Duration
	next    time.Duration
	handler func()
	fired   atomic.Uint64
}

// NewTimer creates a disarmed timer driven by clock.
func NewTimer(clock *Clock) *Timer {
	return &Timer{clock: clock}
}

// Register arms the periodic interrupt and installs its handler.
func (t *Timer) Register(period time.Duration, handler func()) {
	t.period = period
	t.handler = handler
	t.next = t.clock.Now() + period
}

// Period returns the interrupt period, zero when disarmed.
func (t *Timer) Period() time.Duration {
	return t.period
}

// Calibrate runs the one-shot boot calibration: it reports how many
// interrupts the timer delivers per window.
func (t *Timer) Calibrate(window time.Duration) int {
	if t.period <= 0 {
		return 0
	}
	return int(window / t.period)
}

// Due reports whether an interrupt is pending.
func (t *Timer) Due() bool {
	return t.handler != nil && t.clock.Now() >= t.next
}

// Next returns the time of the next interrupt.
func (t *Timer) Next() time.Duration {
	return t.next
}

// Service acknowledges a pending interrupt and runs the handler. It
// reports whether an interrupt was delivered.
func (t *Timer) Service() bool {
	if !t.Due() {
		return false
	}
	now := t.clock.Now()
	for t.next <= now {
		t.next += t.period
	}
	t.fired.Add(1)
	t.handler()
	return true
}

// Fired returns the number of interrupts delivered so far.
func (t *Timer) Fired() uint64 {
	return t.fired.Load()
}
