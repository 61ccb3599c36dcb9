package core

import (
	"sync/atomic"
	"time"
)

// HZ is the number of engine ticks per second. One tick is one millisecond,
// which is also the granularity of the timestamp option clock.
const HZ = 1000

// Clock supplies the current time in ticks.
type Clock interface {
	Ticks() uint32
}

// TicksToTime converts a tick value to a time.Time on the Unix epoch. Only
// differences between converted values are meaningful.
func TicksToTime(t uint32) time.Time {
	return time.UnixMilli(int64(t))
}

// DurationToTicks converts d to ticks, rounding up so that a non-zero
// duration never becomes zero.
func DurationToTicks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d + time.Millisecond - 1) / time.Millisecond)
}

// SystemClock counts milliseconds since it was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock anchored at the current time. Tick zero is
// reserved as "unset" by the engine so the clock starts at one.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now().Add(-time.Millisecond)}
}

// Ticks implements Clock.
func (c *SystemClock) Ticks() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

// ManualClock is a Clock driven explicitly by its owner. Tests and the
// capture replayer use it to make time deterministic.
type ManualClock struct {
	now uint32
}

// NewManualClock returns a clock reading start.
func NewManualClock(start uint32) *ManualClock {
	return &ManualClock{now: start}
}

// Ticks implements Clock.
func (c *ManualClock) Ticks() uint32 { return atomic.LoadUint32(&c.now) }

// Set moves the clock to t.
func (c *ManualClock) Set(t uint32) { atomic.StoreUint32(&c.now, t) }

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint32) { atomic.AddUint32(&c.now, n) }
