package sampler

import (
	"testing"
	"time"
)

func TestIntervalDoublesAfterTwoHighCycles(t *testing.T) {
	c := NewIntervalController()
	capacity := uint32(16384)
	high := capacity // fully drained batch, >= 0.5*capacity

	if got := c.Observe(high, capacity); got != 1 {
		t.Fatalf("after 1st high cycle, interval = %d, want 1", got)
	}
	if got := c.Observe(high, capacity); got != 2 {
		t.Fatalf("after 2nd high cycle, interval = %d, want 2", got)
	}
}

func TestIntervalHalvesAfterFiveLowCycles(t *testing.T) {
	c := NewIntervalController()
	capacity := uint32(16384)
	// Drive interval up first.
	for i := 0; i < 20; i++ {
		c.Observe(capacity, capacity)
	}
	before := c.Interval()
	if before <= 1 {
		t.Fatalf("setup failed, interval = %d", before)
	}

	low := capacity / 20 // <= 0.1*capacity
	for i := 0; i < 4; i++ {
		c.Observe(low, capacity)
	}
	if got := c.Interval(); got != before {
		t.Fatalf("interval changed before 5th low cycle: %d -> %d", before, got)
	}
	c.Observe(low, capacity)
	if got := c.Interval(); got != before/2 {
		t.Fatalf("interval after 5th low cycle = %d, want %d", got, before/2)
	}
}

func TestIntervalNeverExceeds256OrDropsBelow1(t *testing.T) {
	c := NewIntervalController()
	capacity := uint32(16384)
	for i := 0; i < 200; i++ {
		c.Observe(capacity, capacity)
	}
	if got := c.Interval(); got != MaxInterval {
		t.Fatalf("interval = %d, want capped at %d", got, MaxInterval)
	}

	c2 := NewIntervalController()
	low := capacity / 100
	for i := 0; i < 200; i++ {
		c2.Observe(low, capacity)
	}
	if got := c2.Interval(); got != MinInterval {
		t.Fatalf("interval = %d, want floored at %d", got, MinInterval)
	}
}

func TestMiddleBandResetsBothCounters(t *testing.T) {
	c := NewIntervalController()
	capacity := uint32(16384)
	c.Observe(capacity, capacity) // high_cycle = 1
	c.Observe(capacity/4, capacity) // in the 0.1-0.5 band: resets counters
	if got := c.Observe(capacity, capacity); got != 1 {
		// high_cycle should be back to 1 (not 2), so no doubling yet
		t.Fatalf("interval = %d, want 1 (counters should have reset)", got)
	}
}

// fakeClock lets tests control elapsed time deterministically.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestRateTrackerEnablesSamplingAboveThreshold(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	rt := NewRateTracker(WithClock(fc.Now))

	const funcID = uint32(1)
	// Drive 150,000 calls within one second -> rate 150,000/s > 100,000 threshold.
	for i := 0; i < 150_000; i++ {
		rt.Record(funcID)
	}
	fc.advance(time.Second)
	transitioned, on := rt.Record(funcID)
	if !transitioned || !on {
		t.Fatalf("expected transition to sampling-on, got transitioned=%v on=%v", transitioned, on)
	}
	if !rt.SamplingOn(funcID) {
		t.Fatalf("SamplingOn should report true after transition")
	}
}

func TestRateTrackerDisablesAfterCooldownBelowLowFraction(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	rt := NewRateTracker(WithClock(fc.Now), func(r *RateTracker) {
		r.cooldown = 2 * time.Second
	})
	const funcID = uint32(1)

	for i := 0; i < 150_000; i++ {
		rt.Record(funcID)
	}
	fc.advance(time.Second)
	rt.Record(funcID) // triggers the window evaluation, turns sampling on
	if !rt.SamplingOn(funcID) {
		t.Fatalf("sampling should be on")
	}

	// Drop to a low rate (below 80% of threshold) for less than cooldown: stays on.
	fc.advance(time.Second)
	rt.Record(funcID) // 1 call in the new window -> rate ~1/s, well below 80k
	if !rt.SamplingOn(funcID) {
		t.Fatalf("sampling should still be on before cooldown elapses")
	}

	// Advance past cooldown with another low-rate window.
	fc.advance(3 * time.Second)
	transitioned, on := rt.Record(funcID)
	if !transitioned || on {
		t.Fatalf("expected transition to sampling-off, got transitioned=%v on=%v", transitioned, on)
	}
}

func TestShouldDropOnlyWhenSamplingOn(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	rt := NewRateTracker(WithClock(fc.Now))
	const funcID = uint32(1)

	if rt.ShouldDrop(funcID) {
		t.Fatalf("ShouldDrop should be false before any calls recorded")
	}

	for i := 0; i < 150_000; i++ {
		rt.Record(funcID)
	}
	fc.advance(time.Second)
	rt.Record(funcID)

	kept := 0
	dropped := 0
	for i := 0; i < 1000; i++ {
		if rt.ShouldDrop(funcID) {
			dropped++
		} else {
			kept++
		}
	}
	// dropFraction=0.99 -> keepEvery=100 -> ~10 kept out of 1000
	if kept < 5 || kept > 20 {
		t.Fatalf("kept = %d out of 1000, want roughly 10 (1%% keep rate)", kept)
	}
	if dropped+kept != 1000 {
		t.Fatalf("dropped+kept = %d, want 1000", dropped+kept)
	}
}
