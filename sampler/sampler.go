// Package sampler implements the two independent adaptive mechanisms from
// spec §4.5: a ring-pressure interval controller (doubles/halves the
// light-hook sampling interval based on drain batch fullness) and a
// per-func-id rate tracker that drops a configurable fraction of events
// once a function gets hot, with hysteresis before turning back off.
package sampler

import (
	"math"
	"sync"
	"time"
)

// Interval bounds, power-of-two.
const (
	MinInterval = 1
	MaxInterval = 256
)

// IntervalController tracks high/low drain-fullness cycles and doubles or
// halves the ring's sampling interval accordingly.
type IntervalController struct {
	mu        sync.Mutex
	interval  uint32
	highCycle int
	lowCycle  int
}

// NewIntervalController starts at interval 1 (unsampled).
func NewIntervalController() *IntervalController {
	return &IntervalController{interval: MinInterval}
}

// Interval returns the current sampling interval.
func (c *IntervalController) Interval() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Observe feeds one drain batch's fullness (n entries out of capacity)
// into the state machine and returns the resulting interval.
func (c *IntervalController) Observe(n, capacity uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	high := float64(n) >= 0.5*float64(capacity)
	low := float64(n) <= 0.1*float64(capacity)

	switch {
	case high:
		c.highCycle++
		c.lowCycle = 0
		if c.highCycle >= 2 {
			c.interval = min32(c.interval*2, MaxInterval)
			c.highCycle = 0
		}
	case low:
		c.lowCycle++
		c.highCycle = 0
		if c.lowCycle >= 5 {
			c.interval = max32(c.interval/2, MinInterval)
			c.lowCycle = 0
		}
	default:
		c.highCycle = 0
		c.lowCycle = 0
	}
	return c.interval
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// rateState is the per-func-id rolling window and hysteresis state.
type rateState struct {
	windowStart time.Time
	windowCount uint64
	rate        float64
	samplingOn  bool
	belowSince  time.Time
	dropCounter uint64
}

// RateTracker maintains a rolling one-second call-rate estimate per
// func-id and decides when to start/stop dropping that function's events.
type RateTracker struct {
	mu           sync.Mutex
	hotThreshold float64
	dropFraction float64
	lowFraction  float64
	cooldown     time.Duration
	states       map[uint32]*rateState
	clock        func() time.Time
}

// RateTrackerOption configures a RateTracker away from its defaults.
type RateTrackerOption func(*RateTracker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) RateTrackerOption {
	return func(rt *RateTracker) { rt.clock = clock }
}

// NewRateTracker builds a tracker with spec defaults: hot threshold
// 100,000 calls/s, drop fraction 99%, cooldown 5s, low-fraction 80%.
func NewRateTracker(opts ...RateTrackerOption) *RateTracker {
	rt := &RateTracker{
		hotThreshold: 100_000,
		dropFraction: 0.99,
		lowFraction:  0.8,
		cooldown:     5 * time.Second,
		states:       make(map[uint32]*rateState),
		clock:        time.Now,
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

func (rt *RateTracker) state(funcID uint32, now time.Time) *rateState {
	st, ok := rt.states[funcID]
	if !ok {
		st = &rateState{windowStart: now}
		rt.states[funcID] = st
	}
	return st
}

// Record marks one call for funcID. Every time a full one-second window
// elapses it recomputes the rate and evaluates the on/off transition,
// reporting whether a transition just happened and the resulting state
// (for publishing sampling_state_change).
func (rt *RateTracker) Record(funcID uint32) (transitioned bool, samplingOn bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock()
	st := rt.state(funcID, now)
	st.windowCount++

	elapsed := now.Sub(st.windowStart)
	if elapsed < time.Second {
		return false, st.samplingOn
	}
	st.rate = float64(st.windowCount) / elapsed.Seconds()
	st.windowCount = 0
	st.windowStart = now
	return rt.evaluate(st, now)
}

func (rt *RateTracker) evaluate(st *rateState, now time.Time) (transitioned bool, samplingOn bool) {
	if !st.samplingOn {
		if st.rate >= rt.hotThreshold {
			st.samplingOn = true
			st.belowSince = time.Time{}
			return true, true
		}
		return false, false
	}

	if st.rate < rt.hotThreshold*rt.lowFraction {
		if st.belowSince.IsZero() {
			st.belowSince = now
		} else if now.Sub(st.belowSince) >= rt.cooldown {
			st.samplingOn = false
			st.belowSince = time.Time{}
			return true, false
		}
	} else {
		st.belowSince = time.Time{}
	}
	return false, true
}

// ShouldDrop reports whether the drain-time rate check should drop this
// func-id's event. Deterministic (a per-func modulo counter) rather than
// randomized, so the drop fraction is exact and reproducible in tests.
func (rt *RateTracker) ShouldDrop(funcID uint32) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, ok := rt.states[funcID]
	if !ok || !st.samplingOn {
		return false
	}
	keepEvery := uint64(1)
	if rt.dropFraction < 1 {
		keepEvery = uint64(math.Round(1 / (1 - rt.dropFraction)))
	}
	st.dropCounter++
	return st.dropCounter%keepEvery != 0
}

// SamplingOn reports the current enabled state for funcID without
// recording a call.
func (rt *RateTracker) SamplingOn(funcID uint32) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st, ok := rt.states[funcID]
	return ok && st.samplingOn
}
