// Package nativehook installs and removes native function hooks, decodes
// the per-hook user-data word in the callback, and performs the fast-path
// watch reads that land directly in a ring entry. It never talks to the
// instrumentation framework directly — Interceptor is the narrow boundary
// the real framework satisfies, the same way the teacher kept its reactor
// behind a small interface so tests could swap in a fake
// (fake/fakereactor.go's pattern, reused here for fakeinterceptor).
package nativehook

import (
	"errors"
	"sync"

	"github.com/momentics/strobe-agent/platform"
	"github.com/momentics/strobe-agent/ringbuf"
)

// Mode is the hook install mode.
type Mode int

const (
	// ModeFull records every call; arguments and return value are
	// materialized through the object serializer at drain time.
	ModeFull Mode = iota
	// ModeLight is enter-only and subject to adaptive sampling.
	ModeLight
)

// maxFuncID keeps (funcID<<1)|bit non-negative under signed 32-bit
// arithmetic, per spec.
const maxFuncID = 1<<29 - 1

var (
	// ErrFuncIDExhausted is returned when the registry has issued
	// maxFuncID hooks without reclaiming any.
	ErrFuncIDExhausted = errors.New("nativehook: func-id space exhausted")
	// ErrHookRejected marks a framework-side attach failure (address too
	// small, non-executable). Per spec this is silent at the command
	// layer: the hook is dropped and its func-id reclaimed, not surfaced
	// as a command failure.
	ErrHookRejected = errors.New("nativehook: framework rejected hook address")
	// ErrUnknownTarget is returned by Remove for an address with no
	// installed hook.
	ErrUnknownTarget = errors.New("nativehook: no hook installed at address")
)

// Target identifies a function to hook.
type Target struct {
	Address uint64
	Name    string
	NoSlide bool
}

// Hook is one installed native hook.
type Hook struct {
	FuncID      uint32
	Mode        Mode
	Address     uint64 // post-slide address actually attached
	Target      Target
	listenerID  ListenerID
}

// ListenerID is an opaque framework-side listener handle.
type ListenerID uint64

// EventKind distinguishes enter/exit in a callback invocation, mirroring
// ringbuf.EventType.
type EventKind uint8

const (
	EventEnter EventKind = 0
	EventExit  EventKind = 1
)

// CallContext is what the instrumentation framework hands the callback on
// every entry/exit. ThreadID and Depth are guaranteed stable per
// invocation by the framework per spec.
type CallContext struct {
	UserData uint64
	Kind     EventKind
	ThreadID uint32
	Depth    uint32
	Arg0     uint64
	Arg1     uint64
	Retval   uint64
}

// Interceptor is the boundary satisfied by the real dynamic
// instrumentation framework (or fakeinterceptor in tests). It owns
// attaching/detaching entry-exit listeners at raw addresses.
type Interceptor interface {
	// Attach installs an entry+exit listener at address with the given
	// user-data word, invoking cb on every entry and exit. Returns
	// ErrHookRejected if the framework can't hook that address.
	Attach(address uint64, userData uint64, cb func(CallContext)) (ListenerID, error)
	// Detach removes a previously attached listener.
	Detach(id ListenerID) error
	// MemReadU64 safely reads size bytes (1, 2, 4 or 8) at address and
	// returns them zero-extended to a uint64, reporting ok=false on
	// an unreadable or misaligned address rather than crashing the host.
	MemReadU64(address uint64, size uint8) (value uint64, ok bool)
}

// Engine owns the func-id registry and the ring the hook callback enqueues
// into. InstallHook/RemoveHook are rare relative to callback frequency, so a
// single RWMutex-guarded map is enough — unlike the teacher's sharded
// session map, which exists because sessions churn at connection rate.
type Engine struct {
	interceptor Interceptor
	ring        *ringbuf.Ring
	platform    *platform.Adapter
	slide       uint64

	mu       sync.RWMutex
	byFuncID map[uint32]*Hook
	byAddr   map[uint64]*Hook
	nextID   uint32
}

// New builds a hook engine bound to an interceptor, a ring buffer, and the
// platform adapter the callback stamps each entry's Timestamp from (§4.3
// step 4; the drainer converts ticks to nanoseconds at drain time).
func New(interceptor Interceptor, ring *ringbuf.Ring, plat *platform.Adapter) *Engine {
	return &Engine{
		interceptor: interceptor,
		ring:        ring,
		platform:    plat,
		byFuncID:    make(map[uint32]*Hook),
		byAddr:      make(map[uint64]*Hook),
	}
}

// SetSlide records the ASLR slide computed once from the daemon-reported
// static base and the runtime base of the main module.
func (e *Engine) SetSlide(slide uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slide = slide
}

func encodeUserData(funcID uint32, mode Mode) uint64 {
	bit := uint64(0)
	if mode == ModeLight {
		bit = 1
	}
	return (uint64(funcID) << 1) | bit
}

func decodeUserData(userData uint64) (funcID uint32, mode Mode) {
	funcID = uint32(userData >> 1)
	if userData&1 != 0 {
		mode = ModeLight
	} else {
		mode = ModeFull
	}
	return
}

// InstallHook installs a hook on target, idempotent on target address.
// Returns the assigned func-id, or an error if the func-id space is
// exhausted or the framework rejects the address.
func (e *Engine) InstallHook(target Target, mode Mode) (uint32, error) {
	e.mu.Lock()
	addr := target.Address
	if !target.NoSlide {
		addr += e.slide
	}
	if existing, ok := e.byAddr[addr]; ok {
		e.mu.Unlock()
		return existing.FuncID, nil
	}
	if e.nextID >= maxFuncID {
		e.mu.Unlock()
		return 0, ErrFuncIDExhausted
	}
	funcID := e.nextID
	e.nextID++
	e.mu.Unlock()

	userData := encodeUserData(funcID, mode)
	listenerID, err := e.interceptor.Attach(addr, userData, e.callback)
	if err != nil {
		// Address rejected: silently drop and reclaim the func-id, unless
		// another install has already taken a later one.
		e.mu.Lock()
		if e.nextID == funcID+1 {
			e.nextID = funcID
		}
		e.mu.Unlock()
		return 0, ErrHookRejected
	}

	hook := &Hook{
		FuncID:     funcID,
		Mode:       mode,
		Address:    addr,
		Target:     target,
		listenerID: listenerID,
	}
	e.mu.Lock()
	e.byFuncID[funcID] = hook
	e.byAddr[addr] = hook
	e.mu.Unlock()
	return funcID, nil
}

// RemoveHook detaches the listener at address and frees its func-id.
func (e *Engine) RemoveHook(address uint64) error {
	e.mu.Lock()
	hook, ok := e.byAddr[address]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTarget
	}
	delete(e.byAddr, address)
	delete(e.byFuncID, hook.FuncID)
	e.mu.Unlock()

	return e.interceptor.Detach(hook.listenerID)
}

// Lookup returns the hook for a func-id, used by the drainer to skip
// entries whose function was removed mid-flight.
func (e *Engine) Lookup(funcID uint32) (*Hook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.byFuncID[funcID]
	return h, ok
}

// callback is attached to every installed listener. It implements spec
// §4.3's five-step callback semantics: decode, sample-gate light hooks,
// claim a ring slot, fill fast-path watches, enqueue. It must not allocate
// on the hot path beyond the Entry value itself, never take a host lock,
// and never read watch memory before an alignment check.
func (e *Engine) callback(cc CallContext) {
	funcID, mode := decodeUserData(cc.UserData)

	sampled := true
	if mode == ModeLight {
		if cc.Kind == EventExit {
			// Light hooks are enter-only.
			return
		}
		interval := e.ring.SampleInterval()
		if interval > 1 {
			count := e.ring.NextGlobalCounter()
			if count%interval != 0 {
				return
			}
		}
	}

	entry := ringbuf.Entry{
		Timestamp: e.platform.TimestampTicks(),
		Arg0:      cc.Arg0,
		Arg1:      cc.Arg1,
		Retval:    cc.Retval,
		FuncID:    funcID,
		ThreadID:  cc.ThreadID,
		Depth:     cc.Depth,
		Sampled:   boolToU8(sampled),
	}
	if cc.Kind == EventExit {
		entry.EventType = ringbuf.EventTypeExit
	} else {
		entry.EventType = ringbuf.EventTypeEnter
	}

	n := e.ring.WatchCount()
	entry.WatchEntryCount = uint8(n)
	for i := 0; i < n && i < ringbuf.MaxWatchSlots; i++ {
		entry.Watch[i] = e.readWatch(i)
	}

	e.ring.Enqueue(entry)
}

// readWatch resolves fast-path watch slot i to a u64 value, returning 0
// on a null pointer or misaligned address per spec §4.3 step 4.
func (e *Engine) readWatch(i int) uint64 {
	w := e.ring.Watch(i)
	addr := w.Addr
	if w.DerefDepth > 0 {
		ptr, ok := e.interceptor.MemReadU64(addr, 8)
		if !ok || ptr == 0 {
			return 0
		}
		addr = ptr + w.DerefOffset
	}
	if !naturallyAligned(addr, w.Size) {
		return 0
	}
	value, ok := e.interceptor.MemReadU64(addr, w.Size)
	if !ok {
		return 0
	}
	return value
}

func naturallyAligned(addr uint64, size uint8) bool {
	if size == 0 {
		return false
	}
	return addr%uint64(size) == 0
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
