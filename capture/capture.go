// Package capture implements output and crash capture (C9): a re-entrant
// write(2) hook bounded by per-write and per-session byte caps, and a
// process-wide exception handler that reports a crash before handing
// control back to the OS.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
	"github.com/momentics/strobe-agent/platform"
)

// DefaultSessionByteCap and DefaultWriteByteCap are spec's output capture
// defaults: 50 MiB total per session, 1 MiB per individual write.
const (
	DefaultSessionByteCap = 50 * 1024 * 1024
	DefaultWriteByteCap   = 1 * 1024 * 1024
)

// OutputCapture hooks write(fd, buf, count), passing only fd 1/2
// (stdout/stderr) through, with a global re-entrancy guard so the
// agent's own send() to the daemon never recurses back into this hook.
type OutputCapture struct {
	ids      *idgen.EventIDs
	platform *platform.Adapter

	reentrant atomic.Bool

	mu           sync.Mutex
	sessionID    string
	emit         func(any)
	sessionCap   int
	writeCap     int
	sessionBytes int
	capExceeded  bool
}

// NewOutputCapture builds an output capture with spec's default caps.
func NewOutputCapture(ids *idgen.EventIDs, plat *platform.Adapter) *OutputCapture {
	return &OutputCapture{
		ids:        ids,
		platform:   plat,
		sessionCap: DefaultSessionByteCap,
		writeCap:   DefaultWriteByteCap,
	}
}

// SetSession sets the session id stamped on emitted events and resets the
// per-session byte counter.
func (c *OutputCapture) SetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.sessionBytes = 0
	c.capExceeded = false
}

// SetEmit installs the event sink.
func (c *OutputCapture) SetEmit(emit func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit = emit
}

// SetCaps overrides the default session/write byte caps (tests use small
// values to exercise truncation without allocating megabytes).
func (c *OutputCapture) SetCaps(sessionCap, writeCap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCap = sessionCap
	c.writeCap = writeCap
}

// OnWrite is the write(2) hook callback. fd must be 1 or 2; anything else
// is dropped immediately per spec.
func (c *OutputCapture) OnWrite(fd int, buf []byte) {
	if fd != 1 && fd != 2 {
		return
	}
	if !c.reentrant.CompareAndSwap(false, true) {
		return
	}
	defer c.reentrant.Store(false)

	stream := "stdout"
	if fd == 2 {
		stream = "stderr"
	}

	c.mu.Lock()
	sessionID := c.sessionID
	emit := c.emit
	writeCap := c.writeCap
	if emit == nil || c.capExceeded {
		c.mu.Unlock()
		return
	}
	c.sessionBytes += len(buf)
	justExceeded := c.sessionBytes >= c.sessionCap
	c.capExceeded = justExceeded
	c.mu.Unlock()

	if justExceeded {
		emit(&event.Output{ID: c.ids.Next(), SessionID: sessionID, TimestampNs: c.nowNs(), Stream: stream, Truncated: true})
		return
	}
	if len(buf) > writeCap {
		emit(&event.Output{ID: c.ids.Next(), SessionID: sessionID, TimestampNs: c.nowNs(), Stream: stream, Truncated: true})
		return
	}
	emit(&event.Output{ID: c.ids.Next(), SessionID: sessionID, TimestampNs: c.nowNs(), Stream: stream, Text: string(buf)})
}

func (c *OutputCapture) nowNs() uint64 {
	if c.platform == nil {
		return 0
	}
	return c.platform.TicksToNanoseconds(c.platform.TimestampTicks())
}

// CrashSnapshot is the arch/OS-specific detail a crash handler
// implementation gathers: register dump, symbolized backtrace, frame
// memory window, and (when the signal exposes it) the faulting access.
type CrashSnapshot struct {
	Registers    map[string]uint64
	Backtrace    []event.BacktraceFrame
	FrameMemory  []byte
	FrameBase    uint64
	MemoryAccess *event.MemoryAccessInfo
}

// CrashCaptureProvider captures arch-specific state for the crashing
// thread. arm64 reports x0..x28, fp, lr, sp, pc; x86_64 reports
// rax..r15, rip — left to the implementation since register layout is
// architecture specific.
type CrashCaptureProvider interface {
	CaptureCrash(signal string, faultAddress uint64) (CrashSnapshot, error)
}

// CrashHandler is the process-wide exception handler entry point.
type CrashHandler struct {
	ids      *idgen.EventIDs
	platform *platform.Adapter
	provider CrashCaptureProvider
	sleep    func(time.Duration)

	mu        sync.Mutex
	sessionID string
	emit      func(any)
}

// NewCrashHandler builds a crash handler bound to its capture provider.
func NewCrashHandler(ids *idgen.EventIDs, plat *platform.Adapter, provider CrashCaptureProvider) *CrashHandler {
	return &CrashHandler{ids: ids, platform: plat, provider: provider, sleep: time.Sleep}
}

// SetSession sets the session id stamped on the emitted crash event.
func (h *CrashHandler) SetSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = sessionID
}

// SetEmit installs the event sink.
func (h *CrashHandler) SetEmit(emit func(any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = emit
}

// setSleep overrides the pre-flush sleep (tests use a zero sleep).
func (h *CrashHandler) setSleep(fn func(time.Duration)) {
	h.sleep = fn
}

// OnCrash runs on the crashing thread: it sleeps briefly to give the RPC
// delivery mechanism time to flush, emits a crash event, then returns so
// the caller can hand control back to the default OS handler.
func (h *CrashHandler) OnCrash(signal string, faultAddress uint64) {
	h.sleep(100 * time.Millisecond)

	snap, err := h.provider.CaptureCrash(signal, faultAddress)
	if err != nil {
		snap = CrashSnapshot{}
	}

	h.mu.Lock()
	sessionID := h.sessionID
	emit := h.emit
	h.mu.Unlock()
	if emit == nil {
		return
	}

	emit(&event.Crash{
		ID:           h.ids.Next(),
		SessionID:    sessionID,
		TimestampNs:  h.nowNs(),
		Signal:       signal,
		FaultAddress: faultAddress,
		Registers:    snap.Registers,
		Backtrace:    snap.Backtrace,
		FrameMemory:  snap.FrameMemory,
		FrameBase:    snap.FrameBase,
		MemoryAccess: snap.MemoryAccess,
	})
}

func (h *CrashHandler) nowNs() uint64 {
	if h.platform == nil {
		return 0
	}
	return h.platform.TicksToNanoseconds(h.platform.TimestampTicks())
}
