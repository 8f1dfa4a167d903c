// Package platform resolves the OS-specific timing and I/O primitives the
// rest of the agent needs: a monotonic tick source, the ratio that converts
// ticks to nanoseconds, and whether the host's write(2) syscall can be
// intercepted for output capture (C9). Platform-specific files (platform_linux.go,
// platform_darwin.go, platform_stub.go) implement adapterImpl behind build
// tags, the same split the teacher uses for affinity
// (affinity_linux.go/affinity_windows.go/affinity_stub.go).
package platform

import "errors"

// ErrUnavailablePlatform is returned by New on an OS neither linux nor
// darwin supports.
var ErrUnavailablePlatform = errors.New("platform: unavailable on this OS")

// ErrSymbolNotFound is returned when a required OS timing symbol (e.g.
// clock_gettime) cannot be resolved. Fatal: the agent cannot produce
// meaningful timestamps without it.
var ErrSymbolNotFound = errors.New("platform: required symbol not found")

// Adapter exposes the timing primitives the hook engine and drain loop
// need. WriteCaptureAvailable reports whether write(2) interception is available;
// output capture degrades to inoperative (not fatal) when it is not.
type Adapter struct {
	impl adapterImpl

	// ratio converts raw ticks to nanoseconds: ns = ticks * ratio.
	// Computed once at construction (spec §4.1, §9: accepted that this
	// drifts if the OS rescales mid-run).
	ratio float64

	writeCaptureAvailable bool
}

type adapterImpl interface {
	timestampTicks() uint64
	ticksToNanosRatio() (float64, error)
	writeSyscallAvailable() bool
}

// New builds the platform adapter for the current OS.
func New() (*Adapter, error) {
	impl, err := newAdapterImpl()
	if err != nil {
		return nil, err
	}
	ratio, err := impl.ticksToNanosRatio()
	if err != nil {
		// Non-fatal per spec §4.1: ratio defaults to 1.0 when the
		// platform timebase struct can't be read.
		ratio = 1.0
	}
	return &Adapter{
		impl:                  impl,
		ratio:                 ratio,
		writeCaptureAvailable: impl.writeSyscallAvailable(),
	}, nil
}

// TimestampTicks returns the current raw monotonic tick count.
func (a *Adapter) TimestampTicks() uint64 {
	return a.impl.timestampTicks()
}

// TicksToNanoseconds converts a tick count to nanoseconds using the ratio
// captured at startup.
func (a *Adapter) TicksToNanoseconds(ticks uint64) uint64 {
	return uint64(float64(ticks) * a.ratio)
}

// WriteCaptureAvailable reports whether write(2) interception is wired up
// for this process. false means C9 output capture is inoperative while
// tracing otherwise runs normally.
func (a *Adapter) WriteCaptureAvailable() bool {
	return a.writeCaptureAvailable
}
