package agent

import "github.com/momentics/strobe-agent/breakpoint"

// NativeBreakpointHost is the host boundary C8 needs for the native
// runtime: attaching a breakpoint/step listener at a raw address (the
// real dynamic-instrumentation framework's job, same shape as
// nativehook.Interceptor) and resolving a firing thread's registers into
// breakpoint.EvalContext/Capture. An embedder with no native breakpoint
// support simply never supplies one; native `breakpoints`/`logpoints`
// targets then fail with CodeFrameworkHookReject, and native `step`
// targets are logged and skipped.
type NativeBreakpointHost interface {
	breakpoint.CaptureProvider
	breakpoint.StepInstaller

	// Attach installs a breakpoint listener at address. onHit is called
	// synchronously on the firing thread and must block for as long as
	// the thread should stay suspended — mirroring
	// nativehook.Interceptor.Attach's callback contract.
	Attach(address uint64, onHit func(threadID uint32)) (detach func() error, err error)

	// Resolve builds the expression environment a breakpoint/logpoint
	// predicate or log template sees for a native fire: best-effort
	// registers and DWARF-described locals, per spec.md §4.8 step 3.
	Resolve(threadID uint32, spec breakpoint.Spec) breakpoint.EvalContext
}
