// Package agent implements the façade (C11): it owns every other
// component, dispatches commands arriving over the instrumentation
// framework's messaging primitive, runs the periodic ring drain, and
// serializes assembled events back on the same channel. Construction
// mirrors the teacher's facade.HioloadWS: one New call wires the whole
// stack from a Config plus the narrow host-boundary interfaces a real
// injected build supplies, and Start/Stop bracket the agent's lifetime
// inside the host process.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/strobe-agent/agenterr"
	"github.com/momentics/strobe-agent/breakpoint"
	"github.com/momentics/strobe-agent/capture"
	"github.com/momentics/strobe-agent/control"
	"github.com/momentics/strobe-agent/drain"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
	"github.com/momentics/strobe-agent/internal/logging"
	"github.com/momentics/strobe-agent/internal/session"
	"github.com/momentics/strobe-agent/memio"
	"github.com/momentics/strobe-agent/nativehook"
	"github.com/momentics/strobe-agent/platform"
	"github.com/momentics/strobe-agent/ringbuf"
	"github.com/momentics/strobe-agent/sampler"
	"github.com/momentics/strobe-agent/serialize"
	"github.com/momentics/strobe-agent/tracer"
)

// Version is reported in the agent_loaded event.
const Version = "1.0.0"

// drainInterval is the drain tick period, per spec.md §4.4.
const drainInterval = 10 * time.Millisecond

// Config exposes the agent's compile-time knobs. Per spec.md §6, the
// agent consumes no environment or settings beyond these constants;
// serialization depth is the one knob that arrives over the wire (in the
// `hooks` command) rather than here.
type Config struct {
	DrainInterval      time.Duration
	SerializationDepth int
	CrashSleep         time.Duration
}

// DefaultConfig returns spec defaults: a 10ms drain tick and depth-1
// (typed) argument serialization until a `hooks` command overrides it.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:      drainInterval,
		SerializationDepth: 1,
	}
}

// Transport is the narrow boundary to the framework's messaging
// primitive. OnMessage's receive is one-shot by design (mirrors the
// instrumentation framework's RPC channel): a handler registered for a
// command name is consumed by the next matching message and must be
// re-registered by the caller to see another. Send serializes v (a
// pointer to one of the event/response types in package event) back to
// the daemon.
type Transport interface {
	OnMessage(commandType string, handler func(raw []byte))
	Send(v any) error
}

// Dependencies are the host-specific adapters a real injected build
// supplies; New constructs only the components whose dependency is
// non-nil, so an embedder that only ships native code can omit every
// interpreted tracer without the façade noticing.
type Dependencies struct {
	Transport Transport

	Interceptor   nativehook.Interceptor
	MemReader     memio.MemReader
	MemWriter     memio.MemWriter
	Threads       drain.ThreadEnumerator
	CrashProvider capture.CrashCaptureProvider

	// NativeBreakpoints backs C8 (breakpoints, logpoints and steps) for
	// the native runtime. It is optional: without it, native
	// breakpoint/logpoint targets are rejected and native step targets
	// are logged and skipped.
	NativeBreakpoints NativeBreakpointHost

	Python    tracer.PythonHostAPI
	JSEngineA tracer.JSEngineAHostAPI
	JSEngineB tracer.JSEngineBHostAPI
}

// Agent owns every component (C1-C11) for one injected instance. Only one
// session is ever active (internal/session.Manager), matching the single
// dedicated agent thread spec.md §5 describes.
type Agent struct {
	cfg  *Config
	deps Dependencies
	log  *logging.Logger
	tr   trace.Tracer

	ids      *idgen.EventIDs
	sessions *session.Manager

	ring    *ringbuf.Ring
	native  *nativehook.Engine
	funcs   *drain.Registry
	drainer *drain.Drainer
	serial  *serialize.Serializer
	mem     *memio.Service

	bpReg  *breakpoint.Registry
	bp     *breakpoint.Service
	steps  *breakpoint.StepController
	output *capture.OutputCapture
	crash  *capture.CrashHandler

	python    tracer.Contract
	jsEngineA tracer.Contract
	jsEngineB tracer.Contract

	config  *control.ConfigStore
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes

	// Command-thread bookkeeping the underlying packages have no reason
	// to track themselves: nativeFuncByAddr lets `hooks` remove=... map a
	// raw address back to the func-id drain.Registry indexes by;
	// nativeBpDetach lets `breakpoints`/`logpoints` remove=... tear down
	// the listener Attach installed; pauseByThread lets `resume` translate
	// a wire threadId into the pauseEventID breakpoint.Service.Resume
	// expects.
	nativeFuncByAddr sync.Map // uint64 -> uint32
	nativeBpDetach   sync.Map // string -> func() error
	pauseByThread    sync.Map // uint32 -> string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New wires the full component stack, following the teacher's one-call
// construction shape (facade.New): every subsystem is built here so a
// caller never has to know the internal wiring order.
func New(cfg *Config, deps Dependencies) (*Agent, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Transport == nil {
		return nil, agenterr.New(agenterr.CodeAgentInternal, "agent: Transport dependency is required")
	}

	plat, err := platform.New()
	if err != nil {
		return nil, fmt.Errorf("agent: platform adapter init: %w", err)
	}

	tp := sdktrace.NewTracerProvider()
	a := &Agent{
		cfg:      cfg,
		deps:     deps,
		log:      logging.New("agent"),
		tr:       tp.Tracer("github.com/momentics/strobe-agent/agent"),
		ids:      idgen.NewEventIDs(""),
		sessions: session.NewManager(),
		ring:     ringbuf.New(),
		funcs:    drain.NewRegistry(),
		config:   control.NewConfigStore(),
		metrics:  control.NewMetricsRegistry(),
		debug:    control.NewDebugProbes(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if deps.Interceptor != nil {
		a.native = nativehook.New(deps.Interceptor, a.ring, plat)
	}

	memReader := deps.MemReader
	if memReader == nil {
		memReader = noopMemReader{}
	}
	a.serial = serialize.New(memReader, cfg.SerializationDepth)
	a.mem = memio.New(memReader, deps.MemWriter)

	threads := deps.Threads
	if threads == nil {
		threads = noopThreads{}
	}
	a.drainer = drain.New(a.ring, a.funcs, threads, plat, a.ids,
		sampler.NewIntervalController(), sampler.NewRateTracker(), a.serial, a.tr)
	a.drainer.SetSerializationDepth(cfg.SerializationDepth)

	a.bpReg = breakpoint.NewRegistry()
	var resolver func(uint32, breakpoint.Spec) breakpoint.EvalContext
	var captureProvider breakpoint.CaptureProvider = noopCaptureProvider{}
	var stepInstaller breakpoint.StepInstaller
	if deps.NativeBreakpoints != nil {
		captureProvider = deps.NativeBreakpoints
		resolver = deps.NativeBreakpoints.Resolve
		stepInstaller = deps.NativeBreakpoints
	}
	a.bp = breakpoint.New(a.bpReg, captureProvider, a.ids, resolver)
	a.bp.SetEmit(a.emit)
	if stepInstaller != nil {
		a.steps = breakpoint.NewStepController(stepInstaller, a.ids)
		a.steps.SetEmit(a.emit)
	}

	a.output = capture.NewOutputCapture(a.ids, plat)
	a.output.SetEmit(a.emit)

	crashProvider := deps.CrashProvider
	if crashProvider == nil {
		crashProvider = noopCrashProvider{}
	}
	a.crash = capture.NewCrashHandler(a.ids, plat, crashProvider)
	a.crash.SetEmit(a.emit)

	if deps.Python != nil {
		a.python = tracer.NewPythonTracer(deps.Python, a.ids, a.emit)
	}
	if deps.JSEngineA != nil {
		a.jsEngineA = tracer.NewJSEngineATracer(deps.JSEngineA, a.ids, a.emit)
	}
	if deps.JSEngineB != nil {
		a.jsEngineB = tracer.NewJSEngineBTracer(deps.JSEngineB, a.ids, a.emit)
	}

	a.debug.RegisterProbe("agent.session_id", func() any { return a.sessions.ID() })
	a.debug.RegisterProbe("agent.ring.overflow_count", func() any { return a.ring.OverflowCount() })
	a.debug.RegisterProbe("agent.ring.sample_interval", func() any { return a.ring.SampleInterval() })
	control.RegisterPlatformProbes(a.debug)

	control.RegisterReloadHook(func() { a.log.Println("config hot-reload applied") })
	a.config.OnReload(a.applyConfigReload)

	a.config.SetConfig(map[string]any{
		"agent.version":             Version,
		"agent.drain_interval_ms":   cfg.DrainInterval.Milliseconds(),
		"agent.serialization_depth": cfg.SerializationDepth,
	})

	a.registerHandlers()
	return a, nil
}

// Start begins the drain loop and the interpreted tracers' flush queues,
// then announces the agent to the daemon. Mirrors facade.HioloadWS.Start:
// idempotent, guarded by the started flag.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if a.python != nil {
		go a.python.(interface{ Run() }).Run()
	}
	if a.jsEngineA != nil {
		go a.jsEngineA.(interface{ Run() }).Run()
	}
	if a.jsEngineB != nil {
		go a.jsEngineB.(interface{ Run() }).Run()
	}

	go a.drainLoop()

	a.emit(&event.AgentLoaded{ID: a.ids.Next(), TimestampNs: a.nowNs(), Version: Version})
	return nil
}

// Stop performs a final drain, flushes output, stops every timer and
// tracer queue, and tears down the active session. Mirrors
// facade.HioloadWS.Stop/Shutdown.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	close(a.stopCh)
	<-a.doneCh

	for _, e := range a.drainer.Tick(context.Background()) {
		a.emit(e)
	}
	a.mem.CancelPoll()

	if r, ok := a.python.(interface{ Stop() }); ok && r != nil {
		r.Stop()
	}
	if r, ok := a.jsEngineA.(interface{ Stop() }); ok && r != nil {
		r.Stop()
	}
	if r, ok := a.jsEngineB.(interface{ Stop() }); ok && r != nil {
		r.Stop()
	}
	a.sessions.Stop()
	return nil
}

// drainLoop runs the 10ms drain tick on its own goroutine, modeling
// spec.md §5's "dedicated agent thread" on top of Go's scheduler: nothing
// else touches the ring's read side or the drainer's stack state.
func (a *Agent) drainLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, e := range a.drainer.Tick(context.Background()) {
				a.emit(e)
			}
			a.metrics.Set("agent.ring.overflow_count", a.ring.OverflowCount())
		}
	}
}

// emit sends one assembled event back over the transport, logging
// (never panicking) on a send failure since the daemon being briefly
// unreachable must never propagate into host code.
func (a *Agent) emit(e any) {
	if err := a.deps.Transport.Send(e); err != nil {
		a.log.Printf("send failed for %T: %v", e, err)
	}
}

// applyConfigReload is the ConfigStore.OnReload listener wired in New: it
// pushes live-reloadable keys out to the components that hold their own
// copy (currently just the drainer's serialization depth, changed via the
// hooks command), then dispatches the process-wide hot-reload hooks.
func (a *Agent) applyConfigReload() {
	snap := a.config.GetSnapshot()
	if depth, ok := snap["agent.serialization_depth"].(int); ok {
		a.drainer.SetSerializationDepth(depth)
	}
	control.TriggerHotReload()
}

func (a *Agent) nowNs() uint64 {
	return a.drainerNowNs()
}

// drainerNowNs exists only because Drainer does not expose its platform
// adapter; agent_loaded's timestamp is best-effort and not spec-critical.
func (a *Agent) drainerNowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// registerHandlers arms the one-shot re-registration pattern spec.md
// §4.11 describes for every command name: the handler re-registers
// itself for the same command before doing any work, and every handler
// body runs under dispatch's recover so a panic mid-command still yields a
// response instead of leaving the daemon hanging.
func (a *Agent) registerHandlers() {
	commands := map[string]func(raw []byte){
		"initialize":   a.handleInitialize,
		"hooks":        a.handleHooks,
		"watches":      a.handleWatches,
		"read_memory":  a.handleReadMemory,
		"write_memory": a.handleWriteMemory,
		"breakpoints":  a.handleBreakpoints,
		"logpoints":    a.handleLogpoints,
		"step":         a.handleStep,
		"resume":       a.handleResume,
		"dispose":      a.handleDispose,
		"capabilities": a.handleCapabilities,
	}
	for name, fn := range commands {
		a.armHandler(name, fn)
	}
}

// armHandler registers one self-re-arming handler for commandType.
func (a *Agent) armHandler(commandType string, fn func(raw []byte)) {
	var wrapped func(raw []byte)
	wrapped = func(raw []byte) {
		a.deps.Transport.OnMessage(commandType, wrapped)
		a.dispatch(commandType, raw, fn)
	}
	a.deps.Transport.OnMessage(commandType, wrapped)
}

// dispatch wraps one command's handling in an OTel span and a recover so
// an unexpected exception (spec.md §4.11 step 2 / §7's AgentInternal row)
// still results in a response rather than a hung daemon.
func (a *Agent) dispatch(commandType string, raw []byte, fn func(raw []byte)) {
	_, span := a.tr.Start(context.Background(), "agent.handle."+commandType)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			a.log.Printf("recovered panic in %s handler: %v", commandType, r)
			a.emit(&event.LogMessage{
				ID:        a.ids.Next(),
				SessionID: a.sessions.ID(),
				Level:     "error",
				Message:   fmt.Sprintf("%s: %v", commandType, r),
			})
		}
	}()
	fn(raw)
}

func (a *Agent) respondError(span trace.Span, code agenterr.Code, message string) {
	err := agenterr.New(code, message)
	span.SetStatus(codes.Error, err.Error())
	a.log.Printf("%s", err.Error())
	a.emit(&event.LogMessage{
		ID:        a.ids.Next(),
		SessionID: a.sessions.ID(),
		Level:     "error",
		Message:   err.Error(),
	})
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// noopMemReader/noopThreads/noopCaptureProvider/noopCrashProvider let New
// build a complete, inert component graph when an embedder omits a
// host-boundary dependency (e.g. a build with no memory-read support):
// every operation degrades to "not readable" rather than a nil panic.
type noopMemReader struct{}

func (noopMemReader) ReadBytes(uint64, int) ([]byte, bool) { return nil, false }

type noopThreads struct{}

func (noopThreads) ThreadName(uint32) (string, bool) { return "", false }

type noopCaptureProvider struct{}

func (noopCaptureProvider) Capture(uint32) (breakpoint.Capture, error) {
	return breakpoint.Capture{}, fmt.Errorf("agent: no native breakpoint capture provider configured")
}

type noopCrashProvider struct{}

func (noopCrashProvider) CaptureCrash(string, uint64) (capture.CrashSnapshot, error) {
	return capture.CrashSnapshot{}, fmt.Errorf("agent: no crash capture provider configured")
}
