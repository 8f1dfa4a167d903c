package tracer

import (
	"fmt"
	"sync"

	"github.com/momentics/strobe-agent/breakpoint"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// JSEngineBHostAPI is the narrow boundary onto the secondary engine: a
// single invocation hook plus a public API that copies a function's name
// into a caller-owned buffer. On stripped builds the name-copy symbol is
// absent, so the tracer degrades to hook attribution by call-site only.
type JSEngineBHostAPI interface {
	HasNameAttribution() bool
	InstallInvocationHook(fn func(FrameInfo)) error
	RemoveInvocationHook() error
	CopyFunctionName(handle uintptr) (string, error)
	Evaluate(expr string, threadID uint32) (any, error)
	Assign(target string, value any, threadID uint32) error
}

// JSEngineBTracer drives tracing off a single engine-wide invocation hook,
// since this engine exposes no per-function instrumentation point. Every
// call notifies the hook; hooks/breakpoints/logpoints are filtered in Go
// against the attributed file/line rather than installed individually in
// the engine.
type JSEngineBTracer struct {
	host  JSEngineBHostAPI
	ids   *idgen.EventIDs
	queue *Queue
	bpReg *breakpoint.Registry
	bp    *breakpoint.Service
	steps *StepRegistry
	frame *frameCapture

	mu            sync.Mutex
	hookInstalled bool
	hooks         map[string]HookTarget
	nextID        int
	fileLineIndex map[string]fileLine
	sessionID     string
	degraded      []string
}

// NewJSEngineBTracer builds a tracer bound to the secondary engine's host
// boundary, degrading NameAttribution up front if the host reports the
// name-copy symbol as stripped.
func NewJSEngineBTracer(host JSEngineBHostAPI, ids *idgen.EventIDs, emit func(any)) *JSEngineBTracer {
	frame := newFrameCapture()
	reg := breakpoint.NewRegistry()
	bp := breakpoint.New(reg, frame, ids, nil)
	q := NewQueue(emit)
	bp.SetEmit(q.Push)
	t := &JSEngineBTracer{
		host:          host,
		ids:           ids,
		queue:         q,
		bpReg:         reg,
		bp:            bp,
		steps:         NewStepRegistry(),
		frame:         frame,
		hooks:         make(map[string]HookTarget),
		fileLineIndex: make(map[string]fileLine),
	}
	if !host.HasNameAttribution() {
		t.degraded = append(t.degraded, "name_attribution: symbol stripped, falling back to single invocation hook")
	}
	return t
}

func (t *JSEngineBTracer) Run()  { t.queue.Run() }
func (t *JSEngineBTracer) Stop() { t.queue.Stop() }

func (t *JSEngineBTracer) SetSession(sessionID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	t.bp.SetSession(sessionID)
}

func (t *JSEngineBTracer) InstallHook(target HookTarget) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hookInstalled {
		if err := t.host.InstallInvocationHook(t.onInvoke); err != nil {
			return "", err
		}
		t.hookInstalled = true
	}
	t.nextID++
	id := fmt.Sprintf("jsb-hook-%d", t.nextID)
	t.hooks[id] = target
	return id, nil
}

func (t *JSEngineBTracer) RemoveHook(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hooks, id)
	if len(t.hooks) == 0 && t.hookInstalled && len(t.fileLineIndex) == 0 {
		if err := t.host.RemoveInvocationHook(); err != nil {
			return err
		}
		t.hookInstalled = false
	}
	return nil
}

func (t *JSEngineBTracer) ListHooks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.hooks))
	for id := range t.hooks {
		out = append(out, id)
	}
	return out
}

func (t *JSEngineBTracer) InstallBreakpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindBreakpoint)
}

func (t *JSEngineBTracer) RemoveBreakpoint(id string) error { return t.removeConditional(id) }

func (t *JSEngineBTracer) InstallLogpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindLogpoint)
}

func (t *JSEngineBTracer) RemoveLogpoint(id string) error { return t.removeConditional(id) }

func (t *JSEngineBTracer) installConditional(target BreakpointTarget, kind breakpoint.Kind) error {
	var predicate breakpoint.Predicate
	if target.Predicate != nil {
		predicate = func(ctx breakpoint.EvalContext) (bool, error) {
			t.frame.mu.Lock()
			fr := t.frame.frames[ctx.ThreadID]
			t.frame.mu.Unlock()
			return target.Predicate(fr)
		}
	}
	t.bpReg.Install(breakpoint.Spec{
		ID: target.ID, Kind: kind, File: target.SourceFile, Line: target.Line,
		HitGate: target.HitGate, Predicate: predicate, Template: target.Template,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileLineIndex[target.ID] = fileLine{file: target.SourceFile, line: target.Line}
	if !t.hookInstalled {
		if err := t.host.InstallInvocationHook(t.onInvoke); err != nil {
			delete(t.fileLineIndex, target.ID)
			return err
		}
		t.hookInstalled = true
	}
	return nil
}

func (t *JSEngineBTracer) removeConditional(id string) error {
	t.bpReg.Remove(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fileLineIndex, id)
	return nil
}

func (t *JSEngineBTracer) InstallStep(target StepTarget) error {
	t.steps.Install(target.ThreadID, target.SourceFile, target.Line)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hookInstalled {
		if err := t.host.InstallInvocationHook(t.onInvoke); err != nil {
			return err
		}
		t.hookInstalled = true
	}
	return nil
}

func (t *JSEngineBTracer) ReadVariable(expr string, threadID uint32) (any, error) {
	return t.host.Evaluate(expr, threadID)
}

func (t *JSEngineBTracer) WriteVariable(expr string, value any, threadID uint32) error {
	return t.host.Assign(expr, value, threadID)
}

func (t *JSEngineBTracer) Capabilities() event.Capabilities {
	t.mu.Lock()
	defer t.mu.Unlock()
	return event.Capabilities{
		Tracer:              "js-engine-b",
		SupportsHooks:       true,
		SupportsBreakpoints: true,
		SupportsStepping:    true,
		NameAttribution:     t.host.HasNameAttribution(),
		Degraded:            t.degraded,
	}
}

// onInvoke is the sole notification point this engine offers; every
// traced call, breakpoint/logpoint check, and step check runs off it.
func (t *JSEngineBTracer) onInvoke(fr FrameInfo) {
	t.frame.set(fr)
	t.mu.Lock()
	_, hooked := t.hookForLocked(fr)
	sessionID := t.sessionID
	t.mu.Unlock()

	if hooked {
		t.queue.Push(&event.FunctionEnter{
			ID: t.ids.Next(), SessionID: sessionID, ThreadID: fr.ThreadID,
			FunctionName: fr.FunctionName, SourceFile: fr.SourceFile, Line: fr.Line,
		})
	}
	for _, id := range t.bpIDsAtLocked(fr.SourceFile, fr.Line) {
		t.bp.Fire(id, fr.ThreadID)
	}
	if t.steps.Matches(fr.ThreadID, fr.SourceFile, fr.Line) {
		t.steps.Remove(fr.ThreadID)
		t.queue.Push(&event.Pause{
			ID: t.ids.Next(), SessionID: sessionID, ThreadID: fr.ThreadID,
			File: fr.SourceFile, Line: fr.Line, Function: fr.FunctionName,
		})
	}
}

func (t *JSEngineBTracer) hookForLocked(fr FrameInfo) (string, bool) {
	for id, h := range t.hooks {
		if h.FunctionName == fr.FunctionName && (h.SourceFile == "" || h.SourceFile == fr.SourceFile) {
			return id, true
		}
	}
	return "", false
}

func (t *JSEngineBTracer) bpIDsAtLocked(file string, line int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.fileLineIndex))
	for id, loc := range t.fileLineIndex {
		if loc.file == file && loc.line == line {
			ids = append(ids, id)
		}
	}
	return ids
}
