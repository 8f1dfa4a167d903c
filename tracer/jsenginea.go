package tracer

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/momentics/strobe-agent/breakpoint"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// tracePrologue is injected into rewritten ES-module source ahead of
// traced function declarations; the engine's own global lookup decides
// at runtime whether tracing is active.
const tracePrologue = `if (typeof globalThis.__strobe_trace === 'function') globalThis.__strobe_trace('enter', name, url, 0);`

var assignmentTargetRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// ErrInvalidAssignmentTarget rejects a write-variable expr that isn't a
// simple dotted identifier chain, before it ever reaches compiled code.
var ErrInvalidAssignmentTarget = fmt.Errorf("expression is not a simple assignment target")

// JSEngineAHostAPI is the narrow boundary onto the ubiquitous engine:
// module-compile instrumentation, export-proxy wrapping, indirect eval,
// and compiled-assignment writes.
type JSEngineAHostAPI interface {
	InstallModuleCompileHook(prologue string) error
	RemoveModuleCompileHook() error
	WrapModuleExports(moduleURL string, onCall func(FrameInfo)) error
	IndirectEval(expr string, threadID uint32) (any, error)
	CompileAndRunAssignment(target string, value any, threadID uint32) error
}

// JSEngineATracer wraps a module's exported functions in proxies (module
// compile entrypoint) and, for ES modules, rewrites source to inject an
// enter-notification prologue. A weak-set stand-in (wrapped map, keyed by
// module URL) prevents double-wrapping the same module from two hooks.
type JSEngineATracer struct {
	host  JSEngineAHostAPI
	ids   *idgen.EventIDs
	queue *Queue
	bpReg *breakpoint.Registry
	bp    *breakpoint.Service
	steps *StepRegistry
	frame *frameCapture

	mu                sync.Mutex
	wrapped           map[string]bool
	hooks             map[string]HookTarget
	nextID            int
	fileLineIndex     map[string]fileLine
	sessionID         string
	prologueInstalled bool
}

// NewJSEngineATracer builds a tracer bound to the engine A host boundary.
func NewJSEngineATracer(host JSEngineAHostAPI, ids *idgen.EventIDs, emit func(any)) *JSEngineATracer {
	frame := newFrameCapture()
	reg := breakpoint.NewRegistry()
	bp := breakpoint.New(reg, frame, ids, nil)
	q := NewQueue(emit)
	bp.SetEmit(q.Push)
	return &JSEngineATracer{
		host:          host,
		ids:           ids,
		queue:         q,
		bpReg:         reg,
		bp:            bp,
		steps:         NewStepRegistry(),
		frame:         frame,
		wrapped:       make(map[string]bool),
		hooks:         make(map[string]HookTarget),
		fileLineIndex: make(map[string]fileLine),
	}
}

// Run starts the flush queue.
func (t *JSEngineATracer) Run() { t.queue.Run() }

// Stop flushes and stops the queue.
func (t *JSEngineATracer) Stop() { t.queue.Stop() }

func (t *JSEngineATracer) SetSession(sessionID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	t.bp.SetSession(sessionID)
}

func (t *JSEngineATracer) InstallHook(target HookTarget) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.wrapped[target.SourceFile] {
		if err := t.host.WrapModuleExports(target.SourceFile, t.onCall); err != nil {
			return "", err
		}
		t.wrapped[target.SourceFile] = true
	}
	if !t.prologueInstalled {
		if err := t.host.InstallModuleCompileHook(tracePrologue); err != nil {
			return "", err
		}
		t.prologueInstalled = true
	}

	t.nextID++
	id := fmt.Sprintf("jsa-hook-%d", t.nextID)
	t.hooks[id] = target
	return id, nil
}

func (t *JSEngineATracer) RemoveHook(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hooks, id)
	if len(t.hooks) == 0 && t.prologueInstalled {
		if err := t.host.RemoveModuleCompileHook(); err != nil {
			return err
		}
		t.prologueInstalled = false
	}
	return nil
}

func (t *JSEngineATracer) ListHooks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.hooks))
	for id := range t.hooks {
		out = append(out, id)
	}
	return out
}

func (t *JSEngineATracer) InstallBreakpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindBreakpoint)
}

func (t *JSEngineATracer) RemoveBreakpoint(id string) error { return t.removeConditional(id) }

func (t *JSEngineATracer) InstallLogpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindLogpoint)
}

func (t *JSEngineATracer) RemoveLogpoint(id string) error { return t.removeConditional(id) }

func (t *JSEngineATracer) installConditional(target BreakpointTarget, kind breakpoint.Kind) error {
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
	return nil
}

func (t *JSEngineATracer) removeConditional(id string) error {
	t.bpReg.Remove(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fileLineIndex, id)
	return nil
}

func (t *JSEngineATracer) InstallStep(target StepTarget) error {
	t.steps.Install(target.ThreadID, target.SourceFile, target.Line)
	return nil
}

// ReadVariable evaluates expr via indirect eval in the global scope (as
// opposed to a direct eval, which would inherit the caller's local
// scope — indirect eval always runs in global scope, matching the
// module-cache-search fallback spec describes for variable read).
func (t *JSEngineATracer) ReadVariable(expr string, threadID uint32) (any, error) {
	return t.host.IndirectEval(expr, threadID)
}

// WriteVariable validates expr against a simple-assignment-target regex
// before compiling `{expr} = __v`, rejecting anything that could smuggle
// extra statements into the compiled assignment.
func (t *JSEngineATracer) WriteVariable(expr string, value any, threadID uint32) error {
	if !assignmentTargetRe.MatchString(expr) {
		return ErrInvalidAssignmentTarget
	}
	return t.host.CompileAndRunAssignment(expr, value, threadID)
}

func (t *JSEngineATracer) Capabilities() event.Capabilities {
	return event.Capabilities{
		Tracer:              "js-engine-a",
		SupportsHooks:       true,
		SupportsBreakpoints: true,
		SupportsStepping:    true,
		NameAttribution:     true,
	}
}

func (t *JSEngineATracer) onCall(fr FrameInfo) {
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

func (t *JSEngineATracer) hookForLocked(fr FrameInfo) (string, bool) {
	for id, h := range t.hooks {
		if h.FunctionName == fr.FunctionName && (h.SourceFile == "" || h.SourceFile == fr.SourceFile) {
			return id, true
		}
	}
	return "", false
}

func (t *JSEngineATracer) bpIDsAtLocked(file string, line int) []string {
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
