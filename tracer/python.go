package tracer

import (
	"fmt"
	"sync"

	"github.com/momentics/strobe-agent/breakpoint"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// monitoringToolID is the interpreter-monitoring tool id reserved for
// this agent in modern (>= 3.12) mode.
const monitoringToolID = 0

// PythonHostAPI is the narrow boundary onto the embedded interpreter: the
// modern per-tool-id monitoring callback, the legacy per-thread/all-thread
// trace function setters, and the run-string entry point variable
// read/write goes through.
type PythonHostAPI interface {
	InterpreterAtLeast(major, minor int) bool
	RegisterMonitoringTool(toolID int, onFunctionStart func(FrameInfo)) error
	UnregisterMonitoringTool(toolID int) error
	SetTraceAllThreads(fn func(FrameInfo, string)) error
	SetTraceCurrentThread(fn func(FrameInfo, string)) error
	ClearTrace() error
	RunString(code string, frame FrameInfo) (any, error)
}

type frameCapture struct {
	mu     sync.Mutex
	frames map[uint32]FrameInfo
}

func newFrameCapture() *frameCapture {
	return &frameCapture{frames: make(map[uint32]FrameInfo)}
}

func (f *frameCapture) set(fr FrameInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[fr.ThreadID] = fr
}

func (f *frameCapture) Capture(threadID uint32) (breakpoint.Capture, error) {
	f.mu.Lock()
	fr, ok := f.frames[threadID]
	f.mu.Unlock()
	if !ok {
		return breakpoint.Capture{}, fmt.Errorf("no frame recorded for thread %d", threadID)
	}
	return breakpoint.Capture{
		Frames: []event.BacktraceFrame{{Symbol: fr.FunctionName, SourceFile: fr.SourceFile, Line: fr.Line}},
		Args:   fr.Args,
		Locals: fr.Locals,
	}, nil
}

// PythonTracer installs hooks/breakpoints/logpoints as module-level global
// lists a single installed trace function reads on every event, rather
// than reinstalling the trace function per change (spec requires updates
// mutate the lists only).
type PythonTracer struct {
	host  PythonHostAPI
	ids   *idgen.EventIDs
	queue *Queue
	bpReg *breakpoint.Registry
	bp    *breakpoint.Service
	steps *StepRegistry
	frame *frameCapture

	mu                    sync.Mutex
	modern                bool
	monitoringInstalled   bool
	classicTraceInstalled bool
	hooks                 map[string]HookTarget
	nextHookID            int
	conditionalCount      int // breakpoints + logpoints installed
	fileLineIndex         map[string]fileLine
	sessionID             string
	degraded              []string
}

// NewPythonTracer builds a Python tracer bound to its host interpreter
// boundary and event sink.
func NewPythonTracer(host PythonHostAPI, ids *idgen.EventIDs, emit func(any)) *PythonTracer {
	frame := newFrameCapture()
	reg := breakpoint.NewRegistry()
	q := NewQueue(emit)
	bp := breakpoint.New(reg, frame, ids, nil)
	bp.SetEmit(q.Push)
	return &PythonTracer{
		host:          host,
		ids:           ids,
		queue:         q,
		bpReg:         reg,
		bp:            bp,
		steps:         NewStepRegistry(),
		frame:         frame,
		modern:        host.InterpreterAtLeast(3, 12),
		hooks:         make(map[string]HookTarget),
		fileLineIndex: make(map[string]fileLine),
	}
}

// SetSession records the session id and forwards it to the underlying
// breakpoint service. It does not start the flush queue; Run does.
func (t *PythonTracer) SetSession(sessionID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	t.bp.SetSession(sessionID)
}

// Run starts the flush queue; call once on the agent's dedicated thread.
func (t *PythonTracer) Run() { t.queue.Run() }

// Stop flushes and stops the queue.
func (t *PythonTracer) Stop() { t.queue.Stop() }

func (t *PythonTracer) InstallHook(target HookTarget) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHookID++
	id := fmt.Sprintf("py-hook-%d", t.nextHookID)
	t.hooks[id] = target

	if t.modern {
		if !t.monitoringInstalled {
			if err := t.host.RegisterMonitoringTool(monitoringToolID, t.onMonitoringEvent); err != nil {
				delete(t.hooks, id)
				return "", err
			}
			t.monitoringInstalled = true
		}
		return id, nil
	}
	if err := t.ensureClassicTraceLocked(); err != nil {
		delete(t.hooks, id)
		return "", err
	}
	return id, nil
}

func (t *PythonTracer) RemoveHook(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hooks, id)
	if len(t.hooks) == 0 && t.modern && t.monitoringInstalled {
		if err := t.host.UnregisterMonitoringTool(monitoringToolID); err != nil {
			return err
		}
		t.monitoringInstalled = false
	}
	return nil
}

func (t *PythonTracer) ListHooks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.hooks))
	for id := range t.hooks {
		out = append(out, id)
	}
	return out
}

// ensureClassicTraceLocked installs the classic per-frame trace function,
// via the all-threads setter where available, falling back to the
// current thread's setter. t.mu must already be held.
func (t *PythonTracer) ensureClassicTraceLocked() error {
	if t.classicTraceInstalled {
		return nil
	}
	if err := t.host.SetTraceAllThreads(t.onTraceEvent); err != nil {
		if err2 := t.host.SetTraceCurrentThread(t.onTraceEvent); err2 != nil {
			return err2
		}
	}
	t.classicTraceInstalled = true
	return nil
}

func (t *PythonTracer) InstallBreakpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindBreakpoint)
}

func (t *PythonTracer) RemoveBreakpoint(id string) error {
	return t.removeConditional(id)
}

func (t *PythonTracer) InstallLogpoint(target BreakpointTarget) error {
	return t.installConditional(target, breakpoint.KindLogpoint)
}

func (t *PythonTracer) RemoveLogpoint(id string) error {
	return t.removeConditional(id)
}

func (t *PythonTracer) installConditional(target BreakpointTarget, kind breakpoint.Kind) error {
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
	t.conditionalCount++
	t.fileLineIndex[target.ID] = fileLine{file: target.SourceFile, line: target.Line}
	if t.modern {
		// Modern mode only needs function-start events for plain hooks;
		// conditional breakpoints/logpoints need frame objects, so the
		// secondary classic trace function comes up only now.
		return t.ensureClassicTraceLocked()
	}
	return t.ensureClassicTraceLocked()
}

func (t *PythonTracer) removeConditional(id string) error {
	t.bpReg.Remove(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conditionalCount > 0 {
		t.conditionalCount--
	}
	delete(t.fileLineIndex, id)
	return nil
}

func (t *PythonTracer) InstallStep(target StepTarget) error {
	t.steps.Install(target.ThreadID, target.SourceFile, target.Line)
	return t.ensureClassicTraceLockedPublic()
}

func (t *PythonTracer) ensureClassicTraceLockedPublic() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureClassicTraceLocked()
}

// ReadVariable runs expr under the GIL via the host's run-string
// primitive against the most recently captured frame for threadID.
func (t *PythonTracer) ReadVariable(expr string, threadID uint32) (any, error) {
	t.frame.mu.Lock()
	fr := t.frame.frames[threadID]
	t.frame.mu.Unlock()
	return t.host.RunString(expr, fr)
}

// WriteVariable assigns via the same run-string primitive, with `expr`
// used as the assignment target (`{expr} = {value}`).
func (t *PythonTracer) WriteVariable(expr string, value any, threadID uint32) error {
	t.frame.mu.Lock()
	fr := t.frame.frames[threadID]
	t.frame.mu.Unlock()
	_, err := t.host.RunString(fmt.Sprintf("%s = %#v", expr, value), fr)
	return err
}

func (t *PythonTracer) Capabilities() event.Capabilities {
	t.mu.Lock()
	defer t.mu.Unlock()
	return event.Capabilities{
		Tracer:              "python",
		SupportsHooks:       true,
		SupportsBreakpoints: true,
		SupportsStepping:    true,
		NameAttribution:     true,
		Degraded:            t.degraded,
	}
}

func (t *PythonTracer) onMonitoringEvent(fr FrameInfo) {
	t.frame.set(fr)
	t.mu.Lock()
	_, hooked := t.findHookLocked(fr)
	sessionID := t.sessionID
	t.mu.Unlock()
	if hooked {
		t.queue.Push(&event.FunctionEnter{
			ID:           t.ids.Next(),
			SessionID:    sessionID,
			ThreadID:     fr.ThreadID,
			FunctionName: fr.FunctionName,
			SourceFile:   fr.SourceFile,
			Line:         fr.Line,
		})
	}
}

// onTraceEvent is the classic settrace callback: it sees call/return/line
// events and drives breakpoints, logpoints, and step hooks in addition to
// (in legacy mode) plain function hooks.
func (t *PythonTracer) onTraceEvent(fr FrameInfo, kind string) {
	t.frame.set(fr)

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	if !t.modern {
		t.mu.Lock()
		_, hooked := t.findHookLocked(fr)
		t.mu.Unlock()
		if hooked && kind == "call" {
			t.queue.Push(&event.FunctionEnter{
				ID: t.ids.Next(), SessionID: sessionID, ThreadID: fr.ThreadID, FunctionName: fr.FunctionName,
				SourceFile: fr.SourceFile, Line: fr.Line,
			})
		}
		if hooked && kind == "return" {
			t.queue.Push(&event.FunctionExit{
				ID: t.ids.Next(), SessionID: sessionID, ThreadID: fr.ThreadID, FunctionName: fr.FunctionName,
			})
		}
	}

	for _, id := range t.bpIDsAt(fr.SourceFile, fr.Line) {
		t.bp.Fire(id, fr.ThreadID)
	}

	if t.steps.Matches(fr.ThreadID, fr.SourceFile, fr.Line) {
		t.steps.Remove(fr.ThreadID)
		t.queue.Push(&event.Pause{
			ID: t.ids.Next(), SessionID: sessionID, ThreadID: fr.ThreadID, File: fr.SourceFile, Line: fr.Line, Function: fr.FunctionName,
		})
	}
}

func (t *PythonTracer) findHookLocked(fr FrameInfo) (string, bool) {
	for id, h := range t.hooks {
		if h.FunctionName == fr.FunctionName && (h.SourceFile == "" || h.SourceFile == fr.SourceFile) {
			return id, true
		}
	}
	return "", false
}

// bpIDsAt returns the ids of the installed breakpoints/logpoints bound to
// file:line, from the file/line index installConditional maintains.
func (t *PythonTracer) bpIDsAt(file string, line int) []string {
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

type fileLine struct {
	file string
	line int
}
