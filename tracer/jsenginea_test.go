package tracer

import (
	"testing"

	"github.com/momentics/strobe-agent/internal/idgen"
)

type fakeJSAHost struct {
	prologueInstalled bool
	wrapped           map[string]func(FrameInfo)
	assigned          []string
}

func newFakeJSAHost() *fakeJSAHost {
	return &fakeJSAHost{wrapped: make(map[string]func(FrameInfo))}
}

func (h *fakeJSAHost) InstallModuleCompileHook(prologue string) error {
	h.prologueInstalled = true
	return nil
}

func (h *fakeJSAHost) RemoveModuleCompileHook() error {
	h.prologueInstalled = false
	return nil
}

func (h *fakeJSAHost) WrapModuleExports(moduleURL string, onCall func(FrameInfo)) error {
	h.wrapped[moduleURL] = onCall
	return nil
}

func (h *fakeJSAHost) IndirectEval(expr string, threadID uint32) (any, error) {
	return expr, nil
}

func (h *fakeJSAHost) CompileAndRunAssignment(target string, value any, threadID uint32) error {
	h.assigned = append(h.assigned, target)
	return nil
}

func newTestJSEngineATracer() (*JSEngineATracer, *fakeJSAHost, *capturingSink) {
	host := newFakeJSAHost()
	sink := &capturingSink{}
	tr := NewJSEngineATracer(host, idgen.NewEventIDs("sess"), sink.push)
	tr.SetSession("sess")
	return tr, host, sink
}

func TestJSEngineAInstallHookWrapsModuleOnce(t *testing.T) {
	tr, host, _ := newTestJSEngineATracer()
	if _, err := tr.InstallHook(HookTarget{FunctionName: "f", SourceFile: "m.js"}); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if _, err := tr.InstallHook(HookTarget{FunctionName: "g", SourceFile: "m.js"}); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if len(host.wrapped) != 1 {
		t.Fatalf("expected module wrapped exactly once, got %d wraps", len(host.wrapped))
	}
	if !host.prologueInstalled {
		t.Fatalf("expected module-compile prologue installed")
	}
}

func TestJSEngineAOnCallEmitsEnterForHookedFunction(t *testing.T) {
	tr, host, sink := newTestJSEngineATracer()
	if _, err := tr.InstallHook(HookTarget{FunctionName: "f", SourceFile: "m.js"}); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	cb := host.wrapped["m.js"]
	cb(FrameInfo{ThreadID: 1, FunctionName: "f", SourceFile: "m.js", Line: 3})
	tr.queue.flush()
	if sink.count() != 1 {
		t.Fatalf("expected 1 enter event, got %d", sink.count())
	}
}

func TestJSEngineABreakpointFiresAtInstalledLine(t *testing.T) {
	tr, host, sink := newTestJSEngineATracer()
	if _, err := tr.InstallHook(HookTarget{FunctionName: "f", SourceFile: "m.js"}); err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if err := tr.InstallBreakpoint(BreakpointTarget{ID: "bp1", SourceFile: "m.js", Line: 9}); err != nil {
		t.Fatalf("InstallBreakpoint: %v", err)
	}
	cb := host.wrapped["m.js"]
	cb(FrameInfo{ThreadID: 1, FunctionName: "other", SourceFile: "m.js", Line: 9})
	tr.queue.flush()
	if sink.count() != 1 {
		t.Fatalf("expected 1 pause event from breakpoint, got %d", sink.count())
	}
}

func TestJSEngineAWriteVariableRejectsInvalidTarget(t *testing.T) {
	tr, _, _ := newTestJSEngineATracer()
	if err := tr.WriteVariable("a; b", 1, 1); err != ErrInvalidAssignmentTarget {
		t.Fatalf("expected ErrInvalidAssignmentTarget, got %v", err)
	}
}

func TestJSEngineAWriteVariableAcceptsDottedIdentifier(t *testing.T) {
	tr, host, _ := newTestJSEngineATracer()
	if err := tr.WriteVariable("obj.field", 42, 1); err != nil {
		t.Fatalf("WriteVariable: %v", err)
	}
	if len(host.assigned) != 1 || host.assigned[0] != "obj.field" {
		t.Fatalf("expected assignment recorded, got %v", host.assigned)
	}
}

func TestJSEngineARemoveHookRemovesPrologueWhenLastHookGone(t *testing.T) {
	tr, host, _ := newTestJSEngineATracer()
	id, err := tr.InstallHook(HookTarget{FunctionName: "f", SourceFile: "m.js"})
	if err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	if err := tr.RemoveHook(id); err != nil {
		t.Fatalf("RemoveHook: %v", err)
	}
	if host.prologueInstalled {
		t.Fatalf("expected prologue removed once last hook is gone")
	}
}

func TestJSEngineACapabilities(t *testing.T) {
	tr, _, _ := newTestJSEngineATracer()
	caps := tr.Capabilities()
	if caps.Tracer != "js-engine-a" {
		t.Fatalf("expected tracer name js-engine-a, got %q", caps.Tracer)
	}
}
