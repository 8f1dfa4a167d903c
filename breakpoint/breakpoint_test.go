package breakpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

type fakeCapture struct {
	frames []event.BacktraceFrame
	args   map[string]any
	locals map[string]any
	err    error
}

func (f fakeCapture) Capture(threadID uint32) (Capture, error) {
	if f.err != nil {
		return Capture{}, f.err
	}
	return Capture{Frames: f.frames, Args: f.args, Locals: f.locals}, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []any
}

func (s *eventSink) emit(e any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.events))
	copy(out, s.events)
	return out
}

func newTestService(cap CaptureProvider) (*Service, *Registry, *eventSink) {
	reg := NewRegistry()
	sink := &eventSink{}
	svc := New(reg, cap, idgen.NewEventIDs("S"), nil)
	svc.SetSession("S")
	svc.SetEmit(sink.emit)
	return svc, reg, sink
}

func TestHitGateSkipsEarlyFires(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{})
	reg.Install(Spec{ID: "bp1", Kind: KindBreakpoint, HitGate: 3})

	if h := svc.Fire("bp1", 1); h != nil {
		t.Fatal("fire 1 should be gated")
	}
	if h := svc.Fire("bp1", 1); h != nil {
		t.Fatal("fire 2 should be gated")
	}
	h := svc.Fire("bp1", 1)
	if h == nil {
		t.Fatal("fire 3 should pause")
	}
	if len(sink.all()) != 1 {
		t.Fatalf("got %d events, want 1 (only the 3rd fire pauses)", len(sink.all()))
	}
}

func TestPredicateFalseSkipsPause(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{})
	reg.Install(Spec{ID: "bp1", Kind: KindBreakpoint, Predicate: func(EvalContext) (bool, error) {
		return false, nil
	}})
	if h := svc.Fire("bp1", 1); h != nil {
		t.Fatal("false predicate must not pause")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("got %d events, want 0", len(sink.all()))
	}
}

func TestPredicateErrorEmitsConditionErrorAndSkipsPause(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{})
	reg.Install(Spec{ID: "bp1", Kind: KindBreakpoint, Predicate: func(EvalContext) (bool, error) {
		return false, errors.New("boom")
	}})
	if h := svc.Fire("bp1", 1); h != nil {
		t.Fatal("predicate error must not pause")
	}
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ce, ok := events[0].(*event.ConditionError)
	if !ok || ce.Error != "boom" {
		t.Fatalf("got %#v, want ConditionError{Error: boom}", events[0])
	}
}

func TestBreakpointFireEmitsPauseAndSuspends(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{
		frames: []event.BacktraceFrame{{Address: 0x1000, Symbol: "f"}},
		locals: map[string]any{"x": 1},
	})
	reg.Install(Spec{ID: "bp1", Kind: KindBreakpoint, File: "a.c", Line: 10})

	h := svc.Fire("bp1", 7)
	if h == nil {
		t.Fatal("want a suspension handle")
	}
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	pause := events[0].(*event.Pause)
	if pause.ThreadID != 7 || pause.Line != 10 {
		t.Fatalf("pause = %+v, unexpected fields", pause)
	}

	resumed := make(chan struct{})
	go func() {
		h.Wait(context.Background())
		close(resumed)
	}()
	select {
	case <-resumed:
		t.Fatal("resumed before Resume() was called")
	case <-time.After(20 * time.Millisecond):
	}

	svc.Resume(h.PauseEventID)
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("never resumed after Resume()")
	}
}

func TestLogpointFiresWithoutSuspending(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{locals: map[string]any{"name": "alice"}})
	reg.Install(Spec{ID: "lp1", Kind: KindLogpoint, Template: "hello {name}"})

	h := svc.Fire("lp1", 1)
	if h != nil {
		t.Fatal("logpoint must never suspend")
	}
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	lp := events[0].(*event.Logpoint)
	if lp.Message != "hello alice" {
		t.Fatalf("message = %q, want 'hello alice'", lp.Message)
	}
}

func TestLogpointTemplateEscapesQuotesAndBackslashes(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{locals: map[string]any{"s": `a"b\c`}})
	reg.Install(Spec{ID: "lp1", Kind: KindLogpoint, Template: "v={s}"})
	svc.Fire("lp1", 1)
	lp := sink.all()[0].(*event.Logpoint)
	if lp.Message != `v=a\"b\\c` {
		t.Fatalf("message = %q, want escaped quotes/backslashes", lp.Message)
	}
}

func TestLogpointTemplateDenylistsTraversalKeys(t *testing.T) {
	svc, reg, sink := newTestService(fakeCapture{locals: map[string]any{
		"user.name": "should-not-appear",
		"__secret":  "nope",
		"arr[0]":    "nope",
	}})
	reg.Install(Spec{ID: "lp1", Kind: KindLogpoint, Template: "{user.name} {__secret} {arr[0]}"})
	svc.Fire("lp1", 1)
	lp := sink.all()[0].(*event.Logpoint)
	want := "{user.name} {__secret} {arr[0]}"
	if lp.Message != want {
		t.Fatalf("message = %q, want literal placeholders %q", lp.Message, want)
	}
}

func TestUnknownBreakpointIDIsNoop(t *testing.T) {
	svc, _, sink := newTestService(fakeCapture{})
	if h := svc.Fire("nope", 1); h != nil {
		t.Fatal("unknown id must not pause")
	}
	if len(sink.all()) != 0 {
		t.Fatal("unknown id must not emit")
	}
}

func TestResumeOnAlreadyResumedIDIsNoop(t *testing.T) {
	svc, reg, _ := newTestService(fakeCapture{})
	reg.Install(Spec{ID: "bp1", Kind: KindBreakpoint})
	h := svc.Fire("bp1", 1)
	svc.Resume(h.PauseEventID)
	svc.Resume(h.PauseEventID) // must not panic
}

type fakeStepInstaller struct {
	mu      sync.Mutex
	onFire  func(uint32)
	removed bool
}

func (f *fakeStepInstaller) InstallOneShot(address uint64, onFire func(uint32)) (func(), error) {
	f.mu.Lock()
	f.onFire = onFire
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.removed = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeStepInstaller) fire(threadID uint32) {
	f.mu.Lock()
	cb := f.onFire
	f.mu.Unlock()
	if cb != nil {
		cb(threadID)
	}
}

func TestStepControllerIgnoresOtherThreads(t *testing.T) {
	installer := &fakeStepInstaller{}
	sink := &eventSink{}
	ctl := NewStepController(installer, idgen.NewEventIDs("S"))
	ctl.SetSession("S")
	ctl.SetEmit(sink.emit)

	if err := ctl.InstallStep(0x2000, 5, Landing{File: "a.c", Line: 20}); err != nil {
		t.Fatalf("InstallStep failed: %v", err)
	}
	installer.fire(9) // wrong thread
	if len(sink.all()) != 0 {
		t.Fatal("fire from non-origin thread must not emit a pause")
	}
	installer.fire(5) // origin thread
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	pause := events[0].(*event.Pause)
	if pause.Line != 20 || pause.ThreadID != 5 {
		t.Fatalf("pause = %+v, unexpected fields", pause)
	}
	installer.mu.Lock()
	removed := installer.removed
	installer.mu.Unlock()
	if !removed {
		t.Fatal("step hook must auto-uninstall on fire")
	}
}

func TestStepControllerOnlyFiresOnce(t *testing.T) {
	installer := &fakeStepInstaller{}
	sink := &eventSink{}
	ctl := NewStepController(installer, idgen.NewEventIDs("S"))
	ctl.SetEmit(sink.emit)
	ctl.InstallStep(0x2000, 5, Landing{})
	installer.fire(5)
	installer.fire(5)
	if len(sink.all()) != 1 {
		t.Fatalf("got %d events, want exactly 1 (one-shot)", len(sink.all()))
	}
}

func TestStepControllerSubtractsSlideOnReturnLanding(t *testing.T) {
	installer := &fakeStepInstaller{}
	sink := &eventSink{}
	ctl := NewStepController(installer, idgen.NewEventIDs("S"))
	ctl.SetEmit(sink.emit)
	ctl.SetSlide(0x10000)
	ctl.InstallStep(0x12000, 5, Landing{SubtractSlide: true})
	installer.fire(5)
	pause := sink.all()[0].(*event.Pause)
	if pause.Address != 0x2000 {
		t.Fatalf("address = %#x, want 0x2000 (slide subtracted)", pause.Address)
	}
}
