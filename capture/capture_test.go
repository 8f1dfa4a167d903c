package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

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

func newTestOutputCapture() (*OutputCapture, *eventSink) {
	oc := NewOutputCapture(idgen.NewEventIDs("S"), nil)
	sink := &eventSink{}
	oc.SetSession("S")
	oc.SetEmit(sink.emit)
	return oc, sink
}

func TestOutputCaptureDropsNonStdStreams(t *testing.T) {
	oc, sink := newTestOutputCapture()
	oc.OnWrite(3, []byte("hello"))
	if len(sink.all()) != 0 {
		t.Fatal("fd 3 must be dropped")
	}
}

func TestOutputCapturePassesStdoutAndStderr(t *testing.T) {
	oc, sink := newTestOutputCapture()
	oc.OnWrite(1, []byte("out"))
	oc.OnWrite(2, []byte("err"))
	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	o1 := events[0].(*event.Output)
	o2 := events[1].(*event.Output)
	if o1.Stream != "stdout" || o1.Text != "out" {
		t.Fatalf("got %+v, want stdout/out", o1)
	}
	if o2.Stream != "stderr" || o2.Text != "err" {
		t.Fatalf("got %+v, want stderr/err", o2)
	}
}

func TestOutputCaptureTruncatesOversizedWrite(t *testing.T) {
	oc, sink := newTestOutputCapture()
	oc.SetCaps(DefaultSessionByteCap, 8)
	oc.OnWrite(1, []byte("this is way more than 8 bytes"))
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	o := events[0].(*event.Output)
	if !o.Truncated || o.Text != "" {
		t.Fatalf("got %+v, want a truncation indicator with no payload", o)
	}
}

func TestOutputCaptureEmitsSingleTruncationEventOnceSessionCapCrossed(t *testing.T) {
	oc, sink := newTestOutputCapture()
	oc.SetCaps(10, 1000)
	oc.OnWrite(1, []byte("12345")) // 5 bytes, under cap
	oc.OnWrite(1, []byte("67890")) // crosses 10-byte cap -> truncation event
	oc.OnWrite(1, []byte("more")) // silently dropped, no further events
	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (one payload + one truncation)", len(events))
	}
	first := events[0].(*event.Output)
	if first.Truncated || first.Text != "12345" {
		t.Fatalf("first event = %+v, want untruncated payload", first)
	}
	second := events[1].(*event.Output)
	if !second.Truncated {
		t.Fatalf("second event = %+v, want truncation indicator", second)
	}
}

func TestOutputCaptureReentrancyGuardDropsNestedWrite(t *testing.T) {
	oc, sink := newTestOutputCapture()
	var nestedCount int
	oc.SetEmit(func(e any) {
		nestedCount++
		if nestedCount == 1 {
			// Simulate the agent's own send() recursing into write(2)
			// while still inside the first OnWrite call.
			oc.OnWrite(1, []byte("nested"))
		}
		sink.emit(e)
	})
	oc.OnWrite(1, []byte("outer"))
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (nested write dropped by re-entrancy guard)", len(events))
	}
}

type fakeCrashProvider struct {
	snap CrashSnapshot
	err  error
}

func (f fakeCrashProvider) CaptureCrash(signal string, faultAddress uint64) (CrashSnapshot, error) {
	return f.snap, f.err
}

func TestCrashHandlerEmitsCrashEventWithSnapshot(t *testing.T) {
	snap := CrashSnapshot{
		Registers: map[string]uint64{"pc": 0x4000},
		Backtrace: []event.BacktraceFrame{{Address: 0x4000, Symbol: "f"}},
	}
	h := NewCrashHandler(idgen.NewEventIDs("S"), nil, fakeCrashProvider{snap: snap})
	h.setSleep(func(time.Duration) {})
	sink := &eventSink{}
	h.SetSession("S")
	h.SetEmit(sink.emit)

	h.OnCrash("SIGSEGV", 0xdead0000)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	crash := events[0].(*event.Crash)
	if crash.Signal != "SIGSEGV" || crash.FaultAddress != 0xdead0000 {
		t.Fatalf("got %+v, unexpected fields", crash)
	}
	if crash.Registers["pc"] != 0x4000 {
		t.Fatalf("registers = %+v, want pc=0x4000", crash.Registers)
	}
}

func TestCrashHandlerToleratesCaptureProviderError(t *testing.T) {
	h := NewCrashHandler(idgen.NewEventIDs("S"), nil, fakeCrashProvider{err: errors.New("ptrace failed")})
	h.setSleep(func(time.Duration) {})
	sink := &eventSink{}
	h.SetSession("S")
	h.SetEmit(sink.emit)

	h.OnCrash("SIGABRT", 0)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (still emits a crash event with empty snapshot)", len(events))
	}
	crash := events[0].(*event.Crash)
	if crash.Signal != "SIGABRT" {
		t.Fatalf("signal = %q, want SIGABRT", crash.Signal)
	}
}
