// Package tracer implements the interpreted-runtime tracers (C10): a
// uniform contract three different hook-installation strategies satisfy,
// plus the small in-agent event queue they flush on a timer instead of
// going through the native ring buffer.
package tracer

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/strobe-agent/event"
)

// flushInterval is how often Queue flushes to its sink, per spec.
const flushInterval = 50 * time.Millisecond

// HookTarget names an interpreted function to trace by source location,
// since interpreted runtimes have no stable address to hook.
type HookTarget struct {
	FunctionName string
	SourceFile   string
}

// FrameInfo is what an interpreted tracer's callback sees when a traced
// function is entered/exited or a breakpoint/logpoint fires.
type FrameInfo struct {
	ThreadID     uint32
	FunctionName string
	SourceFile   string
	Line         int
	Args         map[string]any
	Locals       map[string]any
	Globals      map[string]any
}

// BreakpointTarget binds a breakpoint/logpoint by file/line, mirroring
// breakpoint.Spec's binding but without a native address.
type BreakpointTarget struct {
	ID        string
	SourceFile string
	Line      int
	HitGate   uint64
	Predicate func(FrameInfo) (bool, error)
	Template  string // logpoints only
}

// StepTarget is a one-shot step target: the daemon supplies the landing
// file/line directly, since interpreted stepping has no return-address
// slide to undo.
type StepTarget struct {
	ThreadID     uint32
	SourceFile   string
	Line         int
}

// Contract is the uniform shape all three interpreted tracers implement.
type Contract interface {
	InstallHook(target HookTarget) (id string, err error)
	RemoveHook(id string) error
	ListHooks() []string

	InstallBreakpoint(target BreakpointTarget) error
	RemoveBreakpoint(id string) error
	InstallLogpoint(target BreakpointTarget) error
	RemoveLogpoint(id string) error
	InstallStep(target StepTarget) error

	ReadVariable(expr string, threadID uint32) (any, error)
	WriteVariable(expr string, value any, threadID uint32) error

	Capabilities() event.Capabilities
}

// Queue buffers assembled events in a FIFO (github.com/eapache/queue)
// and flushes
// them to emit on a fixed interval, matching the batched-adaptive-backoff
// event loop's "drain on a timer" shape, simplified to a fixed interval
// since interpreted tracers do not need the backoff ramp a hot native
// ring does.
type Queue struct {
	mu   sync.Mutex
	buf  *queue.Queue
	emit func(any)

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewQueue builds a flush queue bound to emit.
func NewQueue(emit func(any)) *Queue {
	return &Queue{
		buf:  queue.New(),
		emit: emit,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Push enqueues an event for the next flush.
func (q *Queue) Push(e any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf.Add(e)
}

// SetEmit replaces the flush sink.
func (q *Queue) SetEmit(emit func(any)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emit = emit
}

// Run flushes the queue every flushInterval until Stop is called. Run
// must be started once, on the agent's dedicated thread.
func (q *Queue) Run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			q.flush()
			return
		case <-ticker.C:
			q.flush()
		}
	}
}

func (q *Queue) flush() {
	q.mu.Lock()
	pending := make([]any, 0, q.buf.Length())
	for q.buf.Length() > 0 {
		pending = append(pending, q.buf.Peek())
		q.buf.Remove()
	}
	emit := q.emit
	q.mu.Unlock()
	if emit == nil {
		return
	}
	for _, e := range pending {
		emit(e)
	}
}

// Stop signals Run to flush and exit, and waits for it to finish.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}
