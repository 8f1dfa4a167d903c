// Package drain implements the periodic ring drain and event assembler
// (C4): it snapshots the ring, reconstructs per-thread call stacks,
// resolves thread names, materializes arguments through the object
// serializer, attaches watch values, and hands the adaptive sampler its
// per-tick fullness reading.
package drain

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
	"github.com/momentics/strobe-agent/platform"
	"github.com/momentics/strobe-agent/ringbuf"
	"github.com/momentics/strobe-agent/sampler"
	"github.com/momentics/strobe-agent/serialize"
)

// discardThreshold bounds per-thread call-stack growth when exits are
// lost; every this many emitted events the stacks are wiped.
const discardThreshold = 50_000

// statsEveryTicks paces sampling_stats emission to roughly once a second
// at the default 10ms drain interval, rather than flooding the transport
// every tick.
const statsEveryTicks = 100

// ArgSpec optionally describes how to interpret a function's two raw
// argument words. A nil field means "encode as hex" for that argument.
type ArgSpec struct {
	Arg0Type *serialize.TypeInfo
	Arg1Type *serialize.TypeInfo
}

// FunctionMeta is what the drainer needs to know about an installed hook
// beyond its func-id, supplied by the `hooks` command at install time.
type FunctionMeta struct {
	FuncID     uint32
	Name       string
	NameRaw    string
	SourceFile string
	Line       int
	Args       ArgSpec
}

// Registry is the func-id -> FunctionMeta lookup the drainer consults
// each entry against; a miss means the function was removed mid-flight
// and the entry is skipped per spec.
type Registry struct {
	mu    sync.RWMutex
	funcs map[uint32]FunctionMeta
}

// NewRegistry builds an empty function metadata registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[uint32]FunctionMeta)}
}

// Set installs or replaces metadata for a func-id.
func (r *Registry) Set(meta FunctionMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[meta.FuncID] = meta
}

// Remove drops metadata for a func-id (call when the hook is removed).
func (r *Registry) Remove(funcID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, funcID)
}

// Lookup returns the metadata for funcID, or ok=false if it has been
// removed or was never registered.
func (r *Registry) Lookup(funcID uint32) (FunctionMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.funcs[funcID]
	return m, ok
}

// ThreadEnumerator resolves a thread id to a name. The drainer caches the
// result on first miss and never invalidates it, per spec: "first miss
// triggers an enumeration; subsequent lookups are O(1)."
type ThreadEnumerator interface {
	ThreadName(threadID uint32) (string, bool)
}

// ExprWatch is an unbounded, evaluated-expression watch (the slow path,
// as opposed to the ring's four fast-path CModule watch slots).
type ExprWatch struct {
	Label     string
	Global    bool
	OnFuncIDs map[uint32]bool
	Eval      func(threadID uint32) (any, error)
}

func (w ExprWatch) matches(funcID uint32) bool {
	return w.Global || w.OnFuncIDs[funcID]
}

type stackFrame struct {
	EventID          string
	Depth            uint32
	EnterTimestampNs uint64
}

// Drainer owns one session's periodic ring drain.
type Drainer struct {
	ring     *ringbuf.Ring
	funcs    *Registry
	threads  ThreadEnumerator
	platform *platform.Adapter
	ids      *idgen.EventIDs
	interval *sampler.IntervalController
	rate     *sampler.RateTracker
	serial   *serialize.Serializer
	tracer   trace.Tracer

	mu                  sync.Mutex
	sessionID           string
	serializationDepth  int
	fastWatchLabels     [ringbuf.MaxWatchSlots]string
	exprWatches         []ExprWatch
	threadNameCache     map[uint32]string
	stacks              map[uint32][]stackFrame
	emittedSinceDiscard int
	tickCount           int
}

// New builds a drainer. tracer may be a no-op tracer if OTel export isn't
// configured; spans are always created so the internal pipeline is
// uniformly observable (see SPEC_FULL ambient stack).
func New(
	ring *ringbuf.Ring,
	funcs *Registry,
	threads ThreadEnumerator,
	plat *platform.Adapter,
	ids *idgen.EventIDs,
	interval *sampler.IntervalController,
	rate *sampler.RateTracker,
	serial *serialize.Serializer,
	tracer trace.Tracer,
) *Drainer {
	return &Drainer{
		ring:            ring,
		funcs:           funcs,
		threads:         threads,
		platform:        plat,
		ids:             ids,
		interval:        interval,
		rate:            rate,
		serial:          serial,
		tracer:          tracer,
		threadNameCache: make(map[uint32]string),
		stacks:          make(map[uint32][]stackFrame),
	}
}

// SetSession sets (or clears, with "") the active session id. Drain ticks
// are a no-op while no session is set.
func (d *Drainer) SetSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionID = sessionID
}

// SetSerializationDepth controls whether arguments are materialized via
// the object serializer (depth >= 1) or hex-encoded raw words (depth < 1).
func (d *Drainer) SetSerializationDepth(depth int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serializationDepth = depth
}

// SetFastWatchLabels names the four ring fast-path watch slots so drained
// entries can attribute watch values to labels.
func (d *Drainer) SetFastWatchLabels(labels [ringbuf.MaxWatchSlots]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fastWatchLabels = labels
}

// SetExprWatches replaces the slow-path evaluated-expression watch set.
func (d *Drainer) SetExprWatches(watches []ExprWatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exprWatches = watches
}

// Tick runs one drain cycle and returns the assembled events in slot
// order. Returns nil immediately if no session is set.
func (d *Drainer) Tick(ctx context.Context) []any {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	_, span := d.tracer.Start(ctx, "drain.tick")
	defer span.End()

	d.maybeDiscardStacks()

	res := d.ring.Drain()
	events := make([]any, 0, len(res.Entries))
	for _, e := range res.Entries {
		events = append(events, d.processEntry(e, sessionID)...)
	}

	newInterval := d.interval.Observe(uint32(len(res.Entries)), ringbuf.Capacity)
	d.ring.SetSampleInterval(newInterval)

	d.tickCount++
	if d.tickCount >= statsEveryTicks {
		d.tickCount = 0
		events = append(events, &event.SamplingStats{
			ID:              d.ids.Next(),
			SessionID:       sessionID,
			OverflowCount:   d.ring.OverflowCount(),
			SampleInterval:  newInterval,
			DrainedLastTick: len(res.Entries),
		})
	}

	return events
}

func (d *Drainer) maybeDiscardStacks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.emittedSinceDiscard >= discardThreshold {
		d.stacks = make(map[uint32][]stackFrame)
		d.emittedSinceDiscard = 0
	}
}

// processEntry feeds the rate tracker unconditionally (ShouldDrop's drop
// decisions only mean anything once Record has observed enough traffic to
// flip samplingOn), then assembles zero or more events: a
// sampling_state_change on a hot/cold transition, plus the enter/exit event
// itself unless the function was removed mid-flight or the rate tracker
// says to drop it.
func (d *Drainer) processEntry(e ringbuf.Entry, sessionID string) []any {
	var out []any

	tsNs := d.platform.TicksToNanoseconds(e.Timestamp)
	if transitioned, samplingOn := d.rate.Record(e.FuncID); transitioned {
		out = append(out, &event.SamplingStateChange{
			ID:          d.ids.Next(),
			SessionID:   sessionID,
			FuncID:      e.FuncID,
			SamplingOn:  samplingOn,
			TimestampNs: tsNs,
		})
	}

	meta, ok := d.funcs.Lookup(e.FuncID)
	if !ok {
		return out
	}
	if d.rate.ShouldDrop(e.FuncID) {
		return out
	}

	threadName := d.resolveThreadName(e.ThreadID)
	if e.EventType == ringbuf.EventTypeExit {
		return append(out, d.emitExit(e, meta, sessionID, threadName, tsNs))
	}
	return append(out, d.emitEnter(e, meta, sessionID, threadName, tsNs))
}

func (d *Drainer) resolveThreadName(threadID uint32) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.threadNameCache[threadID]; ok {
		return name
	}
	name, _ := d.threads.ThreadName(threadID)
	d.threadNameCache[threadID] = name
	return name
}

func (d *Drainer) emitEnter(e ringbuf.Entry, meta FunctionMeta, sessionID, threadName string, tsNs uint64) *event.FunctionEnter {
	d.mu.Lock()
	stack := d.stacks[e.ThreadID]
	for len(stack) > 0 && stack[len(stack)-1].Depth >= e.Depth {
		stack = stack[:len(stack)-1]
	}
	var parentID string
	if len(stack) > 0 {
		parentID = stack[len(stack)-1].EventID
	}
	id := d.ids.Next()
	stack = append(stack, stackFrame{EventID: id, Depth: e.Depth, EnterTimestampNs: tsNs})
	d.stacks[e.ThreadID] = stack
	d.emittedSinceDiscard++
	d.mu.Unlock()

	return &event.FunctionEnter{
		ID:              id,
		SessionID:       sessionID,
		TimestampNs:     tsNs,
		ThreadID:        e.ThreadID,
		ThreadName:      threadName,
		ParentEventID:   parentID,
		FunctionName:    meta.Name,
		FunctionNameRaw: meta.NameRaw,
		SourceFile:      meta.SourceFile,
		Line:            meta.Line,
		Arguments:       d.encodeArgs(meta, e),
		Sampled:         e.Sampled != 0,
		WatchValues:     d.matchWatches(e),
	}
}

func (d *Drainer) emitExit(e ringbuf.Entry, meta FunctionMeta, sessionID, threadName string, tsNs uint64) *event.FunctionExit {
	d.mu.Lock()
	stack := d.stacks[e.ThreadID]
	var parentID string
	var duration *uint64
	if len(stack) > 0 && stack[len(stack)-1].Depth == e.Depth {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parentID = top.EventID
		dur := tsNs - top.EnterTimestampNs
		duration = &dur
	}
	d.stacks[e.ThreadID] = stack
	d.emittedSinceDiscard++
	d.mu.Unlock()

	id := d.ids.Next()
	return &event.FunctionExit{
		ID:              id,
		SessionID:       sessionID,
		TimestampNs:     tsNs,
		ThreadID:        e.ThreadID,
		ThreadName:      threadName,
		ParentEventID:   parentID,
		FunctionName:    meta.Name,
		FunctionNameRaw: meta.NameRaw,
		ReturnValue:     hexU64(e.Retval),
		DurationNs:      duration,
		Sampled:         e.Sampled != 0,
		WatchValues:     d.matchWatches(e),
	}
}

func (d *Drainer) encodeArgs(meta FunctionMeta, e ringbuf.Entry) []any {
	d.mu.Lock()
	depth := d.serializationDepth
	d.mu.Unlock()

	if depth < 1 {
		return []any{hexU64(e.Arg0), hexU64(e.Arg1)}
	}
	return []any{
		d.encodeArg(meta.Args.Arg0Type, e.Arg0),
		d.encodeArg(meta.Args.Arg1Type, e.Arg1),
	}
}

func (d *Drainer) encodeArg(t *serialize.TypeInfo, word uint64) any {
	if t == nil {
		return hexU64(word)
	}
	switch t.Kind {
	case serialize.KindInt, serialize.KindUint, serialize.KindFloat:
		return serialize.ScalarFromWord(word, t)
	default:
		return d.serial.Serialize(word, t)
	}
}

func (d *Drainer) matchWatches(e ringbuf.Entry) map[string]any {
	d.mu.Lock()
	labels := d.fastWatchLabels
	exprWatches := d.exprWatches
	d.mu.Unlock()

	var out map[string]any
	for i := 0; i < int(e.WatchEntryCount) && i < len(labels); i++ {
		if labels[i] == "" {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[labels[i]] = e.Watch[i]
	}
	for _, w := range exprWatches {
		if !w.matches(e.FuncID) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		val, err := w.Eval(e.ThreadID)
		if err != nil {
			out[w.Label] = "<error>"
		} else {
			out[w.Label] = val
		}
	}
	return out
}

func hexU64(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
