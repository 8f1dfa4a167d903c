// Package breakpoint implements breakpoints, logpoints, and one-shot step
// hooks (C8): hit-count gating, predicate evaluation, backtrace capture,
// per-fire thread suspension, and logpoint message templating.
package breakpoint

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// Kind distinguishes a suspending breakpoint from a non-suspending
// logpoint; both share the same binding, hit-gate, and predicate
// machinery.
type Kind int

const (
	KindBreakpoint Kind = iota
	KindLogpoint
)

// maxLocalsAndArgs bounds the combined args+locals map per spec.
const maxLocalsAndArgs = 16

// Predicate evaluates a breakpoint/logpoint's condition in the host's
// expression environment. A native tracer's environment is limited
// (registers, DWARF-described slots); an interpreted tracer's is the full
// frame locals/globals.
type Predicate func(EvalContext) (bool, error)

// EvalContext is what a predicate or log template sees at fire time.
type EvalContext struct {
	ThreadID uint32
	Args     map[string]any
	Locals   map[string]any
	Globals  map[string]any
}

// Capture is the backtrace/frame-memory/argument snapshot a tracer
// produces when a breakpoint fires.
type Capture struct {
	Frames      []event.BacktraceFrame
	FrameMemory []byte
	FrameBase   uint64
	Args        map[string]any
	Locals      map[string]any
}

// CaptureProvider captures the small-N-frame backtrace, the ±512/+128
// byte frame memory window, and up to 16 arguments+locals for a firing
// breakpoint. Native and interpreted tracers each implement this
// differently (registers+DWARF vs. frame objects); breakpoint/ only
// consumes this narrow contract.
type CaptureProvider interface {
	Capture(threadID uint32) (Capture, error)
}

// Spec describes one installed breakpoint or logpoint.
type Spec struct {
	ID       string
	Kind     Kind
	Address  uint64
	File     string
	Line     int
	Function string

	// HitGate: the fire is ignored until the HitGate-th occurrence. 0 and
	// 1 both mean "fire on the first hit."
	HitGate uint64

	Predicate Predicate

	// Template is the logpoint message template; ignored for breakpoints.
	Template string
}

type fireState struct {
	spec Spec
	mu   sync.Mutex
	hits uint64
}

// Registry holds installed breakpoint/logpoint specs by id.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*fireState
}

// NewRegistry builds an empty breakpoint/logpoint registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*fireState)}
}

// Install registers (or replaces) a spec.
func (r *Registry) Install(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = &fireState{spec: spec}
}

// Remove drops a spec; further fires for its id are no-ops.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, id)
}

func (r *Registry) lookup(id string) (*fireState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

// suspension is a one-shot, per-fire thread gate: the firing thread waits
// on Wait until Resume is called (from the daemon's resume command) or
// its context is cancelled.
type suspension struct {
	once sync.Once
	done chan struct{}
}

func newSuspension() *suspension {
	return &suspension{done: make(chan struct{})}
}

func (s *suspension) Resume() {
	s.once.Do(func() { close(s.done) })
}

// Wait blocks until Resume is called or ctx is done. Callers embedding an
// interpreter must release that interpreter's global lock before calling
// Wait so other threads keep running while this one is suspended.
func (s *suspension) Wait(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// Handle is returned to the caller of Fire for a breakpoint (not a
// logpoint, which never suspends). The caller waits on it after Fire
// returns; the daemon resumes it by PauseEventID via Service.Resume.
type Handle struct {
	PauseEventID string
	susp         *suspension
}

// Wait blocks the firing thread until resumed.
func (h *Handle) Wait(ctx context.Context) {
	h.susp.Wait(ctx)
}

// Service fires breakpoints/logpoints, resolves their eval context via a
// resolver callback, and tracks pending suspensions by pause event id.
type Service struct {
	registry *Registry
	capture  CaptureProvider
	ids      *idgen.EventIDs
	resolver func(threadID uint32, spec Spec) EvalContext

	mu        sync.Mutex
	sessionID string
	emit      func(any)
	pending   map[string]*suspension
}

// New builds a breakpoint/logpoint firing service. resolver may be nil,
// in which case predicates/templates only see ThreadID.
func New(registry *Registry, capture CaptureProvider, ids *idgen.EventIDs, resolver func(uint32, Spec) EvalContext) *Service {
	return &Service{
		registry: registry,
		capture:  capture,
		ids:      ids,
		resolver: resolver,
		pending:  make(map[string]*suspension),
	}
}

// SetSession sets the session id stamped on emitted events.
func (s *Service) SetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
}

// SetEmit installs the event sink. Fire is a no-op for emission until
// this is set.
func (s *Service) SetEmit(emit func(any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
}

func (s *Service) emitEvent(e any) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(e)
	}
}

func (s *Service) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Fire runs one breakpoint/logpoint occurrence: hit-count gate, predicate
// evaluation, capture, and event emission. For a breakpoint that should
// suspend, it returns a non-nil *Handle the caller must Wait on; for a
// logpoint, a gated-out fire, or a predicate that evaluated false, it
// returns nil (no suspension needed).
func (s *Service) Fire(id string, threadID uint32) *Handle {
	st, ok := s.registry.lookup(id)
	if !ok {
		return nil
	}

	st.mu.Lock()
	st.hits++
	hit := st.hits
	st.mu.Unlock()
	if hit < max64(st.spec.HitGate, 1) {
		return nil
	}

	evalCtx := EvalContext{ThreadID: threadID}
	if s.resolver != nil {
		evalCtx = s.resolver(threadID, st.spec)
	}

	if st.spec.Predicate != nil {
		pass, err := st.spec.Predicate(evalCtx)
		if err != nil {
			s.emitEvent(&event.ConditionError{
				ID:           s.ids.Next(),
				SessionID:    s.session(),
				BreakpointID: id,
				Error:        err.Error(),
			})
			return nil
		}
		if !pass {
			return nil
		}
	}

	cap, err := s.capture.Capture(threadID)
	if err != nil {
		cap = Capture{}
	}
	locals := mergeContext(evalCtx, cap)

	if st.spec.Kind == KindLogpoint {
		s.emitEvent(&event.Logpoint{
			ID:        s.ids.Next(),
			SessionID: s.session(),
			Message:   renderTemplate(st.spec.Template, locals),
			Line:      st.spec.Line,
		})
		return nil
	}

	pauseID := s.ids.Next()
	s.emitEvent(&event.Pause{
		ID:           pauseID,
		SessionID:    s.session(),
		BreakpointID: id,
		ThreadID:     threadID,
		Address:      st.spec.Address,
		File:         st.spec.File,
		Line:         st.spec.Line,
		Function:     st.spec.Function,
		Backtrace:    cap.Frames,
		Locals:       locals,
	})

	susp := newSuspension()
	s.mu.Lock()
	s.pending[pauseID] = susp
	s.mu.Unlock()
	return &Handle{PauseEventID: pauseID, susp: susp}
}

// Resume releases the thread suspended on pauseEventID, if still pending.
func (s *Service) Resume(pauseEventID string) {
	s.mu.Lock()
	susp, ok := s.pending[pauseEventID]
	if ok {
		delete(s.pending, pauseEventID)
	}
	s.mu.Unlock()
	if ok {
		susp.Resume()
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// mergeContext combines capture args/locals and resolver args/locals into
// one map, capped at 16 entries (capture takes priority, since it's the
// tracer's direct frame read).
func mergeContext(ctx EvalContext, cap Capture) map[string]any {
	out := make(map[string]any, maxLocalsAndArgs)
	count := 0
	add := func(m map[string]any) {
		for k, v := range m {
			if count >= maxLocalsAndArgs {
				return
			}
			if _, exists := out[k]; exists {
				continue
			}
			out[k] = v
			count++
		}
	}
	add(cap.Args)
	add(cap.Locals)
	add(ctx.Args)
	add(ctx.Locals)
	return out
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// renderTemplate substitutes `{name}` placeholders from data, escaping
// quotes and backslashes in the substituted value. Keys containing "__",
// ".", or "[" are left as literal, unsubstituted text, to prevent
// attribute-traversal lookups from a logpoint message template.
func renderTemplate(tmpl string, data map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := match[1 : len(match)-1]
		if strings.Contains(key, "__") || strings.Contains(key, ".") || strings.Contains(key, "[") {
			return match
		}
		val, ok := data[key]
		if !ok {
			return match
		}
		rendered := fmt.Sprint(val)
		rendered = strings.ReplaceAll(rendered, `\`, `\\`)
		rendered = strings.ReplaceAll(rendered, `"`, `\"`)
		return rendered
	})
}
