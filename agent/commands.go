package agent

import (
	"github.com/momentics/strobe-agent/agenterr"
	"github.com/momentics/strobe-agent/breakpoint"
	"github.com/momentics/strobe-agent/drain"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
	"github.com/momentics/strobe-agent/memio"
	"github.com/momentics/strobe-agent/nativehook"
	"github.com/momentics/strobe-agent/ringbuf"
	"github.com/momentics/strobe-agent/tracer"
)

// sessionSetter is satisfied by every session-scoped component (drainer,
// breakpoint/step services, output/crash capture, each tracer); handled
// once generically by setSessionAcrossComponents, which handleInitialize
// calls instead of repeating one SetSession call per component.
type sessionSetter interface {
	SetSession(sessionID string)
}

func (a *Agent) setSessionAcrossComponents(sessionID string) {
	setters := []sessionSetter{a.drainer, a.output, a.crash}
	if a.bp != nil {
		setters = append(setters, a.bp)
	}
	if a.steps != nil {
		setters = append(setters, a.steps)
	}
	for _, tr := range []tracer.Contract{a.python, a.jsEngineA, a.jsEngineB} {
		if s, ok := tr.(sessionSetter); ok {
			setters = append(setters, s)
		}
	}
	for _, s := range setters {
		s.SetSession(sessionID)
	}
}

// --- initialize ---

type initializeRequest struct {
	SessionID string `json:"sessionId"`
}

func (a *Agent) handleInitialize(raw []byte) {
	var req initializeRequest
	if err := decodeJSON(raw, &req); err != nil || req.SessionID == "" {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "initialize: sessionId is required")
		return
	}

	a.sessions.Start(req.SessionID)
	a.ids.SetSession(req.SessionID)
	a.setSessionAcrossComponents(req.SessionID)
	a.metrics.Set("agent.session_id", req.SessionID)

	a.emit(&event.Initialized{ID: a.ids.Next(), SessionID: req.SessionID})
}

// --- hooks ---

type functionSpec struct {
	Address    uint64 `json:"address"`
	Name       string `json:"name"`
	NameRaw    string `json:"nameRaw,omitempty"`
	SourceFile string `json:"sourceFile,omitempty"`
	Line       int    `json:"line,omitempty"`
	NoSlide    bool   `json:"noSlide,omitempty"`
}

type targetSpec struct {
	Runtime    string `json:"runtime"` // "python" | "jsEngineA" | "jsEngineB"
	SourceFile string `json:"sourceFile"`
	Line       int    `json:"line"`
	Name       string `json:"name"`
}

type hooksRequest struct {
	Action             string         `json:"action"`
	Functions          []functionSpec `json:"functions,omitempty"`
	Targets            []targetSpec   `json:"targets,omitempty"`
	Addresses          []uint64       `json:"addresses,omitempty"`
	RemoveTargets      []targetSpec   `json:"removeTargets,omitempty"`
	ImageBase          *uint64        `json:"imageBase,omitempty"`
	Mode               string         `json:"mode,omitempty"`
	SerializationDepth *int           `json:"serializationDepth,omitempty"`
}

func (a *Agent) interpretedTracer(runtime string) tracer.Contract {
	switch runtime {
	case "python":
		return a.python
	case "jsEngineA":
		return a.jsEngineA
	case "jsEngineB":
		return a.jsEngineB
	default:
		return nil
	}
}

func (a *Agent) handleHooks(raw []byte) {
	var req hooksRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "hooks: malformed request")
		return
	}
	if req.ImageBase != nil {
		a.applySlide(*req.ImageBase)
	}
	if req.SerializationDepth != nil {
		// Routed through the config store (not the drainer directly) so
		// the change fans out through the same hot-reload path a live
		// config push would take.
		a.config.SetConfig(map[string]any{"agent.serialization_depth": *req.SerializationDepth})
	}

	upd := &event.HooksUpdated{ID: a.ids.Next(), SessionID: a.sessions.ID()}

	switch req.Action {
	case "add":
		mode := nativehook.ModeFull
		if req.Mode == "light" {
			mode = nativehook.ModeLight
		}
		for _, f := range req.Functions {
			if a.native == nil {
				upd.Dropped = append(upd.Dropped, f.Name)
				continue
			}
			funcID, err := a.native.InstallHook(nativehook.Target{Address: f.Address, Name: f.Name, NoSlide: f.NoSlide}, mode)
			if err != nil {
				upd.Dropped = append(upd.Dropped, f.Name)
				continue
			}
			a.funcs.Set(drain.FunctionMeta{FuncID: funcID, Name: f.Name, NameRaw: f.NameRaw, SourceFile: f.SourceFile, Line: f.Line})
			a.nativeFuncByAddr.Store(f.Address, funcID)
			upd.Installed = append(upd.Installed, funcID)
		}
		for _, t := range req.Targets {
			tr := a.interpretedTracer(t.Runtime)
			if tr == nil {
				upd.Dropped = append(upd.Dropped, t.Name)
				continue
			}
			id, err := tr.InstallHook(tracer.HookTarget{FunctionName: t.Name, SourceFile: t.SourceFile})
			if err != nil {
				upd.Dropped = append(upd.Dropped, t.Name)
				continue
			}
			upd.InstalledHookIDs = append(upd.InstalledHookIDs, id)
		}
	case "remove":
		for _, addr := range req.Addresses {
			if a.native == nil {
				continue
			}
			if err := a.native.RemoveHook(addr); err == nil {
				if funcID, ok := a.nativeFuncByAddr.LoadAndDelete(addr); ok {
					a.funcs.Remove(funcID.(uint32))
					upd.Removed = append(upd.Removed, funcID.(uint32))
				}
			}
		}
		for _, t := range req.RemoveTargets {
			tr := a.interpretedTracer(t.Runtime)
			if tr == nil {
				continue
			}
			if err := tr.RemoveHook(t.Name); err == nil {
				upd.RemovedHookIDs = append(upd.RemovedHookIDs, t.Name)
			}
		}
	default:
		a.respondErrorCommand(agenterr.CodeConfigViolation, "hooks: action must be add or remove")
		return
	}

	a.metrics.Set("agent.hooks.count", len(upd.Installed)+len(upd.InstalledHookIDs))
	a.emit(upd)
}

// applySlide propagates a daemon-reported ASLR slide to every
// slide-aware component: the native hook engine, the memory service, and
// the native step controller.
func (a *Agent) applySlide(slide uint64) {
	if a.native != nil {
		a.native.SetSlide(slide)
	}
	a.mem.SetSlide(slide)
	if a.steps != nil {
		a.steps.SetSlide(slide)
	}
}

// --- watches ---

type watchSlotSpec struct {
	Label       string `json:"label"`
	Addr        uint64 `json:"addr"`
	Size        uint8  `json:"size"`
	DerefDepth  uint8  `json:"derefDepth"`
	DerefOffset uint64 `json:"derefOffset"`
}

type exprWatchSpec struct {
	Label   string   `json:"label"`
	Global  bool     `json:"global"`
	FuncIDs []uint32 `json:"funcIds,omitempty"`
	Runtime string   `json:"runtime"`
	Expr    string   `json:"expr"`
}

type watchesRequest struct {
	Watches     []watchSlotSpec `json:"watches"`
	ExprWatches []exprWatchSpec `json:"exprWatches,omitempty"`
}

func validWatchSize(size uint8) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func (a *Agent) handleWatches(raw []byte) {
	var req watchesRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "watches: malformed request")
		return
	}
	if len(req.Watches) > ringbuf.MaxWatchSlots {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "watches: at most 4 fast-path watches are allowed")
		return
	}
	for _, w := range req.Watches {
		if !validWatchSize(w.Size) || w.DerefDepth > 1 {
			a.respondErrorCommand(agenterr.CodeConfigViolation, "watches: size must be in {1,2,4,8} and derefDepth in {0,1}")
			return
		}
	}

	slots := make([]ringbuf.WatchSlot, len(req.Watches))
	var labels [ringbuf.MaxWatchSlots]string
	for i, w := range req.Watches {
		slots[i] = ringbuf.WatchSlot{Addr: w.Addr, Size: w.Size, DerefDepth: w.DerefDepth, DerefOffset: w.DerefOffset}
		labels[i] = w.Label
	}
	a.ring.SetWatches(slots)
	a.drainer.SetFastWatchLabels(labels)

	exprs := make([]drain.ExprWatch, 0, len(req.ExprWatches))
	allLabels := make([]string, 0, len(req.Watches)+len(req.ExprWatches))
	for _, w := range req.Watches {
		allLabels = append(allLabels, w.Label)
	}
	for _, w := range req.ExprWatches {
		w := w
		funcIDs := make(map[uint32]bool, len(w.FuncIDs))
		for _, id := range w.FuncIDs {
			funcIDs[id] = true
		}
		tr := a.interpretedTracer(w.Runtime)
		exprs = append(exprs, drain.ExprWatch{
			Label:     w.Label,
			Global:    w.Global,
			OnFuncIDs: funcIDs,
			Eval: func(threadID uint32) (any, error) {
				if tr == nil {
					return nil, agenterr.New(agenterr.CodeConfigViolation, "expr watch: unknown runtime "+w.Runtime)
				}
				return tr.ReadVariable(w.Expr, threadID)
			},
		})
		allLabels = append(allLabels, w.Label)
	}
	a.drainer.SetExprWatches(exprs)

	a.emit(&event.WatchesUpdated{ID: a.ids.Next(), SessionID: a.sessions.ID(), Labels: allLabels})
}

// --- read_memory / write_memory ---

type recipeSpec struct {
	Label       string       `json:"label"`
	Address     uint64       `json:"address"`
	Size        int          `json:"size"`
	Kind        string       `json:"kind"`
	DerefDepth  int          `json:"derefDepth"`
	DerefOffset uint64       `json:"derefOffset"`
	NoSlide     bool         `json:"noSlide"`
	Struct      bool         `json:"struct"`
	Fields      []recipeSpec `json:"fields,omitempty"`
	Value       uint64       `json:"value,omitempty"`
	RawBytes    []byte       `json:"rawBytes,omitempty"`
}

func toRecipe(r recipeSpec) memio.Recipe {
	fields := make([]memio.Recipe, len(r.Fields))
	for i, f := range r.Fields {
		fields[i] = toRecipe(f)
	}
	return memio.Recipe{
		Label:       r.Label,
		Address:     r.Address,
		Size:        r.Size,
		Kind:        memio.TypeKind(r.Kind),
		DerefDepth:  r.DerefDepth,
		DerefOffset: r.DerefOffset,
		NoSlide:     r.NoSlide,
		Struct:      r.Struct,
		Fields:      fields,
	}
}

func toResultMap(r memio.Result) map[string]any {
	out := map[string]any{"label": r.Label}
	if r.Error != "" {
		out["error"] = r.Error
		return out
	}
	if r.Fields != nil {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = toResultMap(v)
		}
		out["fields"] = fields
		return out
	}
	out["value"] = r.Value
	if r.IsBytes {
		out["is_bytes"] = true
	}
	return out
}

type pollSpec struct {
	Label      string `json:"label"`
	IntervalMs int    `json:"intervalMs"`
	DurationMs int    `json:"durationMs"`
}

type readMemoryRequest struct {
	Recipes   []recipeSpec `json:"recipes"`
	ImageBase *uint64      `json:"imageBase,omitempty"`
	Poll      *pollSpec    `json:"poll,omitempty"`
}

func (a *Agent) handleReadMemory(raw []byte) {
	var req readMemoryRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "read_memory: malformed request")
		return
	}
	if req.ImageBase != nil {
		a.applySlide(*req.ImageBase)
	}

	recipes := make([]memio.Recipe, len(req.Recipes))
	for i, r := range req.Recipes {
		recipes[i] = toRecipe(r)
	}

	if req.Poll != nil {
		cfg := memio.PollConfig{IntervalMs: req.Poll.IntervalMs, DurationMs: req.Poll.DurationMs}
		if err := a.mem.StartPoll(a.sessions.Context(), req.Poll.Label, recipes, cfg, a.sessions.ID(), a.ids, a.emit); err != nil {
			a.respondErrorCommand(agenterr.CodeConfigViolation, err.Error())
		}
		return
	}

	results := a.mem.Read(recipes)
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = toResultMap(r)
	}
	a.emit(&event.ReadResponse{ID: a.ids.Next(), SessionID: a.sessions.ID(), Results: out})
}

type writeMemoryRequest struct {
	Recipes   []recipeSpec `json:"recipes"`
	ImageBase *uint64      `json:"imageBase,omitempty"`
}

func (a *Agent) handleWriteMemory(raw []byte) {
	var req writeMemoryRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "write_memory: malformed request")
		return
	}
	if req.ImageBase != nil {
		a.applySlide(*req.ImageBase)
	}

	recipes := make([]memio.WriteRecipe, len(req.Recipes))
	for i, r := range req.Recipes {
		recipes[i] = memio.WriteRecipe{Recipe: toRecipe(r), Value: r.Value, RawBytes: r.RawBytes}
	}
	results := a.mem.Write(recipes)
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = toResultMap(r)
	}
	a.emit(&event.ReadResponse{ID: a.ids.Next(), SessionID: a.sessions.ID(), Results: out})
}

// --- breakpoints / logpoints ---

type breakpointSpec struct {
	ID         string `json:"id,omitempty"`
	Runtime    string `json:"runtime,omitempty"` // absent/"native" => native address breakpoint
	Address    uint64 `json:"address,omitempty"`
	SourceFile string `json:"sourceFile,omitempty"`
	Line       int    `json:"line,omitempty"`
	Function   string `json:"function,omitempty"`
	HitGate    uint64 `json:"hitGate,omitempty"`
	Template   string `json:"template,omitempty"` // logpoints only
}

type breakpointsRequest struct {
	Add    []breakpointSpec `json:"add,omitempty"`
	Remove []string         `json:"remove,omitempty"`
}

func isNative(runtime string) bool { return runtime == "" || runtime == "native" }

func (a *Agent) installNativeConditional(spec breakpointSpec, kind breakpoint.Kind) (string, error) {
	if a.deps.NativeBreakpoints == nil {
		return "", agenterr.New(agenterr.CodeFrameworkHookReject, "breakpoints: no native breakpoint host configured")
	}
	id := spec.ID
	if id == "" {
		id = idgen.NewOpaqueID()
	}
	bpSpec := breakpoint.Spec{
		ID:       id,
		Kind:     kind,
		Address:  spec.Address,
		File:     spec.SourceFile,
		Line:     spec.Line,
		Function: spec.Function,
		HitGate:  spec.HitGate,
		Template: spec.Template,
	}
	a.bpReg.Install(bpSpec)
	detach, err := a.deps.NativeBreakpoints.Attach(spec.Address, func(threadID uint32) {
		h := a.bp.Fire(id, threadID)
		if h != nil {
			a.pauseByThread.Store(threadID, h.PauseEventID)
			h.Wait(a.sessions.Context())
		}
	})
	if err != nil {
		a.bpReg.Remove(id)
		return "", agenterr.New(agenterr.CodeFrameworkHookReject, "breakpoints: framework rejected address")
	}
	a.nativeBpDetach.Store(id, detach)
	return id, nil
}

func (a *Agent) removeNativeConditional(id string) {
	a.bpReg.Remove(id)
	if d, ok := a.nativeBpDetach.LoadAndDelete(id); ok {
		_ = d.(func() error)()
	}
}

func (a *Agent) handleConditional(raw []byte, kind breakpoint.Kind, eventType string) {
	var req breakpointsRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, eventType+": malformed request")
		return
	}

	for _, spec := range req.Add {
		if isNative(spec.Runtime) {
			if _, err := a.installNativeConditional(spec, kind); err != nil {
				a.log.Printf("%s", err.Error())
			}
			continue
		}
		tr := a.interpretedTracer(spec.Runtime)
		if tr == nil {
			a.log.Printf("%s: unknown runtime %q", eventType, spec.Runtime)
			continue
		}
		target := tracer.BreakpointTarget{ID: spec.ID, SourceFile: spec.SourceFile, Line: spec.Line, HitGate: spec.HitGate, Template: spec.Template}
		var err error
		if kind == breakpoint.KindLogpoint {
			err = tr.InstallLogpoint(target)
		} else {
			err = tr.InstallBreakpoint(target)
		}
		if err != nil {
			a.log.Printf("%s: %v", eventType, err)
		}
	}

	for _, id := range req.Remove {
		a.removeNativeConditional(id)
		for _, tr := range []tracer.Contract{a.python, a.jsEngineA, a.jsEngineB} {
			if tr == nil {
				continue
			}
			if kind == breakpoint.KindLogpoint {
				_ = tr.RemoveLogpoint(id)
			} else {
				_ = tr.RemoveBreakpoint(id)
			}
		}
	}
}

func (a *Agent) handleBreakpoints(raw []byte) { a.handleConditional(raw, breakpoint.KindBreakpoint, "breakpoints") }
func (a *Agent) handleLogpoints(raw []byte)   { a.handleConditional(raw, breakpoint.KindLogpoint, "logpoints") }

// --- step ---

type stepTargetSpec struct {
	Runtime       string `json:"runtime,omitempty"`
	Address       uint64 `json:"address,omitempty"`
	SourceFile    string `json:"sourceFile,omitempty"`
	Line          int    `json:"line,omitempty"`
	Function      string `json:"function,omitempty"`
	SubtractSlide bool   `json:"subtractSlide,omitempty"`
}

type stepRequest struct {
	ThreadID uint32           `json:"threadId"`
	OneShot  []stepTargetSpec `json:"oneShot"`
}

func (a *Agent) handleStep(raw []byte) {
	var req stepRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "step: malformed request")
		return
	}
	for _, t := range req.OneShot {
		if isNative(t.Runtime) {
			if a.steps == nil {
				a.log.Printf("step: no native step controller configured")
				continue
			}
			landing := breakpoint.Landing{File: t.SourceFile, Line: t.Line, Function: t.Function, SubtractSlide: t.SubtractSlide}
			if err := a.steps.InstallStep(t.Address, req.ThreadID, landing); err != nil {
				a.log.Printf("step: %v", err)
			}
			continue
		}
		tr := a.interpretedTracer(t.Runtime)
		if tr == nil {
			a.log.Printf("step: unknown runtime %q", t.Runtime)
			continue
		}
		if err := tr.InstallStep(tracer.StepTarget{ThreadID: req.ThreadID, SourceFile: t.SourceFile, Line: t.Line}); err != nil {
			a.log.Printf("step: %v", err)
		}
	}
}

// --- resume ---

type resumeRequest struct {
	ThreadID uint32 `json:"threadId"`
	Action   string `json:"action"`
}

func (a *Agent) handleResume(raw []byte) {
	var req resumeRequest
	if err := decodeJSON(raw, &req); err != nil {
		a.respondErrorCommand(agenterr.CodeConfigViolation, "resume: malformed request")
		return
	}
	if a.bp == nil {
		return
	}
	if pauseID, ok := a.pauseByThread.LoadAndDelete(req.ThreadID); ok {
		a.bp.Resume(pauseID.(string))
	}
}

// --- dispose ---

func (a *Agent) handleDispose(raw []byte) {
	_ = a.Stop()
}

// --- capabilities ---

func (a *Agent) handleCapabilities(raw []byte) {
	report := &event.CapabilitiesReport{
		ID:        a.ids.Next(),
		SessionID: a.sessions.ID(),
		Native:    a.native != nil,
	}
	if a.python != nil {
		caps := a.python.Capabilities()
		report.Python = &caps
	}
	if a.jsEngineA != nil {
		caps := a.jsEngineA.Capabilities()
		report.JSEngineA = &caps
	}
	if a.jsEngineB != nil {
		caps := a.jsEngineB.Capabilities()
		report.JSEngineB = &caps
	}
	a.emit(report)
}

// respondErrorCommand logs and reports a command-level rejection
// (ConfigViolation and friends, per spec.md §7) without an OTel span
// handle: dispatch owns the span and does not pass it to the handler.
func (a *Agent) respondErrorCommand(code agenterr.Code, message string) {
	err := agenterr.New(code, message)
	a.log.Printf("%s", err.Error())
	a.emit(&event.LogMessage{
		ID:        a.ids.Next(),
		SessionID: a.sessions.ID(),
		Level:     "error",
		Message:   err.Error(),
	})
}
