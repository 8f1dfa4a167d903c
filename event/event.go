// Package event defines the structured events the agent assembles for the
// daemon: function call records, captured output, crash reports, variable
// snapshots, pause notifications, and logpoint fires. Every event carries
// a monotonic per-session id minted by internal/idgen.
package event

// FunctionEnter corresponds to a ring entry with EventType == enter.
type FunctionEnter struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	TimestampNs     uint64         `json:"timestamp_ns"`
	ThreadID        uint32         `json:"thread_id"`
	ThreadName      string         `json:"thread_name,omitempty"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	FunctionName    string         `json:"function_name"`
	FunctionNameRaw string         `json:"function_name_raw,omitempty"`
	SourceFile      string         `json:"source_file,omitempty"`
	Line            int            `json:"line,omitempty"`
	Arguments       []any          `json:"arguments"`
	Sampled         bool           `json:"sampled,omitempty"`
	WatchValues     map[string]any `json:"watch_values,omitempty"`
}

// FunctionExit corresponds to a ring entry with EventType == exit.
type FunctionExit struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	TimestampNs     uint64         `json:"timestamp_ns"`
	ThreadID        uint32         `json:"thread_id"`
	ThreadName      string         `json:"thread_name,omitempty"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	FunctionName    string         `json:"function_name"`
	FunctionNameRaw string         `json:"function_name_raw,omitempty"`
	ReturnValue     string         `json:"return_value"`
	DurationNs      *uint64        `json:"duration_ns,omitempty"`
	Sampled         bool           `json:"sampled,omitempty"`
	WatchValues     map[string]any `json:"watch_values,omitempty"`
}

// Output carries captured stdout/stderr text.
type Output struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Stream      string `json:"stream"` // "stdout" or "stderr"
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// MemoryAccessInfo describes the faulting access when a crash signal
// carries that detail (e.g. SIGSEGV).
type MemoryAccessInfo struct {
	Address      uint64 `json:"address"`
	Write        bool   `json:"write"`
	Instructions string `json:"instructions,omitempty"`
}

// BacktraceFrame is one resolved stack frame.
type BacktraceFrame struct {
	Address    uint64 `json:"address"`
	Symbol     string `json:"symbol,omitempty"`
	SourceFile string `json:"source_file,omitempty"`
	Line       int    `json:"line,omitempty"`
}

// Crash reports a fatal signal caught in host code.
type Crash struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	TimestampNs  uint64             `json:"timestamp_ns"`
	Signal       string             `json:"signal"`
	FaultAddress uint64             `json:"fault_address"`
	Registers    map[string]uint64  `json:"registers"`
	Backtrace    []BacktraceFrame   `json:"backtrace"`
	FrameMemory  []byte             `json:"frame_memory"`
	FrameBase    uint64             `json:"frame_base"`
	MemoryAccess *MemoryAccessInfo  `json:"memory_access,omitempty"`
}

// VariableSnapshot is emitted on each tick of a polled memory read.
type VariableSnapshot struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TimestampNs uint64         `json:"timestamp_ns"`
	ThreadID    uint32         `json:"thread_id,omitempty"`
	Data        map[string]any `json:"data"`
}

// PollComplete closes out a polled read series.
type PollComplete struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
}

// Pause is emitted when a breakpoint/step hook suspends a thread.
type Pause struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	BreakpointID string           `json:"breakpoint_id,omitempty"`
	ThreadID     uint32           `json:"thread_id"`
	Address      uint64           `json:"address,omitempty"`
	File         string           `json:"file,omitempty"`
	Line         int              `json:"line,omitempty"`
	Function     string           `json:"function,omitempty"`
	Backtrace    []BacktraceFrame `json:"backtrace"`
	Locals       map[string]any   `json:"locals"`
}

// Logpoint is emitted when a logpoint's condition fires, instead of
// suspending the thread.
type Logpoint struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Line      int    `json:"line,omitempty"`
}

// ConditionError reports a breakpoint/logpoint predicate that failed to
// evaluate; the fire degrades to no-pause rather than propagating the
// failure into the host.
type ConditionError struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	BreakpointID string `json:"breakpoint_id"`
	Error        string `json:"error"`
}

// SamplingStateChange reports a hot-function sampling transition (C5).
type SamplingStateChange struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	FuncID      uint32 `json:"func_id"`
	SamplingOn  bool   `json:"sampling_on"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

// SamplingStats reports periodic ring/sampler counters.
type SamplingStats struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	OverflowCount   uint32 `json:"overflow_count"`
	SampleInterval  uint32 `json:"sample_interval"`
	DrainedLastTick int    `json:"drained_last_tick"`
}

// AgentLoaded is emitted once, as soon as the agent is injected and its
// components are constructed, before any `initialize` command arrives.
type AgentLoaded struct {
	ID          string `json:"id"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Version     string `json:"version"`
}

// Initialized acknowledges a successful `initialize` command.
type Initialized struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// HooksUpdated acknowledges a `hooks` command, reporting which targets
// were installed and which were silently dropped (FrameworkHookReject).
// Native hooks are identified by func-id; interpreted hooks (Python/JS)
// have no func-id and are reported by their opaque hook id instead.
type HooksUpdated struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	Installed        []uint32 `json:"installed,omitempty"`
	Removed          []uint32 `json:"removed,omitempty"`
	InstalledHookIDs []string `json:"installed_hook_ids,omitempty"`
	RemovedHookIDs   []string `json:"removed_hook_ids,omitempty"`
	Dropped          []string `json:"dropped,omitempty"`
}

// WatchesUpdated acknowledges a `watches` command.
type WatchesUpdated struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Labels    []string `json:"labels"`
}

// ReadResponse answers a `read_memory` command with one Result per recipe.
type ReadResponse struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Results   []map[string]any `json:"results"`
}

// LogMessage is the agent's own diagnostic channel back to the daemon,
// distinct from captured host output (Output).
type LogMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// CapabilitiesReport answers the `capabilities` command (SPEC_FULL
// addition, §4.11a): which runtimes are present in this injected instance
// and what degraded mode (if any) each interpreted tracer is running in.
type CapabilitiesReport struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Native    bool          `json:"native"`
	Python    *Capabilities `json:"python,omitempty"`
	JSEngineA *Capabilities `json:"js_engine_a,omitempty"`
	JSEngineB *Capabilities `json:"js_engine_b,omitempty"`
}

// Capabilities reports a tracer's degraded-capability status (SPEC_FULL
// addition, §4.10a).
type Capabilities struct {
	ID                  string   `json:"id"`
	SessionID           string   `json:"session_id"`
	Tracer              string   `json:"tracer"`
	SupportsHooks       bool     `json:"supports_hooks"`
	SupportsBreakpoints bool     `json:"supports_breakpoints"`
	SupportsStepping    bool     `json:"supports_stepping"`
	NameAttribution     bool     `json:"name_attribution"`
	Degraded            []string `json:"degraded,omitempty"`
}
