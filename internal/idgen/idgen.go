// Package idgen mints the identifiers the agent embeds in emitted events:
// the monotonic per-session event id from spec §3, and UUIDs for the rarer
// cases where an opaque id must be minted locally (a breakpoint/logpoint
// installed without a daemon-supplied id, or an internal trace-correlation
// key).
package idgen

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventIDs mints "{session-id}-{monotonic-counter}" strings for one
// session. The counter is atomic and sessionID is guarded by a mutex,
// since SetSession runs on the command-handling thread while Next is
// called concurrently from the agent, native and interpreter threads.
type EventIDs struct {
	mu        sync.RWMutex
	sessionID string
	counter   atomic.Uint64
}

// NewEventIDs binds a counter to a session id.
func NewEventIDs(sessionID string) *EventIDs {
	return &EventIDs{sessionID: sessionID}
}

// SetSession repoints the id prefix at a new session, e.g. on a fresh
// `initialize` command. The counter keeps counting rather than resetting,
// since only one session is ever active at a time and a monotonic counter
// is simpler than per-session counters for no observable benefit here.
func (e *EventIDs) SetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
}

// Next returns the next event id for this session.
func (e *EventIDs) Next() string {
	n := e.counter.Add(1)
	e.mu.RLock()
	sessionID := e.sessionID
	e.mu.RUnlock()
	return sessionID + "-" + strconv.FormatUint(n, 10)
}

// NewOpaqueID mints a UUID string for breakpoints/logpoints/spans that need
// an id the daemon didn't supply.
func NewOpaqueID() string {
	return uuid.NewString()
}
