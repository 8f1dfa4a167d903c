package nativehook

import (
	"sync"
)

// fakeInterceptor is a test double standing in for the real dynamic
// instrumentation framework, grounded on the teacher's pattern of testing
// against a small hand-written fake behind a narrow interface rather than
// a mock framework.
type fakeInterceptor struct {
	mu        sync.Mutex
	nextID    ListenerID
	callbacks map[ListenerID]func(CallContext)
	rejectSet map[uint64]bool
	mem       map[uint64]uint64
}

func newFakeInterceptor() *fakeInterceptor {
	return &fakeInterceptor{
		callbacks: make(map[ListenerID]func(CallContext)),
		rejectSet: make(map[uint64]bool),
		mem:       make(map[uint64]uint64),
	}
}

func (f *fakeInterceptor) Attach(address uint64, userData uint64, cb func(CallContext)) (ListenerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSet[address] {
		return 0, ErrHookRejected
	}
	f.nextID++
	id := f.nextID
	f.callbacks[id] = cb
	return id, nil
}

func (f *fakeInterceptor) Detach(id ListenerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.callbacks, id)
	return nil
}

func (f *fakeInterceptor) MemReadU64(address uint64, size uint8) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.mem[address]
	return v, ok
}

// fire simulates the framework invoking the attached listener with the
// given id directly (tests target one listener at a time).
func (f *fakeInterceptor) fire(id ListenerID, cc CallContext) {
	f.mu.Lock()
	cb := f.callbacks[id]
	f.mu.Unlock()
	if cb != nil {
		cb(cc)
	}
}

func (f *fakeInterceptor) setMem(address, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem[address] = value
}

func (f *fakeInterceptor) reject(address uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSet[address] = true
}
