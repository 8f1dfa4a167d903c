// Package ringbuf implements the lock-free multi-producer /
// single-consumer ring that carries enter/exit records from native hook
// callbacks to the drain loop. Memory layout is byte-stable because it is
// shared with native code across the managed/native boundary: header and
// entry fields sit at the fixed offsets documented below, the same way the
// teacher's concurrency.RingBuffer keeps head/tail atomic and lets producers
// write data slots directly, except here the layout is pinned rather than
// left to the Go compiler.
//
// Producers never block: Enqueue is a single atomic fetch-add plus a slot
// write, no completion marker. The drainer relies on the periodic drain
// interval being much larger than the time it takes a producer to finish
// writing a slot, not on any synchronization primitive, mirroring the
// reinterpret-cast-over-a-byte-slice technique used to read eBPF ring/perf
// records directly as typed structs (see DESIGN.md).
package ringbuf

import (
	"sync/atomic"
	"unsafe"
)

const (
	// Capacity is the fixed entry count of the ring. Compile-time
	// constant per spec's "capacity" ambient setting.
	Capacity = 16384

	// HeaderSize is the byte size of the shared header region.
	HeaderSize = 128

	// EntrySize is the byte size of one ring entry.
	EntrySize = 80

	// MaxWatchSlots bounds the fast-path CModule watches carried in the
	// header and mirrored into each entry.
	MaxWatchSlots = 4
)

// EventType values for Entry.EventType.
const (
	EventTypeEnter uint8 = 0
	EventTypeExit  uint8 = 1
)

// header is the byte-exact shared layout: write_idx@0 (u32), read_idx@4,
// overflow_count@8, sample_interval@12, global_counter@16, watch_count@24,
// watch_addrs[4]@32, watch_sizes[4]@64, watch_deref_depths[4]@68,
// watch_deref_offsets[4]@72. Total size 128.
type header struct {
	writeIdx       atomic.Uint32 // 0
	readIdx        uint32        // 4, owned exclusively by the drainer
	overflowCount  uint32        // 8
	sampleInterval uint32        // 12
	globalCounter  uint32        // 16
	_              [4]byte       // 20..23
	watchCount     uint32        // 24
	_              [4]byte       // 28..31

	watchAddrs        [MaxWatchSlots]uint64 // 32
	watchSizes        [MaxWatchSlots]uint8  // 64
	watchDerefDepths  [MaxWatchSlots]uint8  // 68
	watchDerefOffsets [MaxWatchSlots]uint64 // 72

	_ [24]byte // reserved, pads to HeaderSize
}

// Entry is one ring record: timestamp@0, arg0@8, arg1@16, retval@24,
// func_id@32, thread_id@36, depth@40, event_type@44, sampled@45,
// watch_entry_count@46, pad@47, watch[0..4]@48/56/64/72. Total size 80.
type Entry struct {
	Timestamp uint64
	Arg0      uint64
	Arg1      uint64
	Retval    uint64
	FuncID    uint32
	ThreadID  uint32
	Depth     uint32
	EventType uint8
	Sampled   uint8

	WatchEntryCount uint8
	_               uint8

	Watch [MaxWatchSlots]uint64
}

// WatchSlot is a fast-path CModule watch configuration entry.
type WatchSlot struct {
	Addr        uint64
	Size        uint8
	DerefDepth  uint8
	DerefOffset uint64
}

// Ring is the fixed-capacity queue of Entry records. All methods that touch
// writeIdx/globalCounter are safe for concurrent producer use; readIdx and
// overflowCount are touched only from Drain and are not safe for concurrent
// drainers (the contract is single-consumer).
type Ring struct {
	buf     []byte
	hdr     *header
	entries []Entry
}

// New allocates a ring with sample_interval initialized to 1 (unsampled).
func New() *Ring {
	buf := make([]byte, HeaderSize+EntrySize*Capacity)
	hdr := (*header)(unsafe.Pointer(&buf[0]))
	entries := unsafe.Slice((*Entry)(unsafe.Pointer(&buf[HeaderSize])), Capacity)
	hdr.sampleInterval = 1
	return &Ring{buf: buf, hdr: hdr, entries: entries}
}

// SampleInterval returns the current adaptive sampling interval, ∈ [1, 256].
func (r *Ring) SampleInterval() uint32 {
	return atomic.LoadUint32(&r.hdr.sampleInterval)
}

// SetSampleInterval stores a new interval. Single u32 store, per spec's
// relaxed-write contract.
func (r *Ring) SetSampleInterval(v uint32) {
	atomic.StoreUint32(&r.hdr.sampleInterval, v)
}

// NextGlobalCounter fetch-adds the shared sampling counter and returns the
// new value, used by light hooks to decide whether to keep an entry.
func (r *Ring) NextGlobalCounter() uint32 {
	return atomic.AddUint32(&r.hdr.globalCounter, 1)
}

// SetWatches installs up to MaxWatchSlots fast-path watches. Callers must
// validate len(slots) <= MaxWatchSlots before calling (spec: watch count >
// 4 is a ConfigViolation rejected at the command layer).
func (r *Ring) SetWatches(slots []WatchSlot) {
	n := len(slots)
	if n > MaxWatchSlots {
		n = MaxWatchSlots
	}
	for i := 0; i < n; i++ {
		r.hdr.watchAddrs[i] = slots[i].Addr
		r.hdr.watchSizes[i] = slots[i].Size
		r.hdr.watchDerefDepths[i] = slots[i].DerefDepth
		r.hdr.watchDerefOffsets[i] = slots[i].DerefOffset
	}
	for i := n; i < MaxWatchSlots; i++ {
		r.hdr.watchAddrs[i] = 0
		r.hdr.watchSizes[i] = 0
		r.hdr.watchDerefDepths[i] = 0
		r.hdr.watchDerefOffsets[i] = 0
	}
	atomic.StoreUint32(&r.hdr.watchCount, uint32(n))
}

// WatchCount returns the number of active fast-path watches.
func (r *Ring) WatchCount() int {
	return int(atomic.LoadUint32(&r.hdr.watchCount))
}

// Watch returns the configuration of fast-path watch i.
func (r *Ring) Watch(i int) WatchSlot {
	return WatchSlot{
		Addr:        r.hdr.watchAddrs[i],
		Size:        r.hdr.watchSizes[i],
		DerefDepth:  r.hdr.watchDerefDepths[i],
		DerefOffset: r.hdr.watchDerefOffsets[i],
	}
}

// Enqueue claims the next slot via atomic fetch-add on write_idx and writes
// the entry's fields. There is no completion marker; see the package doc
// for why that is sound here. Never blocks, never allocates on its own
// (callers build Entry on the stack).
func (r *Ring) Enqueue(e Entry) uint32 {
	idx := r.hdr.writeIdx.Add(1) - 1
	r.entries[idx%Capacity] = e
	return idx
}

// DrainResult is one consumer-side batch.
type DrainResult struct {
	Entries       []Entry
	OverflowDelta uint32 // overflow newly observed in this batch
	OverflowTotal uint32 // cumulative overflow_count after this batch
}

// Drain reads the unconsumed window, clamping to Capacity and counting the
// loss on overflow, then advances read_idx. Must be called from a single
// goroutine; concurrent Drain calls race on read_idx and overflow_count by
// design (single-consumer contract, spec §4.2).
func (r *Ring) Drain() DrainResult {
	writeIdx := r.hdr.writeIdx.Load()
	readIdx := r.hdr.readIdx

	n := writeIdx - readIdx // wraps correctly mod 2^32 via unsigned arithmetic
	var overflowDelta uint32
	if n > Capacity {
		overflowDelta = n - Capacity
		r.hdr.overflowCount += overflowDelta
		n = Capacity
		readIdx = writeIdx - Capacity
	}

	batch := make([]Entry, n)
	for i := uint32(0); i < n; i++ {
		batch[i] = r.entries[(readIdx+i)%Capacity]
	}
	r.hdr.readIdx = writeIdx

	return DrainResult{
		Entries:       batch,
		OverflowDelta: overflowDelta,
		OverflowTotal: r.hdr.overflowCount,
	}
}

// OverflowCount returns the cumulative count of entries lost to overflow.
func (r *Ring) OverflowCount() uint32 {
	return r.hdr.overflowCount
}

// Len reports the number of unconsumed entries, clamped to Capacity, useful
// for the sampler's high/low-cycle threshold checks without mutating
// read_idx (spec §4.5 reads "n" the same way Drain does).
func (r *Ring) Len() uint32 {
	n := r.hdr.writeIdx.Load() - r.hdr.readIdx
	if n > Capacity {
		return Capacity
	}
	return n
}
