package memio

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// fakeMem is a tiny byte-addressed space, shared by reader and writer so
// writes are visible to subsequent reads.
type fakeMem struct {
	mu   sync.Mutex
	data []byte
}

func newFakeMem(size int) *fakeMem {
	return &fakeMem{data: make([]byte, size)}
}

func (m *fakeMem) putU64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

func (m *fakeMem) ReadBytes(address uint64, n int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || int(address)+n > len(m.data) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, m.data[address:int(address)+n])
	return out, true
}

func (m *fakeMem) WriteBytes(address uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(address)+len(data) > len(m.data) {
		return false
	}
	copy(m.data[address:], data)
	return true
}

func TestReadScalarNoDeref(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(0, 0xFFFFFFFF)
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "x", Address: 0, Size: 4, Kind: KindInt, NoSlide: true}})
	if len(got) != 1 || got[0].Value != int64(-1) {
		t.Fatalf("got %+v, want x=-1", got)
	}
}

func TestReadAppliesSlideUnlessNoSlide(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(16, 7)
	s := New(m, m)
	s.SetSlide(16)
	got := s.Read([]Recipe{{Label: "x", Address: 0, Size: 8, Kind: KindUint}})
	if got[0].Value != uint64(7) {
		t.Fatalf("got %+v, want x=7 (slide applied)", got)
	}
}

func TestReadNullPointerDeref(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(0, 0) // null pointer at address 0
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "c", Address: 0, Size: 4, Kind: KindInt, DerefDepth: 1, NoSlide: true}})
	if got[0].Error != "Null pointer at c" {
		t.Fatalf("got %+v, want NullPointer error for c", got)
	}
}

func TestReadDerefChainFollowsPointer(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(0, 32)   // pointer at 0 points to 32
	m.putU64(32, 99)  // value at 32+offset
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "v", Address: 0, Size: 8, Kind: KindUint, DerefDepth: 1, DerefOffset: 0, NoSlide: true}})
	if got[0].Value != uint64(99) {
		t.Fatalf("got %+v, want v=99", got)
	}
}

func TestReadUnreadableAddress(t *testing.T) {
	m := newFakeMem(8)
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "oob", Address: 1000, Size: 8, Kind: KindUint, NoSlide: true}})
	if got[0].Error != ErrAddressNotReadable {
		t.Fatalf("got %+v, want AddressNotReadable", got)
	}
}

func TestReadMisalignedAddress(t *testing.T) {
	m := newFakeMem(64)
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "m", Address: 3, Size: 8, Kind: KindUint, NoSlide: true}})
	if got[0].Error != ErrInvalidAlignment {
		t.Fatalf("got %+v, want InvalidAlignment", got)
	}
}

func TestReadStructFields(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(0, 11)
	m.putU64(8, 22)
	s := New(m, m)
	got := s.Read([]Recipe{{
		Label: "point", Address: 0, NoSlide: true, Struct: true,
		Fields: []Recipe{
			{Label: "x", Address: 0, Size: 8, Kind: KindUint},
			{Label: "y", Address: 8, Size: 8, Kind: KindUint},
		},
	}})
	if got[0].Fields["x"].Value != uint64(11) || got[0].Fields["y"].Value != uint64(22) {
		t.Fatalf("got %+v, want x=11 y=22", got[0].Fields)
	}
}

func TestReadBytesRendersHex(t *testing.T) {
	m := newFakeMem(16)
	m.data[0], m.data[1] = 0xDE, 0xAD
	s := New(m, m)
	got := s.Read([]Recipe{{Label: "raw", Address: 0, Size: 2, Kind: KindBytes, NoSlide: true}})
	if got[0].Value != "0xdead" {
		t.Fatalf("got %+v, want 0xdead", got[0].Value)
	}
}

func TestWriteNaturalSizeRoundTrips(t *testing.T) {
	m := newFakeMem(64)
	s := New(m, m)
	results := s.Write([]WriteRecipe{{
		Recipe: Recipe{Label: "w", Address: 0, Size: 4, Kind: KindUint, NoSlide: true},
		Value:  0xCAFEBABE,
	}})
	if results[0].Error != "" {
		t.Fatalf("write failed: %+v", results[0])
	}
	got := s.Read([]Recipe{{Label: "w", Address: 0, Size: 4, Kind: KindUint, NoSlide: true}})
	if got[0].Value != uint64(0xCAFEBABE) {
		t.Fatalf("readback = %v, want 0xcafebabe", got[0].Value)
	}
}

func TestValidatePollRejectsOutOfBoundsInterval(t *testing.T) {
	if err := ValidatePoll(PollConfig{IntervalMs: 10, DurationMs: 1000}); err == nil {
		t.Fatal("want error for interval below 50ms")
	}
	if err := ValidatePoll(PollConfig{IntervalMs: 6000, DurationMs: 1000}); err == nil {
		t.Fatal("want error for interval above 5000ms")
	}
}

func TestValidatePollRejectsOutOfBoundsDuration(t *testing.T) {
	if err := ValidatePoll(PollConfig{IntervalMs: 100, DurationMs: 10}); err == nil {
		t.Fatal("want error for duration below 100ms")
	}
	if err := ValidatePoll(PollConfig{IntervalMs: 100, DurationMs: 60000}); err == nil {
		t.Fatal("want error for duration above 30000ms")
	}
}

func TestStartPollEmitsSnapshotsThenCompletes(t *testing.T) {
	m := newFakeMem(64)
	m.putU64(0, 5)
	s := New(m, m)

	var mu sync.Mutex
	var events []any
	emit := func(e any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	err := s.StartPoll(context.Background(), "p", []Recipe{{Label: "v", Address: 0, Size: 8, Kind: KindUint, NoSlide: true}},
		PollConfig{IntervalMs: 50, DurationMs: 150}, "S", idgen.NewEventIDs("S"), emit)
	if err != nil {
		t.Fatalf("StartPoll failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("got no events, want at least one snapshot + completion")
	}
	last := events[len(events)-1]
	if _, ok := last.(*event.PollComplete); !ok {
		t.Fatalf("last event = %T, want *event.PollComplete", last)
	}
	sawSnapshot := false
	for _, e := range events {
		if _, ok := e.(*event.VariableSnapshot); ok {
			sawSnapshot = true
		}
	}
	if !sawSnapshot {
		t.Fatal("never saw a VariableSnapshot event")
	}
}

func TestStartPollSupersedesPreviousPoll(t *testing.T) {
	m := newFakeMem(64)
	s := New(m, m)

	var mu sync.Mutex
	var completions int
	emit := func(e any) {
		if _, ok := e.(*event.PollComplete); ok {
			mu.Lock()
			completions++
			mu.Unlock()
		}
	}

	recipe := []Recipe{{Label: "v", Address: 0, Size: 8, Kind: KindUint, NoSlide: true}}
	if err := s.StartPoll(context.Background(), "first", recipe, PollConfig{IntervalMs: 50, DurationMs: 5000}, "S", idgen.NewEventIDs("S"), emit); err != nil {
		t.Fatalf("first StartPoll failed: %v", err)
	}
	// Installing a second poll must cancel the first; only the second
	// should ever complete.
	if err := s.StartPoll(context.Background(), "second", recipe, PollConfig{IntervalMs: 50, DurationMs: 150}, "S", idgen.NewEventIDs("S"), emit); err != nil {
		t.Fatalf("second StartPoll failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if completions != 1 {
		t.Fatalf("completions = %d, want exactly 1 (only the superseding poll runs to completion)", completions)
	}
}
