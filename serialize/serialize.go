// Package serialize walks typed memory starting at an address and
// produces a JSON-friendly value tree for the drain loop's `arguments`
// field. It never lets a
// single bad field take down the whole value: every sub-read is isolated,
// matching spec's "failures during sub-reads are caught per-field."
package serialize

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/momentics/strobe-agent/pool"
)

// Kind enumerates the type shapes the serializer understands.
type Kind int

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindPointer
	KindStruct
	KindArray
)

// MaxArrayElements caps array/slice serialization.
const MaxArrayElements = 100

// TypeInfo describes the shape of a value at some address. Fields not
// relevant to Kind are ignored (e.g. Members is only read for KindStruct).
type TypeInfo struct {
	Kind      Kind
	ByteSize  int
	Members   []Field
	PointedTo *TypeInfo
	ElemType  *TypeInfo
	ArrayLen  int
}

// Field is one struct member: name, byte offset from the struct's base
// address, and its own type.
type Field struct {
	Name   string
	Offset uint64
	Type   *TypeInfo
}

// MemReader is the narrow memory-access boundary the serializer needs.
// Implementations report ok=false instead of panicking on an unreadable
// region; memio.MemReader has the same shape.
type MemReader interface {
	ReadBytes(address uint64, n int) ([]byte, bool)
}

// Serializer walks typed memory to a bounded depth, detecting cycles by
// address and capping array length.
type Serializer struct {
	reader      MemReader
	maxDepth    int
	visitedPool *pool.SyncPool[map[uint64]bool]
}

// New builds a serializer. maxDepth is clamped to [1, 10] per spec.
func New(reader MemReader, maxDepth int) *Serializer {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	return &Serializer{
		reader:   reader,
		maxDepth: maxDepth,
		visitedPool: pool.NewSyncPool(func() map[uint64]bool {
			return make(map[uint64]bool)
		}),
	}
}

// Serialize walks the value at address per t, returning a JSON-friendly
// tree (map[string]any for structs, []any for arrays, scalars, or string
// sentinels for depth/cycle/alignment/readability failures).
func (s *Serializer) Serialize(address uint64, t *TypeInfo) any {
	visited := s.visitedPool.Get()
	result := s.walk(address, t, 0, visited)
	for k := range visited {
		delete(visited, k)
	}
	s.visitedPool.Put(visited)
	return result
}

func (s *Serializer) walk(address uint64, t *TypeInfo, depth int, visited map[uint64]bool) any {
	if t == nil {
		return "<unknown type>"
	}
	if depth > s.maxDepth {
		return fmt.Sprintf("<max depth %d reached>", s.maxDepth)
	}
	switch t.Kind {
	case KindInt, KindUint, KindFloat:
		return s.scalar(address, t)
	case KindPointer:
		return s.pointer(address, t, depth, visited)
	case KindStruct:
		return s.structValue(address, t, depth, visited)
	case KindArray:
		return s.array(address, t, depth, visited)
	default:
		return "<unknown type>"
	}
}

// field isolates one sub-read: a panic inside (defensive; MemReader
// implementations are not expected to panic) becomes a sentinel on just
// that field rather than aborting the whole value.
func (s *Serializer) field(address uint64, t *TypeInfo, depth int, visited map[uint64]bool) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("<error: %v>", r)
		}
	}()
	return s.walk(address, t, depth, visited)
}

func (s *Serializer) scalar(address uint64, t *TypeInfo) any {
	if t.ByteSize <= 0 || address%uint64(t.ByteSize) != 0 {
		return "<misaligned>"
	}
	raw, ok := s.reader.ReadBytes(address, t.ByteSize)
	if !ok {
		return "<unreadable>"
	}
	switch t.Kind {
	case KindUint:
		return decodeUint(raw)
	case KindInt:
		return decodeInt(raw)
	case KindFloat:
		return decodeFloat(raw)
	default:
		return "<unknown scalar>"
	}
}

// ScalarFromWord decodes a register-sized word directly as a scalar,
// without a memory read, for the common case of a by-value argument
// whose bits already sit in the ring entry's arg0/arg1 field.
func ScalarFromWord(word uint64, t *TypeInfo) any {
	if t == nil || t.ByteSize <= 0 || t.ByteSize > 8 {
		return "<unknown scalar>"
	}
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, word)
	raw = raw[:t.ByteSize]
	switch t.Kind {
	case KindUint:
		return decodeUint(raw)
	case KindInt:
		return decodeInt(raw)
	case KindFloat:
		return decodeFloat(raw)
	default:
		return "<unknown scalar>"
	}
}

func (s *Serializer) pointer(address uint64, t *TypeInfo, depth int, visited map[uint64]bool) any {
	const ptrSize = 8
	if address%ptrSize != 0 {
		return "<misaligned>"
	}
	raw, ok := s.reader.ReadBytes(address, ptrSize)
	if !ok {
		return "<unreadable>"
	}
	ptr := binary.LittleEndian.Uint64(raw)
	if ptr == 0 {
		return nil
	}
	if visited[ptr] {
		return fmt.Sprintf("<circular ref to %#x>", ptr)
	}
	if t.PointedTo == nil {
		return fmt.Sprintf("%#x", ptr)
	}
	visited[ptr] = true
	defer delete(visited, ptr)
	return s.walk(ptr, t.PointedTo, depth+1, visited)
}

func (s *Serializer) structValue(address uint64, t *TypeInfo, depth int, visited map[uint64]bool) any {
	// A struct nested at offset 0 shares its parent's address; that is not
	// a cycle. Cycles can only close through a pointer, which pointer()
	// checks against the addresses marked here.
	if !visited[address] {
		visited[address] = true
		defer delete(visited, address)
	}

	out := make(map[string]any, len(t.Members))
	for _, f := range t.Members {
		out[f.Name] = s.field(address+f.Offset, f.Type, depth+1, visited)
	}
	return out
}

// array handles both structured arrays (serialized as []any, each
// element walked per ElemType) and raw byte arrays (ElemType is a
// 1-byte int/uint), which collapse to a hex-prefixed sentinel rather
// than a 100-element JSON list.
func (s *Serializer) array(address uint64, t *TypeInfo, depth int, visited map[uint64]bool) any {
	if t.ElemType == nil || t.ElemType.ByteSize <= 0 {
		return "<unknown type>"
	}
	n := t.ArrayLen
	if n > MaxArrayElements {
		n = MaxArrayElements
	}
	if n < 0 {
		n = 0
	}

	if isByteElement(t.ElemType) {
		raw, ok := s.reader.ReadBytes(address, n)
		if !ok {
			return "<unreadable>"
		}
		return fmt.Sprintf("<bytes:0x%x>", raw)
	}

	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		elemAddr := address + uint64(i*t.ElemType.ByteSize)
		out = append(out, s.field(elemAddr, t.ElemType, depth+1, visited))
	}
	return out
}

func isByteElement(t *TypeInfo) bool {
	return t.ByteSize == 1 && (t.Kind == KindInt || t.Kind == KindUint)
}

func decodeUint(raw []byte) uint64 {
	switch len(raw) {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		return binary.LittleEndian.Uint64(raw)
	default:
		return 0
	}
}

func decodeInt(raw []byte) int64 {
	switch len(raw) {
	case 1:
		return int64(int8(raw[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(raw)))
	case 8:
		return int64(binary.LittleEndian.Uint64(raw))
	default:
		return 0
	}
}

func decodeFloat(raw []byte) float64 {
	switch len(raw) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw))
	default:
		return 0
	}
}
