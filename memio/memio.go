// Package memio implements the memory read/write service (C7): one-shot
// recipe reads/writes with deref-chain traversal, and polled reads that
// run on a timer until superseded or their duration elapses.
package memio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/momentics/strobe-agent/agenterr"
	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// TypeKind names the scalar/bytes interpretation of a recipe's bytes.
type TypeKind string

const (
	KindInt     TypeKind = "int"
	KindUint    TypeKind = "uint"
	KindFloat   TypeKind = "float"
	KindPointer TypeKind = "pointer"
	KindBytes   TypeKind = "bytes"
)

// Recipe describes one value to read, per spec §4.7.
type Recipe struct {
	Label       string
	Address     uint64
	Size        int
	Kind        TypeKind
	DerefDepth  int
	DerefOffset uint64
	NoSlide     bool
	Struct      bool
	Fields      []Recipe // addresses relative to the recipe's resolved base
}

// WriteRecipe mirrors Recipe but carries the value to write.
type WriteRecipe struct {
	Recipe
	Value    uint64
	RawBytes []byte // used when Kind == KindBytes
}

// Result is the response to one recipe: for a read, exactly one of Value,
// Fields, or Error is populated; a successful write populates none.
type Result struct {
	Label   string
	Value   any
	Fields  map[string]Result
	Error   string
	IsBytes bool
}

// Error string constants from spec §4.7's error taxonomy — carried as
// literal strings in Result.Error, not agenterr.Error, since they are a
// per-recipe soft failure, not a command-level rejection. A null pointer
// in a deref chain is reported as "Null pointer at <label>" rather than
// as ErrNullPointer.
const (
	ErrNullPointer        = "NullPointer"
	ErrAddressNotReadable = "AddressNotReadable"
	ErrInvalidAlignment   = "InvalidAlignment"
)

// MemReader and MemWriter are the narrow host-memory boundary. A real
// deployment backs these with the same safe-read primitive
// nativehook.SafeReadMemory uses; a natural-size write is a single-word
// store with no larger atomicity guarantee, per spec.
type MemReader interface {
	ReadBytes(address uint64, n int) ([]byte, bool)
}

type MemWriter interface {
	WriteBytes(address uint64, data []byte) bool
}

// PollConfig bounds a polled read series.
type PollConfig struct {
	IntervalMs int
	DurationMs int
}

// ValidatePoll enforces spec §4.7's bounds: interval ∈ [50, 5000]ms,
// duration ∈ [100, 30000]ms.
func ValidatePoll(cfg PollConfig) error {
	if cfg.IntervalMs < 50 || cfg.IntervalMs > 5000 {
		return agenterr.New(agenterr.CodeConfigViolation, "poll interval_ms out of [50, 5000] bounds")
	}
	if cfg.DurationMs < 100 || cfg.DurationMs > 30000 {
		return agenterr.New(agenterr.CodeConfigViolation, "poll duration_ms out of [100, 30000] bounds")
	}
	return nil
}

// Service owns one session's ASLR slide and at most one active poll.
type Service struct {
	reader MemReader
	writer MemWriter

	mu         sync.Mutex
	slide      uint64
	cancelPoll context.CancelFunc
}

// New builds a memory service bound to a reader/writer pair.
func New(reader MemReader, writer MemWriter) *Service {
	return &Service{reader: reader, writer: writer}
}

// SetSlide records the ASLR slide to apply to recipes without NoSlide.
func (s *Service) SetSlide(slide uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slide = slide
}

func (s *Service) effectiveSlide() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slide
}

// Read processes one-shot read recipes.
func (s *Service) Read(recipes []Recipe) []Result {
	out := make([]Result, 0, len(recipes))
	for _, r := range recipes {
		out = append(out, s.readOne(r))
	}
	return out
}

func (s *Service) resolveBase(addr uint64, noSlide bool, derefDepth int, derefOffset uint64, label string) (uint64, *Result) {
	if !noSlide {
		addr += s.effectiveSlide()
	}
	for d := 0; d < derefDepth; d++ {
		raw, ok := s.reader.ReadBytes(addr, 8)
		if !ok {
			return 0, &Result{Label: label, Error: ErrAddressNotReadable}
		}
		ptr := binary.LittleEndian.Uint64(raw)
		if ptr == 0 {
			return 0, &Result{Label: label, Error: fmt.Sprintf("Null pointer at %s", label)}
		}
		addr = ptr + derefOffset
	}
	return addr, nil
}

func (s *Service) readOne(r Recipe) Result {
	addr, errResult := s.resolveBase(r.Address, r.NoSlide, r.DerefDepth, r.DerefOffset, r.Label)
	if errResult != nil {
		return *errResult
	}

	if r.Struct {
		fields := make(map[string]Result, len(r.Fields))
		for _, f := range r.Fields {
			field := f
			field.Address = addr + f.Address
			field.NoSlide = true
			field.DerefDepth = 0
			fields[f.Label] = s.readOne(field)
		}
		return Result{Label: r.Label, Fields: fields}
	}

	if r.Kind == KindBytes {
		raw, ok := s.reader.ReadBytes(addr, r.Size)
		if !ok {
			return Result{Label: r.Label, Error: ErrAddressNotReadable}
		}
		return Result{Label: r.Label, Value: fmt.Sprintf("0x%x", raw), IsBytes: true}
	}

	if r.Size <= 0 || addr%uint64(r.Size) != 0 {
		return Result{Label: r.Label, Error: ErrInvalidAlignment}
	}
	raw, ok := s.reader.ReadBytes(addr, r.Size)
	if !ok {
		return Result{Label: r.Label, Error: ErrAddressNotReadable}
	}
	return Result{Label: r.Label, Value: decodeByKind(raw, r.Kind)}
}

// Write processes write recipes, mirroring Read's traversal.
func (s *Service) Write(recipes []WriteRecipe) []Result {
	out := make([]Result, 0, len(recipes))
	for _, wr := range recipes {
		out = append(out, s.writeOne(wr))
	}
	return out
}

func (s *Service) writeOne(wr WriteRecipe) Result {
	addr, errResult := s.resolveBase(wr.Address, wr.NoSlide, wr.DerefDepth, wr.DerefOffset, wr.Label)
	if errResult != nil {
		return *errResult
	}

	if wr.Kind == KindBytes {
		if !s.writer.WriteBytes(addr, wr.RawBytes) {
			return Result{Label: wr.Label, Error: ErrAddressNotReadable}
		}
		return Result{Label: wr.Label}
	}

	if wr.Size <= 0 || addr%uint64(wr.Size) != 0 {
		return Result{Label: wr.Label, Error: ErrInvalidAlignment}
	}
	raw := encodeByKind(wr.Value, wr.Kind, wr.Size)
	if !s.writer.WriteBytes(addr, raw) {
		return Result{Label: wr.Label, Error: ErrAddressNotReadable}
	}
	return Result{Label: wr.Label}
}

// StartPoll validates cfg, cancels any previous poll on this service
// (only one active poll per session), and starts a new one. emit is
// called with *event.VariableSnapshot on each tick and *event.PollComplete
// once the duration elapses.
func (s *Service) StartPoll(ctx context.Context, label string, recipes []Recipe, cfg PollConfig, sessionID string, ids *idgen.EventIDs, emit func(any)) error {
	if err := ValidatePoll(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancelPoll != nil {
		s.cancelPoll()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancelPoll = cancel
	s.mu.Unlock()

	go s.runPoll(pollCtx, label, recipes, cfg, sessionID, ids, emit)
	return nil
}

// CancelPoll stops any active poll without starting a new one.
func (s *Service) CancelPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPoll != nil {
		s.cancelPoll()
		s.cancelPoll = nil
	}
}

func (s *Service) runPoll(ctx context.Context, label string, recipes []Recipe, cfg PollConfig, sessionID string, ids *idgen.EventIDs, emit func(any)) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(time.Duration(cfg.DurationMs) * time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			results := s.Read(recipes)
			data := make(map[string]any, len(results))
			for _, r := range results {
				if r.Error != "" {
					data[r.Label] = r.Error
					continue
				}
				data[r.Label] = r.Value
			}
			emit(&event.VariableSnapshot{ID: ids.Next(), SessionID: sessionID, Data: data})
			if !now.Before(deadline) {
				emit(&event.PollComplete{ID: ids.Next(), SessionID: sessionID, Label: label})
				return
			}
		}
	}
}

func decodeByKind(raw []byte, kind TypeKind) any {
	switch kind {
	case KindUint, KindPointer:
		return decodeUint(raw)
	case KindFloat:
		return decodeFloat(raw)
	default: // KindInt
		return decodeInt(raw)
	}
}

func encodeByKind(value uint64, kind TypeKind, size int) []byte {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, value)
	return raw[:size]
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
