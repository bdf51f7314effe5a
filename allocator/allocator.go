// Package allocator turns a conservative collector's allocation primitives
// into a general allocator: arbitrary power-of-two alignment, in-place
// resize, remap and free.
//
// Two strategies are available. The direct strategy hands alignment to the
// engine's aligned allocation primitive. The over-allocation strategy pads
// every request, stores the raw block address in the word immediately before
// the returned pointer and recovers it on resize, remap and free. The address
// is stored complemented, so the header is never a reference from the block
// to itself.
//
// Memory obtained here is scanned conservatively by the collector and must
// not hold pointers into the Go heap.
package allocator

import (
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// Allocator is the generic allocator contract.
//
// Alloc returns nil on failure. Resize never moves data and reports whether
// the block now holds newSize bytes. Remap returns ptr when the block could be
// kept, or nil when the caller has to allocate, copy and free. Free releases
// a block obtained from Alloc with the same alignment.
type Allocator interface {
	Alloc(size, alignment uintptr) unsafe.Pointer
	Resize(ptr unsafe.Pointer, oldSize, alignment, newSize uintptr) bool
	Remap(ptr unsafe.Pointer, oldSize, alignment, newSize uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer, size, alignment uintptr)
}

// Strategy selects how alignment requests are satisfied.
type Strategy int

const (
	// StrategyAuto uses StrategyDirect when the heap supports aligned allocation.
	StrategyAuto Strategy = iota
	// StrategyDirect uses the engine's aligned allocation primitive.
	StrategyDirect
	// StrategyOverAllocate pads each request and aligns inside the block.
	StrategyOverAllocate
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyDirect:
		return "direct"
	case StrategyOverAllocate:
		return "over-allocate"
	default:
		return "unknown"
	}
}

// headerSize is the size of the raw-address word preceding over-allocated blocks.
const headerSize = unsafe.Sizeof(uintptr(0))

// hidePointer disguises an address from conservative scanning. It is its own
// inverse.
func hidePointer(p uintptr) uintptr {
	return ^p
}

// Configuration for the adapter.
type Config struct {
	Strategy Strategy
}

// Option configures the adapter.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{Strategy: StrategyAuto}
}

// WithStrategy forces an allocation strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Config) { c.Strategy = s }
}

// GC adapts an engine.Heap to Allocator. It holds no state of its own and is
// safe for concurrent use whenever the underlying heap is.
type GC struct {
	heap     engine.Heap
	aligned  engine.AlignedHeap
	strategy Strategy
}

var _ Allocator = (*GC)(nil)

// New creates an adapter over heap.
func New(heap engine.Heap, options ...Option) *GC {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	aligned, hasAligned := heap.(engine.AlignedHeap)

	strategy := config.Strategy
	switch strategy {
	case StrategyAuto:
		if hasAligned {
			strategy = StrategyDirect
		} else {
			strategy = StrategyOverAllocate
		}
	case StrategyDirect:
		if !hasAligned {
			panic(gcerrors.UnsupportedStrategy(strategy.String()))
		}
	case StrategyOverAllocate:
	default:
		panic(gcerrors.UnsupportedStrategy(strategy.String()))
	}

	return &GC{heap: heap, aligned: aligned, strategy: strategy}
}

// Strategy reports the strategy in effect.
func (g *GC) Strategy() Strategy {
	return g.strategy
}

// Alloc allocates size bytes aligned to alignment. Zero size is a caller
// error and fails. An alignment of zero means no requirement.
func (g *GC) Alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	alignment = normalizeAlignment(alignment)

	if g.strategy == StrategyDirect {
		return g.aligned.MemAlign(alignment, size)
	}

	total, ok := paddedSize(size, alignment)
	if !ok {
		return nil
	}

	raw := g.heap.Malloc(total)
	if raw == nil {
		return nil
	}

	user := alignUp(uintptr(raw)+headerSize, alignment)
	ptr := unsafe.Add(raw, user-uintptr(raw))
	*(*uintptr)(unsafe.Add(ptr, -int(headerSize))) = hidePointer(uintptr(raw))

	return ptr
}

// Resize grows or shrinks the block in place when its usable size allows it.
func (g *GC) Resize(ptr unsafe.Pointer, _, _, newSize uintptr) bool {
	if ptr == nil {
		return false
	}

	return newSize <= g.usableSize(ptr)
}

// Remap returns ptr when the block can hold newSize bytes without moving,
// otherwise nil.
func (g *GC) Remap(ptr unsafe.Pointer, oldSize, alignment, newSize uintptr) unsafe.Pointer {
	if g.Resize(ptr, oldSize, alignment, newSize) {
		return ptr
	}

	return nil
}

// Free releases the block. Under over-allocation the raw block recovered from
// the header is what gets freed.
func (g *GC) Free(ptr unsafe.Pointer, _, _ uintptr) {
	if ptr == nil {
		return
	}

	if g.strategy == StrategyDirect {
		g.heap.Free(ptr)
		return
	}

	g.heap.Free(rawPointer(ptr))
}

// UsableSize reports how many bytes starting at ptr belong to the block.
func (g *GC) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}

	return g.usableSize(ptr)
}

// Base returns the address of the engine block backing ptr. Engine
// primitives that expect a block base, such as finalizer registration, must
// be given this address.
func (g *GC) Base(ptr unsafe.Pointer) unsafe.Pointer {
	if ptr == nil || g.strategy == StrategyDirect {
		return ptr
	}

	return rawPointer(ptr)
}

func (g *GC) usableSize(ptr unsafe.Pointer) uintptr {
	if g.strategy == StrategyDirect {
		return g.heap.Size(ptr)
	}

	raw := rawPointer(ptr)
	delta := uintptr(ptr) - uintptr(raw)

	size := g.heap.Size(raw)
	if size < delta {
		return 0
	}

	return size - delta
}

// rawPointer reads the header word preceding an over-allocated block.
func rawPointer(ptr unsafe.Pointer) unsafe.Pointer {
	raw := hidePointer(*(*uintptr)(unsafe.Add(ptr, -int(headerSize))))

	return unsafe.Add(ptr, -int(uintptr(ptr)-raw))
}

// Utility functions.

func normalizeAlignment(alignment uintptr) uintptr {
	if alignment == 0 {
		return 1
	}

	if alignment&(alignment-1) != 0 {
		panic(gcerrors.InvalidAlignment(alignment))
	}

	return alignment
}

// paddedSize returns size + alignment - 1 + headerSize, reporting overflow.
func paddedSize(size, alignment uintptr) (uintptr, bool) {
	pad := alignment - 1 + headerSize

	total := size + pad
	if total < size {
		return 0, false
	}

	return total, true
}

// alignUp aligns a size up to the nearest multiple of alignment.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}
