// Package engine describes the native surface a conservative collector has to
// expose for gcalloc to drive it: allocation primitives, lifecycle controls,
// an atomic statistics query, finalizer registration and event hooks.
//
// Any collector offering an equivalent malloc/free/realloc-style ABI can be
// plugged in by implementing Engine. The engine/bdwgc package binds libgc;
// internal/simheap provides a pure-Go stand-in.
package engine

import "unsafe"

// Heap is the minimal allocation surface. Blocks returned by Malloc are
// scanned conservatively and reclaimed once unreachable.
type Heap interface {
	// Malloc returns a zeroed block of at least size bytes, or nil.
	Malloc(size uintptr) unsafe.Pointer
	// Free releases a block previously returned by Malloc or MemAlign. ptr
	// must be the exact base address of the block.
	Free(ptr unsafe.Pointer)
	// Size reports the usable size of the block starting at ptr.
	Size(ptr unsafe.Pointer) uintptr
}

// AlignedHeap is implemented by heaps that honour arbitrary power-of-two
// alignments natively.
type AlignedHeap interface {
	Heap
	MemAlign(alignment, size uintptr) unsafe.Pointer
}

// Engine is the complete contract gcalloc depends on.
type Engine interface {
	AlignedHeap

	// Init performs native setup. Callers guard it with IsInitialized.
	Init()
	IsInitialized() bool
	// Version returns the engine version as major, minor, micro.
	Version() (major, minor, micro int)

	// SetMarkers sets the marker thread count; only effective before Init.
	SetMarkers(n int)
	SetAllInteriorPointers(enabled bool)
	AllInteriorPointers() bool

	// MallocUncollectable returns a block that is scanned for pointers but
	// never reclaimed.
	MallocUncollectable(size uintptr) unsafe.Pointer

	Enable()
	Disable()
	IsDisabled() bool
	Collect()
	// CollectALittle performs one bounded increment of collection work and
	// returns zero when there is nothing left to do.
	CollectALittle() int
	SetFindLeak(enabled bool)
	FindLeak() bool

	SetMaxHeapSize(n uintptr)
	SetFreeSpaceDivisor(n uint)
	ExpandHeap(n uintptr) bool

	// Stats fills a statistics block in one atomic step.
	Stats() Statistics

	// RegisterFinalizer associates fn with obj under mode. A nil fn removes
	// the existing registration without running it.
	RegisterFinalizer(mode FinalizerMode, obj unsafe.Pointer, fn FinalizerFunc, data unsafe.Pointer)
	ShouldInvokeFinalizers() bool
	InvokeFinalizers() int
	// SetMaxFinalizersPerCall caps InvokeFinalizers; zero is unlimited.
	SetMaxFinalizersPerCall(n uint)
	SetFinalizeOnDemand(enabled bool)
	SetJavaFinalization(enabled bool)

	// SetOnCollectionEvent and SetOnThreadEvent replace the single
	// process-wide callback for their category. nil clears it.
	SetOnCollectionEvent(fn func(Event))
	SetOnThreadEvent(fn func(Event, ThreadID))
	// SetWarnHandler receives engine diagnostics. nil restores the default.
	SetWarnHandler(fn func(msg string))
}

// FinalizerFunc runs once obj has become unreachable.
type FinalizerFunc func(obj, data unsafe.Pointer)

// FinalizerMode selects the ordering policy of a finalizer registration.
type FinalizerMode int

const (
	// FinalizerNormal orders finalization topologically.
	FinalizerNormal FinalizerMode = iota
	// FinalizerIgnoreSelf ignores the object's pointers to itself when ordering.
	FinalizerIgnoreSelf
	// FinalizerNoOrder ignores all cycles for ordering.
	FinalizerNoOrder
	// FinalizerUnreachable fires only once the object is unreachable from
	// every other finalizable object. Requires Java-style finalization to be
	// enabled; otherwise the engine silently ignores the registration.
	FinalizerUnreachable
)

func (m FinalizerMode) String() string {
	switch m {
	case FinalizerNormal:
		return "normal"
	case FinalizerIgnoreSelf:
		return "ignore_self"
	case FinalizerNoOrder:
		return "no_order"
	case FinalizerUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the four known modes.
func (m FinalizerMode) Valid() bool {
	return m >= FinalizerNormal && m <= FinalizerUnreachable
}

// ThreadID identifies a thread in thread events. It is opaque to gcalloc.
type ThreadID uintptr
