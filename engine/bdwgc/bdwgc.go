//go:build cgo

package bdwgc

/*
#cgo pkg-config: bdw-gc
#cgo CFLAGS: -DGC_THREADS
#include <stdint.h>
#include <stdio.h>
#include <gc/gc.h>

extern void gcallocCollectionEvent(int);
extern void gcallocThreadEvent(int, void*);
extern void gcallocFinalize(void*, void*);
extern void gcallocWarn(char*);

// Registers the calling thread for the duration of one native call. Returns
// 1 when the caller must unregister it again with gcalloc_leave.
static int gcalloc_enter(void) {
	struct GC_stack_base sb;

	if (!GC_is_init_called() || GC_thread_is_registered()) {
		return 0;
	}
	if (GC_get_stack_base(&sb) != GC_SUCCESS) {
		return 0;
	}
	return GC_register_my_thread(&sb) == GC_SUCCESS;
}

static void gcalloc_leave(int registered) {
	if (registered) {
		GC_unregister_my_thread();
	}
}

static void gcalloc_init(void) {
	GC_init();
	GC_allow_register_threads();
}

static void* gcalloc_malloc(size_t n) {
	int r = gcalloc_enter();
	void* p = GC_malloc(n);
	gcalloc_leave(r);
	return p;
}

static void* gcalloc_memalign(size_t align, size_t n) {
	int r = gcalloc_enter();
	void* p = GC_memalign(align, n);
	gcalloc_leave(r);
	return p;
}

static void* gcalloc_malloc_uncollectable(size_t n) {
	int r = gcalloc_enter();
	void* p = GC_malloc_uncollectable(n);
	gcalloc_leave(r);
	return p;
}

static void gcalloc_free(void* p) {
	int r = gcalloc_enter();
	GC_free(p);
	gcalloc_leave(r);
}

static void gcalloc_collect(void) {
	int r = gcalloc_enter();
	GC_gcollect();
	gcalloc_leave(r);
}

static int gcalloc_collect_a_little(void) {
	int r = gcalloc_enter();
	int n = GC_collect_a_little();
	gcalloc_leave(r);
	return n;
}

static int gcalloc_expand_hp(size_t n) {
	int r = gcalloc_enter();
	int ok = GC_expand_hp(n);
	gcalloc_leave(r);
	return ok;
}

static int gcalloc_invoke_finalizers(void) {
	int r = gcalloc_enter();
	int n = GC_invoke_finalizers();
	gcalloc_leave(r);
	return n;
}

static void gcalloc_set_max_finalizers(unsigned n) {
#if GC_VERSION_MAJOR > 8 || (GC_VERSION_MAJOR == 8 && GC_VERSION_MINOR >= 3)
	GC_set_interrupt_finalizers(n);
#else
	(void)n;
#endif
}

static void GC_CALLBACK gcalloc_collection_trampoline(GC_EventType ev) {
	gcallocCollectionEvent((int)ev);
}

static void GC_CALLBACK gcalloc_thread_trampoline(GC_EventType ev, void* id) {
	gcallocThreadEvent((int)ev, id);
}

static void gcalloc_set_collection_hook(int on) {
	GC_set_on_collection_event(on ? gcalloc_collection_trampoline : 0);
}

static void gcalloc_set_thread_hook(int on) {
	GC_set_on_thread_event(on ? gcalloc_thread_trampoline : 0);
}

static void GC_CALLBACK gcalloc_finalizer_trampoline(void* obj, void* cd) {
	gcallocFinalize(obj, cd);
}

// Registers handle (0 clears) under one of the four ordering modes and
// returns the handle of the replaced registration, or 0 when the previous
// registration was not made by this package.
static uintptr_t gcalloc_register_finalizer(int mode, void* obj, uintptr_t handle) {
	GC_finalization_proc fn = handle ? gcalloc_finalizer_trampoline : 0;
	GC_finalization_proc ofn = 0;
	void* ocd = 0;

	int r = gcalloc_enter();
	switch (mode) {
	case 0:
		GC_register_finalizer(obj, fn, (void*)handle, &ofn, &ocd);
		break;
	case 1:
		GC_register_finalizer_ignore_self(obj, fn, (void*)handle, &ofn, &ocd);
		break;
	case 2:
		GC_register_finalizer_no_order(obj, fn, (void*)handle, &ofn, &ocd);
		break;
	case 3:
		GC_register_finalizer_unreachable(obj, fn, (void*)handle, &ofn, &ocd);
		break;
	default:
		break;
	}
	gcalloc_leave(r);

	return ofn == gcalloc_finalizer_trampoline ? (uintptr_t)ocd : 0;
}

static GC_warn_proc gcalloc_saved_warn;

static void GC_CALLBACK gcalloc_warn_trampoline(char* msg, GC_word arg) {
	char buf[512];
	snprintf(buf, sizeof(buf), msg, (unsigned long)arg);
	gcallocWarn(buf);
}

static void gcalloc_set_warn_hook(int on) {
	if (on) {
		if (!gcalloc_saved_warn) {
			gcalloc_saved_warn = GC_get_warn_proc();
		}
		GC_set_warn_proc((GC_warn_proc)gcalloc_warn_trampoline);
	} else if (gcalloc_saved_warn) {
		GC_set_warn_proc(gcalloc_saved_warn);
	}
}
*/
import "C"

import (
	"runtime"
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
	"github.com/orizon-lang/gcalloc/gc"
)

// Process-wide callback slots read by the C trampolines.
var (
	collectionSlot atomic.Pointer[func(engine.Event)]
	threadSlot     atomic.Pointer[func(engine.Event, engine.ThreadID)]
	warnSlot       atomic.Pointer[func(string)]
)

// finalizer is the Go side of a native registration, reached through a
// cgo.Handle passed as client data.
type finalizer struct {
	fn   engine.FinalizerFunc
	data unsafe.Pointer
}

// Collector is the libgc engine. Its zero value is ready to use; all
// instances drive the same native collector.
type Collector struct{}

// Default is the engine registered with gc on import.
var Default = &Collector{}

var _ engine.Engine = (*Collector)(nil)

func init() {
	gc.Register(Default)
}

var initOnce sync.Once

// Init initializes libgc on a dedicated OS thread. The thread that calls
// GC_init stays registered with the collector for good, so it is locked to a
// goroutine that parks forever instead of running other goroutines.
func (*Collector) Init() {
	initOnce.Do(func() {
		ready := make(chan struct{})

		go func() {
			runtime.LockOSThread()
			C.gcalloc_init()
			close(ready)

			<-make(chan struct{})
		}()

		<-ready
	})
}

// IsInitialized reports whether GC_init has run.
func (*Collector) IsInitialized() bool {
	return C.GC_is_init_called() != 0
}

// Version reports the version of the linked libgc.
func (*Collector) Version() (major, minor, micro int) {
	v := uint32(C.GC_get_version())

	return int(v >> 16), int((v >> 8) & 0xff), int(v & 0xff)
}

// SetMarkers sets the number of marker threads. It only has an effect before
// Init; n <= 0 keeps the library default.
func (*Collector) SetMarkers(n int) {
	if n > 0 {
		C.GC_set_markers_count(C.uint(n))
	}
}

// SetAllInteriorPointers toggles recognition of pointers into the middle of
// a block.
func (*Collector) SetAllInteriorPointers(enabled bool) {
	C.GC_set_all_interior_pointers(cBool(enabled))
}

// AllInteriorPointers reports whether interior pointers are recognized.
func (*Collector) AllInteriorPointers() bool {
	return C.GC_get_all_interior_pointers() != 0
}

// Allocation.

// Malloc allocates a collectable block of at least size bytes.
func (*Collector) Malloc(size uintptr) unsafe.Pointer {
	return C.gcalloc_malloc(C.size_t(size))
}

// MemAlign allocates a collectable block aligned to alignment.
func (*Collector) MemAlign(alignment, size uintptr) unsafe.Pointer {
	return C.gcalloc_memalign(C.size_t(alignment), C.size_t(size))
}

// MallocUncollectable allocates a block that is scanned for pointers but
// never reclaimed.
func (*Collector) MallocUncollectable(size uintptr) unsafe.Pointer {
	return C.gcalloc_malloc_uncollectable(C.size_t(size))
}

// Free explicitly releases a block.
func (*Collector) Free(ptr unsafe.Pointer) {
	C.gcalloc_free(ptr)
}

// Size reports the usable size of the block starting at ptr.
func (*Collector) Size(ptr unsafe.Pointer) uintptr {
	return uintptr(C.GC_size(ptr))
}

// Lifecycle.

// Enable undoes one Disable.
func (*Collector) Enable() { C.GC_enable() }

// Disable suspends automatic collection. Calls nest.
func (*Collector) Disable() { C.GC_disable() }

// IsDisabled reports whether automatic collection is disabled.
func (*Collector) IsDisabled() bool {
	return C.GC_is_disabled() != 0
}

// Collect runs a full, stop-the-world collection.
func (*Collector) Collect() {
	C.gcalloc_collect()
}

// CollectALittle performs a bounded increment of collection work and reports
// whether any work remains.
func (*Collector) CollectALittle() int {
	return int(C.gcalloc_collect_a_little())
}

// SetFindLeak switches leak-detection mode, in which unreachable blocks are
// reported instead of reclaimed.
func (*Collector) SetFindLeak(enabled bool) {
	C.GC_set_find_leak(cBool(enabled))
}

// FindLeak reports whether leak-detection mode is on.
func (*Collector) FindLeak() bool {
	return C.GC_get_find_leak() != 0
}

// SetMaxHeapSize caps heap growth; 0 removes the cap.
func (*Collector) SetMaxHeapSize(n uintptr) {
	C.GC_set_max_heap_size(C.GC_word(n))
}

// SetFreeSpaceDivisor trades heap growth against collection frequency.
func (*Collector) SetFreeSpaceDivisor(n uint) {
	C.GC_set_free_space_divisor(C.GC_word(n))
}

// ExpandHeap grows the heap by n bytes ahead of demand.
func (*Collector) ExpandHeap(n uintptr) bool {
	return C.gcalloc_expand_hp(C.size_t(n)) != 0
}

// Stats copies the native profile statistics in a single call.
func (*Collector) Stats() engine.Statistics {
	var s C.struct_GC_prof_stats_s
	C.GC_get_prof_stats(&s, C.size_t(unsafe.Sizeof(s)))

	return engine.Statistics{
		HeapSizeFull:           uint64(s.heapsize_full),
		FreeBytesFull:          uint64(s.free_bytes_full),
		UnmappedBytes:          uint64(s.unmapped_bytes),
		BytesAllocdSinceGC:     uint64(s.bytes_allocd_since_gc),
		AllocdBytesBeforeGC:    uint64(s.allocd_bytes_before_gc),
		NonGCBytes:             uint64(s.non_gc_bytes),
		GCNo:                   uint64(s.gc_no),
		MarkersM1:              uint64(s.markers_m1),
		BytesReclaimedSinceGC:  uint64(s.bytes_reclaimed_since_gc),
		ReclaimedBytesBeforeGC: uint64(s.reclaimed_bytes_before_gc),
		ExplFreedBytesSinceGC:  uint64(s.expl_freed_bytes_since_gc),
		ObtainedFromOSBytes:    uint64(s.obtained_from_os_bytes),
	}
}

// Finalization.

// RegisterFinalizer maps mode onto the matching native registration
// primitive. A handle displaced by this call is deleted without running it.
func (*Collector) RegisterFinalizer(mode engine.FinalizerMode, obj unsafe.Pointer, fn engine.FinalizerFunc, data unsafe.Pointer) {
	if !mode.Valid() {
		return
	}

	var handle cgo.Handle
	if fn != nil {
		handle = cgo.NewHandle(finalizer{fn: fn, data: data})
	}

	old := C.gcalloc_register_finalizer(C.int(mode), obj, C.uintptr_t(handle))
	if old != 0 {
		cgo.Handle(old).Delete()
	}
}

// ShouldInvokeFinalizers reports whether finalizers are ready to run.
func (*Collector) ShouldInvokeFinalizers() bool {
	return C.GC_should_invoke_finalizers() != 0
}

// InvokeFinalizers runs ready finalizers on the calling thread and returns
// how many ran.
func (*Collector) InvokeFinalizers() int {
	return int(C.gcalloc_invoke_finalizers())
}

// SetMaxFinalizersPerCall caps InvokeFinalizers; 0 means no cap.
func (*Collector) SetMaxFinalizersPerCall(n uint) {
	C.gcalloc_set_max_finalizers(C.uint(n))
}

// SetFinalizeOnDemand stops finalizers from running implicitly; they then
// run only from InvokeFinalizers.
func (*Collector) SetFinalizeOnDemand(enabled bool) {
	C.GC_set_finalize_on_demand(cBool(enabled))
}

// SetJavaFinalization enables the unreachable finalization mode.
func (*Collector) SetJavaFinalization(enabled bool) {
	C.GC_set_java_finalization(cBool(enabled))
}

// Events.

// SetOnCollectionEvent installs fn as the collection event callback; nil
// uninstalls it.
func (*Collector) SetOnCollectionEvent(fn func(engine.Event)) {
	if fn == nil {
		C.gcalloc_set_collection_hook(0)
		collectionSlot.Store(nil)

		return
	}

	collectionSlot.Store(&fn)
	C.gcalloc_set_collection_hook(1)
}

// SetOnThreadEvent installs fn as the thread event callback; nil uninstalls
// it.
func (*Collector) SetOnThreadEvent(fn func(engine.Event, engine.ThreadID)) {
	if fn == nil {
		C.gcalloc_set_thread_hook(0)
		threadSlot.Store(nil)

		return
	}

	threadSlot.Store(&fn)
	C.gcalloc_set_thread_hook(1)
}

// SetWarnHandler routes libgc warnings to fn; nil restores the previous
// warning procedure.
func (*Collector) SetWarnHandler(fn func(string)) {
	if fn == nil {
		C.gcalloc_set_warn_hook(0)
		warnSlot.Store(nil)

		return
	}

	warnSlot.Store(&fn)
	C.gcalloc_set_warn_hook(1)
}

func cBool(v bool) C.int {
	if v {
		return 1
	}

	return 0
}
