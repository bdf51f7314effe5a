package simheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/gcalloc/engine"
)

func link(from, to unsafe.Pointer, offset uintptr) {
	*(*uintptr)(unsafe.Add(from, offset)) = uintptr(to)
}

func TestAllocationBasics(t *testing.T) {
	h := New()
	assert.False(t, h.IsInitialized())

	p := h.Malloc(10)
	require.NotNil(t, p)
	assert.True(t, h.IsInitialized(), "allocation initializes the heap")
	assert.Equal(t, uintptr(16), h.Size(p))
	assert.Zero(t, h.Size(unsafe.Add(p, 1)))

	q := h.MemAlign(1024, 100)
	require.NotNil(t, q)
	assert.Zero(t, uintptr(q)%1024)

	assert.Panics(t, func() { h.Free(unsafe.Add(p, 8)) })

	h.Free(p)
	h.Free(nil)
	assert.False(t, h.Contains(p))

	major, minor, micro := New(WithVersion(7, 6, 12)).Version()
	assert.Equal(t, []int{7, 6, 12}, []int{major, minor, micro})
}

func TestReachability(t *testing.T) {
	h := New()

	root := h.Malloc(64)
	child := h.Malloc(32)
	orphan := h.Malloc(32)

	link(root, child, 0)
	h.Release(child)
	h.Release(orphan)

	h.Collect()

	assert.True(t, h.Contains(root))
	assert.True(t, h.Contains(child), "referenced from a root")
	assert.False(t, h.Contains(orphan))

	link(root, nil, 0)
	h.Collect()
	assert.False(t, h.Contains(child))
}

func TestInteriorPointers(t *testing.T) {
	for _, interior := range []bool{true, false} {
		h := New()
		h.SetAllInteriorPointers(interior)
		assert.Equal(t, interior, h.AllInteriorPointers())

		root := h.Malloc(16)
		target := h.Malloc(64)
		link(root, unsafe.Add(target, 24), 0)
		h.Release(target)

		h.Collect()
		assert.Equal(t, interior, h.Contains(target), "interior=%v", interior)
	}
}

func TestUncollectableRoots(t *testing.T) {
	h := New()

	slot := h.MallocUncollectable(16)
	obj := h.Malloc(48)
	link(slot, obj, 8)

	h.Release(slot)
	h.Release(obj)
	h.Collect()

	assert.True(t, h.Contains(slot))
	assert.True(t, h.Contains(obj))
	assert.Equal(t, uint64(16), h.Stats().NonGCBytes)

	link(slot, nil, 8)
	h.Collect()
	assert.False(t, h.Contains(obj))
}

func TestCollectionEvents(t *testing.T) {
	h := New(WithThreads(2))

	var got []string
	h.SetOnCollectionEvent(func(ev engine.Event) { got = append(got, ev.String()) })
	h.SetOnThreadEvent(func(ev engine.Event, id engine.ThreadID) {
		assert.NotZero(t, id)
		got = append(got, ev.String())
	})

	h.Collect()

	assert.Equal(t, []string{
		"start",
		"pre_stop_world",
		"thread_suspended", "thread_suspended",
		"post_stop_world",
		"mark_start",
		"mark_end",
		"pre_start_world",
		"thread_unsuspended", "thread_unsuspended",
		"post_start_world",
		"reclaim_start",
		"reclaim_end",
		"end",
	}, got)

	got = nil
	h.SetOnCollectionEvent(nil)
	h.SetOnThreadEvent(nil)
	h.Collect()
	assert.Empty(t, got)
	assert.Equal(t, uint64(2), h.Stats().GCNo)
}

func TestAutomaticCollection(t *testing.T) {
	h := New(WithCollectThreshold(1024))

	h.Disable()
	h.Disable()
	assert.True(t, h.IsDisabled())

	for i := 0; i < 200; i++ {
		h.Release(h.Malloc(64))
	}
	assert.Zero(t, h.Stats().GCNo)

	h.Enable()
	assert.True(t, h.IsDisabled(), "disable calls nest")
	h.Enable()
	h.Enable()
	assert.False(t, h.IsDisabled())

	for i := 0; i < 200; i++ {
		h.Release(h.Malloc(64))
	}

	stats := h.Stats()
	assert.NotZero(t, stats.GCNo)
	assert.NotZero(t, stats.ReclaimedBytesBeforeGC+stats.BytesReclaimedSinceGC)
}

func TestMaxHeapSize(t *testing.T) {
	h := New()
	h.SetMaxHeapSize(64 * 1024)

	assert.Nil(t, h.Malloc(128*1024))
	assert.NotNil(t, h.Malloc(1024))
	assert.False(t, h.ExpandHeap(1<<20))

	h.SetMaxHeapSize(0)
	assert.True(t, h.ExpandHeap(1<<20))
	assert.GreaterOrEqual(t, h.Stats().HeapSizeFull, uint64(1<<20))
}

func TestFindLeak(t *testing.T) {
	h := New()
	h.SetFindLeak(true)
	assert.True(t, h.FindLeak())

	var warnings []string
	h.SetWarnHandler(func(msg string) { warnings = append(warnings, msg) })

	p := h.Malloc(32)
	h.Release(p)

	h.Collect()
	h.Collect()

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Leaked object")
	assert.True(t, h.Contains(p), "leaks are reported, not reclaimed")
	assert.Zero(t, h.CollectALittle())
}

func TestCollectALittle(t *testing.T) {
	h := New()

	p := h.Malloc(32)
	q := h.Malloc(32)
	h.RegisterFinalizer(engine.FinalizerNormal, q, func(_, _ unsafe.Pointer) {}, nil)
	h.Release(p)
	h.Release(q)

	assert.Equal(t, 1, h.CollectALittle())
	assert.False(t, h.Contains(p))
	assert.True(t, h.Contains(q), "finalizable objects wait for a full collection")
	assert.Zero(t, h.CollectALittle())
}

func TestFinalizerRunsOnce(t *testing.T) {
	h := New()

	p := h.Malloc(32)
	calls := 0
	var gotObj, gotData unsafe.Pointer
	data := unsafe.Pointer(&calls)

	h.RegisterFinalizer(engine.FinalizerNormal, p, func(obj, d unsafe.Pointer) {
		calls++
		gotObj, gotData = obj, d
	}, data)
	assert.True(t, h.Registered(p))

	h.Collect()
	assert.Zero(t, calls, "reachable objects are not finalized")

	h.Release(p)
	h.Collect()
	assert.Equal(t, 1, calls)
	assert.Equal(t, p, gotObj)
	assert.Equal(t, data, gotData)
	assert.False(t, h.Registered(p))
	assert.True(t, h.Contains(p), "object survives the cycle that finalized it")

	h.Collect()
	assert.Equal(t, 1, calls)
	assert.False(t, h.Contains(p))
}

func TestFinalizerClear(t *testing.T) {
	h := New()

	p := h.Malloc(32)
	ran := false
	h.RegisterFinalizer(engine.FinalizerNormal, p, func(_, _ unsafe.Pointer) { ran = true }, nil)
	h.RegisterFinalizer(engine.FinalizerNormal, p, nil, nil)
	assert.False(t, h.Registered(p))

	h.Release(p)
	h.Collect()
	assert.False(t, ran)
	assert.False(t, h.Contains(p))

	// unknown objects are ignored
	h.RegisterFinalizer(engine.FinalizerNormal, unsafe.Pointer(&ran), func(_, _ unsafe.Pointer) {}, nil)
}

func TestFinalizerOrdering(t *testing.T) {
	h := New()

	a := h.Malloc(32)
	b := h.Malloc(32)
	link(a, b, 0)

	var order []string
	h.RegisterFinalizer(engine.FinalizerNormal, a, func(_, _ unsafe.Pointer) { order = append(order, "a") }, nil)
	h.RegisterFinalizer(engine.FinalizerNormal, b, func(_, _ unsafe.Pointer) { order = append(order, "b") }, nil)
	h.Release(a)
	h.Release(b)

	h.Collect()
	assert.Equal(t, []string{"a"}, order, "referent waits for its referrer")

	h.Collect()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestFinalizerNoOrder(t *testing.T) {
	h := New()

	a := h.Malloc(32)
	b := h.Malloc(32)
	link(a, b, 0)

	count := 0
	fn := func(_, _ unsafe.Pointer) { count++ }
	h.RegisterFinalizer(engine.FinalizerNoOrder, a, fn, nil)
	h.RegisterFinalizer(engine.FinalizerNoOrder, b, fn, nil)
	h.Release(a)
	h.Release(b)

	h.Collect()
	assert.Equal(t, 2, count)
}

func TestFinalizerSelfReference(t *testing.T) {
	h := New()

	normal := h.Malloc(32)
	ignoreSelf := h.Malloc(32)
	link(normal, normal, 0)
	link(ignoreSelf, ignoreSelf, 0)

	var ran []unsafe.Pointer
	fn := func(obj, _ unsafe.Pointer) { ran = append(ran, obj) }
	h.RegisterFinalizer(engine.FinalizerNormal, normal, fn, nil)
	h.RegisterFinalizer(engine.FinalizerIgnoreSelf, ignoreSelf, fn, nil)
	h.Release(normal)
	h.Release(ignoreSelf)

	h.Collect()
	assert.Equal(t, []unsafe.Pointer{ignoreSelf}, ran)
	assert.True(t, h.Registered(normal), "self cycles block ordered finalization")
}

func TestFinalizerUnreachableNeedsJava(t *testing.T) {
	h := New()
	p := h.Malloc(32)
	fn := func(_, _ unsafe.Pointer) {}

	h.RegisterFinalizer(engine.FinalizerUnreachable, p, fn, nil)
	assert.False(t, h.Registered(p))

	h.SetJavaFinalization(true)
	h.RegisterFinalizer(engine.FinalizerUnreachable, p, fn, nil)
	assert.True(t, h.Registered(p))
}

func TestFinalizeOnDemand(t *testing.T) {
	h := New()
	h.SetFinalizeOnDemand(true)
	h.SetMaxFinalizersPerCall(2)

	count := 0
	for i := 0; i < 5; i++ {
		p := h.Malloc(32)
		h.RegisterFinalizer(engine.FinalizerNormal, p, func(_, _ unsafe.Pointer) { count++ }, nil)
		h.Release(p)
	}

	h.Collect()
	assert.Zero(t, count)
	assert.True(t, h.ShouldInvokeFinalizers())

	assert.Equal(t, 2, h.InvokeFinalizers())
	assert.Equal(t, 2, h.InvokeFinalizers())
	assert.Equal(t, 1, h.InvokeFinalizers())
	assert.Zero(t, h.InvokeFinalizers())
	assert.False(t, h.ShouldInvokeFinalizers())
	assert.Equal(t, 5, count)
}

func TestStatsSnapshot(t *testing.T) {
	h := New()
	h.SetMarkers(4)
	h.Init()
	h.SetMarkers(8)

	p := h.Malloc(100)
	h.Free(p)

	s := h.Stats()
	assert.Equal(t, uint64(4), s.Markers())
	assert.Equal(t, uint64(112), s.BytesAllocdSinceGC)
	assert.Equal(t, uint64(112), s.ExplFreedBytesSinceGC)
	assert.Equal(t, s.HeapSizeFull, s.FreeBytesFull)
	assert.Equal(t, s.HeapSizeFull, s.ObtainedFromOSBytes)

	h.Collect()
	s = h.Stats()
	assert.Zero(t, s.BytesAllocdSinceGC)
	assert.Equal(t, uint64(112), s.AllocdBytesBeforeGC)
	assert.Equal(t, uint64(112), s.BytesAllocd())
}
