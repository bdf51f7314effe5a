package gc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/internal/simheap"
)

func TestFinalizerReceivesUserPointer(t *testing.T) {
	for _, strategy := range []allocator.Strategy{allocator.StrategyDirect, allocator.StrategyOverAllocate} {
		t.Run(strategy.String(), func(t *testing.T) {
			c, h := newTestCollector(t, nil, WithStrategy(strategy))

			p := c.Allocator().Alloc(40, 64)
			require.NotNil(t, p)

			tag := 7
			var gotObj, gotData unsafe.Pointer
			c.RegisterFinalizer(p, func(obj, data unsafe.Pointer) {
				gotObj, gotData = obj, data
			}, unsafe.Pointer(&tag), FinalizerNormal)

			h.Release(p)
			c.Collect()

			assert.Equal(t, p, gotObj)
			assert.Equal(t, unsafe.Pointer(&tag), gotData)
		})
	}
}

func TestFinalizerClearedByNil(t *testing.T) {
	c, h := newTestCollector(t, nil, WithStrategy(allocator.StrategyOverAllocate))

	p := c.Allocator().Alloc(40, 32)
	ran := false
	c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) { ran = true }, nil, FinalizerNormal)
	assert.True(t, h.Registered(c.alloc.Base(p)))

	c.RegisterFinalizer(p, nil, nil, FinalizerNormal)
	assert.False(t, h.Registered(c.alloc.Base(p)))

	h.Release(p)
	c.Collect()
	assert.False(t, ran)
	assert.False(t, h.Contains(p))
}

func TestFinalizerReplaced(t *testing.T) {
	c, h := newTestCollector(t, nil)

	p := c.Allocator().Alloc(16, 8)
	var got []string
	c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) { got = append(got, "first") }, nil, FinalizerNormal)
	c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) { got = append(got, "second") }, nil, FinalizerNoOrder)

	h.Release(p)
	c.Collect()
	c.Collect()
	assert.Equal(t, []string{"second"}, got)
}

func TestFinalizerInvalidArguments(t *testing.T) {
	c, h := newTestCollector(t, nil)

	assert.Panics(t, func() {
		c.RegisterFinalizer(nil, func(_, _ unsafe.Pointer) {}, nil, FinalizerMode(9))
	})
	assert.NotPanics(t, func() {
		c.RegisterFinalizer(nil, func(_, _ unsafe.Pointer) {}, nil, FinalizerNormal)
	})
	assert.False(t, h.IsInitialized(), "nil objects do not initialize the collector")
}

func TestInvokeFinalizersOnDemand(t *testing.T) {
	c, h := newTestCollector(t, nil)
	c.SetFinalizeOnDemand(true)

	p := c.Allocator().Alloc(16, 8)
	ran := 0
	c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) { ran++ }, nil, FinalizerNormal)

	assert.False(t, c.ShouldInvokeFinalizers())
	assert.Zero(t, c.InvokeFinalizers())

	h.Release(p)
	c.Collect()
	c.Collect()
	assert.Zero(t, ran)
	assert.True(t, c.ShouldInvokeFinalizers())

	assert.Equal(t, 1, c.InvokeFinalizers())
	assert.Zero(t, c.InvokeFinalizers())
	assert.Equal(t, 1, ran)
}

func TestNormalFinalizerOnOverAllocatedBlock(t *testing.T) {
	c, h := newTestCollector(t, nil, WithStrategy(allocator.StrategyOverAllocate))
	c.SetFinalizeOnDemand(true)

	p := c.Allocator().Alloc(48, 128)
	require.NotNil(t, p)

	var got unsafe.Pointer
	c.RegisterFinalizer(p, func(obj, _ unsafe.Pointer) { got = obj }, nil, FinalizerNormal)

	h.Release(p)
	c.Collect()
	c.Collect()

	require.True(t, c.ShouldInvokeFinalizers(), "the block header must not keep the block in a self cycle")
	assert.Equal(t, 1, c.InvokeFinalizers())
	assert.Equal(t, p, got)
}

func TestInvokeFinalizersCap(t *testing.T) {
	c, h := newTestCollector(t, nil)
	c.SetFinalizeOnDemand(true)
	c.SetMaxFinalizersPerCall(3)

	a := c.Allocator()
	for i := 0; i < 7; i++ {
		p := a.Alloc(16, 8)
		c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) {}, nil, FinalizerNoOrder)
		h.Release(p)
	}

	c.Collect()
	assert.Equal(t, 3, c.InvokeFinalizers())
	assert.Equal(t, 3, c.InvokeFinalizers())
	assert.Equal(t, 1, c.InvokeFinalizers())
	assert.Zero(t, c.InvokeFinalizers())
}

func TestUnreachableFinalizerNeedsJavaFinalization(t *testing.T) {
	c, h := newTestCollector(t, nil)

	p := c.Allocator().Alloc(16, 8)
	ran := false
	c.RegisterFinalizer(p, func(_, _ unsafe.Pointer) { ran = true }, nil, FinalizerUnreachable)
	h.Release(p)
	c.Collect()
	assert.False(t, ran)

	c.SetJavaFinalization(true)
	q := c.Allocator().Alloc(16, 8)
	c.RegisterFinalizer(q, func(_, _ unsafe.Pointer) { ran = true }, nil, FinalizerUnreachable)
	h.Release(q)
	c.Collect()
	assert.True(t, ran)
}

func TestEvents(t *testing.T) {
	c, _ := newTestCollector(t, []simheap.Option{simheap.WithThreads(3)})

	var phases []Event
	c.OnCollectionEvent(func(ev Event) { phases = append(phases, ev) })

	suspended := map[ThreadID]int{}
	resumed := map[ThreadID]int{}
	c.OnThreadEvent(func(ev Event, id ThreadID) {
		switch ev {
		case EventThreadSuspended:
			suspended[id]++
		case EventThreadUnsuspended:
			resumed[id]++
		}
	})

	c.Collect()
	c.Collect()

	want := append(append([]Event{}, engineOrder()...), engineOrder()...)
	assert.Equal(t, want, phases)
	assert.Len(t, suspended, 3)
	assert.Equal(t, suspended, resumed)
	for _, n := range suspended {
		assert.Equal(t, 2, n)
	}

	phases = nil
	c.OnCollectionEvent(nil)
	c.Collect()
	assert.Empty(t, phases)
}

func engineOrder() []Event {
	return []Event{
		EventStart,
		EventPreStopWorld,
		EventPostStopWorld,
		EventMarkStart,
		EventMarkEnd,
		EventPreStartWorld,
		EventPostStartWorld,
		EventReclaimStart,
		EventReclaimEnd,
		EventEnd,
	}
}
