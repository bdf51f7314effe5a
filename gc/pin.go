package gc

import (
	"sync"
	"unsafe"

	"github.com/orizon-lang/gcalloc/allocator"
)

const (
	pinChunkSlots = 256
	pinSlotSize   = unsafe.Sizeof(unsafe.Pointer(nil))
)

// Pin keeps a collector-managed pointer reachable while only Go memory
// refers to it. The collector does not scan goroutine stacks or the Go heap.
//
// The root slot holds the base of the engine block, so pins work with
// over-allocated blocks even when interior pointers are not recognized.
type Pin struct {
	slot  *unsafe.Pointer
	ptr   unsafe.Pointer
	alloc *allocator.GC
	table *pinTable
}

// pinTable hands out slots in uncollectable engine memory, which the
// collector scans as roots.
type pinTable struct {
	mu     sync.Mutex
	chunks []unsafe.Pointer
	free   []*unsafe.Pointer
	inUse  int
}

// Pin stores ptr in a root slot. It returns nil if the engine could not
// provide slot memory.
func (c *Collector) Pin(ptr unsafe.Pointer) *Pin {
	c.mustInit()

	slot := c.pins.acquire(c)
	if slot == nil {
		return nil
	}

	p := &Pin{slot: slot, alloc: c.alloc, table: &c.pins}
	p.Set(ptr)

	return p
}

// Pinned reports how many pins are currently held.
func (c *Collector) Pinned() int {
	c.pins.mu.Lock()
	defer c.pins.mu.Unlock()

	return c.pins.inUse
}

// Pointer returns the pinned pointer, or nil after Release.
func (p *Pin) Pointer() unsafe.Pointer {
	if p == nil || p.slot == nil {
		return nil
	}

	return p.ptr
}

// Set replaces the pinned pointer.
func (p *Pin) Set(ptr unsafe.Pointer) {
	if p == nil || p.slot == nil {
		return
	}

	p.ptr = ptr
	*p.slot = p.alloc.Base(ptr)
}

// Release clears the slot. Calling it more than once is harmless.
func (p *Pin) Release() {
	if p == nil || p.slot == nil {
		return
	}

	*p.slot = nil
	p.table.release(p.slot)
	p.slot = nil
	p.ptr = nil
}

func (t *pinTable) acquire(c *Collector) *unsafe.Pointer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		chunk := c.engine.MallocUncollectable(pinChunkSlots * pinSlotSize)
		if chunk == nil {
			return nil
		}

		t.chunks = append(t.chunks, chunk)
		for i := pinChunkSlots - 1; i >= 0; i-- {
			t.free = append(t.free, (*unsafe.Pointer)(unsafe.Add(chunk, uintptr(i)*pinSlotSize)))
		}
	}

	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.inUse++

	return slot
}

func (t *pinTable) release(slot *unsafe.Pointer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.free = append(t.free, slot)
	t.inUse--
}
