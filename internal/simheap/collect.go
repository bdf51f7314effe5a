package simheap

import (
	"fmt"
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
)

func (h *Heap) Enable() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disabled > 0 {
		h.disabled--
	}
}

func (h *Heap) Disable() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.disabled++
}

func (h *Heap) IsDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.disabled > 0
}

func (h *Heap) SetFindLeak(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.findLeak = enabled
}

func (h *Heap) FindLeak() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.findLeak
}

func (h *Heap) SetMaxHeapSize(n uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.maxHeapSize = n
}

func (h *Heap) SetFreeSpaceDivisor(n uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.divisor = n
}

func (h *Heap) ExpandHeap(n uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.initLocked()

	if h.maxHeapSize > 0 && h.heapSize+n > h.maxHeapSize {
		return false
	}

	h.heapSize += n
	h.stats.ObtainedFromOSBytes += uint64(n)

	return true
}

// Stats returns a snapshot taken under the heap lock.
func (h *Heap) Stats() engine.Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.HeapSizeFull = uint64(h.heapSize)
	s.FreeBytesFull = uint64(h.heapSize - h.liveBytes)
	s.NonGCBytes = uint64(h.uncollectableBytes)

	return s
}

// Collect runs a full collection. Collection is allowed while disabled.
func (h *Heap) Collect() {
	h.mu.Lock()
	h.initLocked()
	deliveries := h.collectLocked()
	h.mu.Unlock()

	h.deliver(deliveries)
}

// CollectALittle reclaims at most one batch of unreachable blocks that carry
// no finalizer. It returns zero when there was nothing to reclaim.
func (h *Heap) CollectALittle() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.initLocked()

	marked := h.markRootsLocked()
	for base := range h.registrations {
		h.markFromLocked(h.blocks[base], marked, nil)
	}

	for _, p := range h.ready {
		h.markFromLocked(h.blocks[uintptr(p.obj)], marked, nil)
	}

	reclaimed := 0
	for _, base := range append([]uintptr(nil), h.bases...) {
		if reclaimed >= h.config.LittleBatch {
			break
		}

		b := h.blocks[base]
		if marked[b] || h.findLeak {
			continue
		}

		h.reclaimLocked(b)
		reclaimed++
	}

	if reclaimed == 0 {
		return 0
	}

	return 1
}

// collectLocked runs one collection cycle and returns the callbacks to run
// once the lock is dropped, in delivery order.
func (h *Heap) collectLocked() []func() {
	var deliveries []func()

	emit := func(ev engine.Event) {
		if fn := h.onCollection; fn != nil {
			deliveries = append(deliveries, func() { fn(ev) })
		}
	}
	emitThreads := func(ev engine.Event) {
		fn := h.onThread
		if fn == nil {
			return
		}

		for i := 0; i < h.config.Threads; i++ {
			id := engine.ThreadID(0x1000 + i)
			deliveries = append(deliveries, func() { fn(ev, id) })
		}
	}

	emit(engine.EventStart)
	emit(engine.EventPreStopWorld)
	emitThreads(engine.EventThreadSuspended)
	emit(engine.EventPostStopWorld)

	emit(engine.EventMarkStart)
	marked := h.markRootsLocked()
	h.finalizeLocked(marked)
	emit(engine.EventMarkEnd)

	emit(engine.EventPreStartWorld)
	emitThreads(engine.EventThreadUnsuspended)
	emit(engine.EventPostStartWorld)

	emit(engine.EventReclaimStart)
	reclaimedBefore := h.stats.BytesReclaimedSinceGC
	h.stats.BytesReclaimedSinceGC = 0

	for _, base := range append([]uintptr(nil), h.bases...) {
		b := h.blocks[base]
		if marked[b] {
			continue
		}

		if h.findLeak {
			if !b.leakReported && h.warn != nil {
				b.leakReported = true
				msg := fmt.Sprintf("Leaked object at %#x (size %d)", b.base, b.size)
				warn := h.warn
				deliveries = append(deliveries, func() { warn(msg) })
			}

			continue
		}

		h.reclaimLocked(b)
	}
	emit(engine.EventReclaimEnd)

	h.stats.GCNo++
	h.stats.AllocdBytesBeforeGC += h.stats.BytesAllocdSinceGC
	h.stats.BytesAllocdSinceGC = 0
	h.stats.ReclaimedBytesBeforeGC += reclaimedBefore
	h.stats.ExplFreedBytesSinceGC = 0
	emit(engine.EventEnd)

	if !h.onDemand && len(h.ready) > 0 {
		deliveries = append(deliveries, func() { h.InvokeFinalizers() })
	}

	return deliveries
}

func (h *Heap) reclaimLocked(b *block) {
	h.removeLocked(b)
	delete(h.registrations, b.base)
	h.stats.BytesReclaimedSinceGC += uint64(b.size)
}

// markRootsLocked marks everything reachable from unreleased and
// uncollectable blocks.
func (h *Heap) markRootsLocked() map[*block]bool {
	marked := make(map[*block]bool, len(h.blocks))

	for _, b := range h.blocks {
		if !b.released || b.uncollectable {
			h.markFromLocked(b, marked, nil)
		}
	}

	return marked
}

// markFromLocked marks b and everything transitively reachable from it.
// Pointers to skip are ignored, which lets ordering computations disregard
// self references.
func (h *Heap) markFromLocked(b *block, marked map[*block]bool, skip *block) {
	if b == nil || marked[b] {
		return
	}

	marked[b] = true

	stack := []*block{b}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		h.scanLocked(cur, func(next *block) {
			if next == skip || marked[next] {
				return
			}

			marked[next] = true
			stack = append(stack, next)
		})
	}
}

// scanLocked calls visit for every block a word of b may point to.
func (h *Heap) scanLocked(b *block, visit func(*block)) {
	for off := uintptr(0); off+wordSize <= b.size; off += wordSize {
		word := *(*uintptr)(unsafe.Pointer(&b.data[off]))
		if word == 0 {
			continue
		}

		if next := h.findLocked(word, h.interior); next != nil {
			visit(next)
		}
	}
}

// finalizeLocked moves registrations whose objects became unreachable to the
// ready queue and marks everything they reach so it survives this cycle.
func (h *Heap) finalizeLocked(marked map[*block]bool) {
	var candidates []*block

	for base, reg := range h.registrations {
		b := h.blocks[base]
		if b == nil || marked[b] {
			continue
		}

		if reg.mode == engine.FinalizerUnreachable && !h.java {
			continue
		}

		candidates = append(candidates, b)
	}

	// Objects reachable from another unreachable finalizable object wait for
	// that one to be finalized first.
	blocked := make(map[*block]bool)

	for _, f := range candidates {
		reg := h.registrations[f.base]
		if reg.mode == engine.FinalizerNoOrder {
			continue
		}

		var skip *block
		if reg.mode == engine.FinalizerIgnoreSelf {
			skip = f
		}

		reach := make(map[*block]bool)
		h.scanLocked(f, func(next *block) {
			if next != skip {
				h.markFromLocked(next, reach, skip)
			}
		})

		for r := range reach {
			if r != f || reg.mode != engine.FinalizerIgnoreSelf {
				blocked[r] = true
			}
		}
	}

	for _, f := range candidates {
		reg := h.registrations[f.base]
		if reg.mode != engine.FinalizerNoOrder && blocked[f] {
			continue
		}

		delete(h.registrations, f.base)
		h.ready = append(h.ready, pendingFinalizer{
			obj:  unsafe.Pointer(unsafe.SliceData(f.data)),
			fn:   reg.fn,
			data: reg.data,
		})
	}

	// Finalizable objects, ready or not, keep themselves and their referents
	// alive for this cycle.
	for _, f := range candidates {
		h.markFromLocked(f, marked, nil)
	}

	for _, p := range h.ready {
		h.markFromLocked(h.blocks[uintptr(p.obj)], marked, nil)
	}

	for base := range h.registrations {
		if b := h.blocks[base]; b != nil && !marked[b] {
			h.markFromLocked(b, marked, nil)
		}
	}
}

func (h *Heap) deliver(deliveries []func()) {
	for _, d := range deliveries {
		d()
	}
}
