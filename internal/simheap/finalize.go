package simheap

import (
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
)

// RegisterFinalizer records fn for the block at obj. A nil fn drops any
// existing registration. Unreachable-mode registrations are ignored while
// Java-style finalization is off.
func (h *Heap) RegisterFinalizer(mode engine.FinalizerMode, obj unsafe.Pointer, fn engine.FinalizerFunc, data unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[uintptr(obj)]
	if !ok {
		return
	}

	if fn == nil {
		delete(h.registrations, b.base)
		return
	}

	if mode == engine.FinalizerUnreachable && !h.java {
		return
	}

	h.registrations[b.base] = &registration{mode: mode, fn: fn, data: data}
}

// Registered reports whether obj currently has a finalizer registration.
func (h *Heap) Registered(obj unsafe.Pointer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.registrations[uintptr(obj)]

	return ok
}

func (h *Heap) ShouldInvokeFinalizers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.ready) > 0
}

// InvokeFinalizers runs ready finalizers, at most the configured cap, and
// returns how many ran. Finalizers run without the heap lock held.
func (h *Heap) InvokeFinalizers() int {
	h.mu.Lock()

	n := len(h.ready)
	if h.maxPerCall > 0 && uint(n) > h.maxPerCall {
		n = int(h.maxPerCall)
	}

	batch := append([]pendingFinalizer(nil), h.ready[:n]...)
	h.ready = h.ready[n:]
	h.mu.Unlock()

	for _, p := range batch {
		p.fn(p.obj, p.data)
	}

	return len(batch)
}

func (h *Heap) SetMaxFinalizersPerCall(n uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.maxPerCall = n
}

func (h *Heap) SetFinalizeOnDemand(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onDemand = enabled
}

func (h *Heap) SetJavaFinalization(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.java = enabled
}

// Event hooks.

func (h *Heap) SetOnCollectionEvent(fn func(engine.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onCollection = fn
}

func (h *Heap) SetOnThreadEvent(fn func(engine.Event, engine.ThreadID)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onThread = fn
}

func (h *Heap) SetWarnHandler(fn func(msg string)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.warn = fn
}
