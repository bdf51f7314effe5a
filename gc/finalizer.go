package gc

import (
	"unsafe"

	"go.uber.org/zap"

	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// RegisterFinalizer arranges for fn(obj, data) to run once obj, a pointer
// obtained from this collector's allocator, becomes unreachable. It runs at
// most once and the registration is dropped afterwards.
//
// A nil fn removes any existing registration on obj without running it.
// Registering again replaces the previous registration, which is discarded.
//
// FinalizerUnreachable only takes effect while Java-style finalization is
// enabled (SetJavaFinalization); otherwise the engine ignores it silently.
func (c *Collector) RegisterFinalizer(obj unsafe.Pointer, fn FinalizerFunc, data unsafe.Pointer, mode FinalizerMode) {
	if !mode.Valid() {
		panic(gcerrors.InvalidFinalizerMode(int(mode)))
	}

	if obj == nil {
		return
	}

	c.mustInit()

	base := c.alloc.Base(obj)
	if fn != nil && base != obj {
		user := fn
		fn = func(_, data unsafe.Pointer) { user(obj, data) }
	}

	c.engine.RegisterFinalizer(mode, base, fn, data)

	if ce := c.log.Check(zap.DebugLevel, "finalizer registration"); ce != nil {
		ce.Write(zap.Stringer("mode", mode), zap.Bool("cleared", fn == nil))
	}
}

// ShouldInvokeFinalizers reports whether at least one finalizer was ready at
// the time of the check. It is a hint, not a guarantee.
func (c *Collector) ShouldInvokeFinalizers() bool {
	return c.engine.ShouldInvokeFinalizers()
}

// InvokeFinalizers runs the ready finalizers, up to the per-call cap, and
// returns how many ran. It returns zero when none are ready.
func (c *Collector) InvokeFinalizers() int {
	c.mustInit()

	return c.engine.InvokeFinalizers()
}

// SetMaxFinalizersPerCall caps InvokeFinalizers. Zero means unlimited.
func (c *Collector) SetMaxFinalizersPerCall(n uint) {
	c.engine.SetMaxFinalizersPerCall(n)
}

// SetFinalizeOnDemand makes finalizers run only from InvokeFinalizers.
func (c *Collector) SetFinalizeOnDemand(enabled bool) {
	c.engine.SetFinalizeOnDemand(enabled)
}

// SetJavaFinalization enables the mode FinalizerUnreachable depends on.
func (c *Collector) SetJavaFinalization(enabled bool) {
	c.engine.SetJavaFinalization(enabled)
}
