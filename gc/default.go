package gc

import (
	"sync"
	"unsafe"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/engine"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// There is one collector per process. Engines register themselves on import
// and Default builds the collector lazily.
var (
	defaultMu        sync.Mutex
	defaultEngine    engine.Engine
	defaultOptions   []Option
	defaultCollector *Collector
)

// Register installs eng as the process-wide engine. A later registration
// replaces the earlier one and discards a default collector built on it.
func Register(eng engine.Engine) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultEngine = eng
	defaultCollector = nil
}

// Configure sets the options Default builds the collector with. It has no
// effect once Default has been called.
func Configure(options ...Option) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultOptions = append([]Option(nil), options...)
}

// Default returns the process-wide collector. It panics when no engine has
// been registered.
func Default() *Collector {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCollector == nil {
		if defaultEngine == nil {
			panic(gcerrors.NoEngine())
		}

		defaultCollector = New(defaultEngine, defaultOptions...)
	}

	return defaultCollector
}

// Global convenience functions.

// Init initializes the default collector. See Collector.Init.
func Init(markers int) error {
	return Default().Init(markers)
}

// Allocator returns the default collector's allocator handle.
func Allocator() allocator.Allocator {
	return Default().Allocator()
}

// Collect runs a full collection on the default collector.
func Collect() {
	Default().Collect()
}

// CollectLittle runs one collection increment on the default collector.
func CollectLittle() int {
	return Default().CollectLittle()
}

// Enable re-enables automatic collection on the default collector.
func Enable() {
	Default().Enable()
}

// Disable suspends automatic collection on the default collector.
func Disable() {
	Default().Disable()
}

// GetStatistics returns a statistics snapshot of the default collector.
func GetStatistics() Statistics {
	return Default().Statistics()
}

// RegisterFinalizer registers a finalizer with the default collector.
func RegisterFinalizer(obj unsafe.Pointer, fn FinalizerFunc, data unsafe.Pointer, mode FinalizerMode) {
	Default().RegisterFinalizer(obj, fn, data, mode)
}

// InvokeFinalizers runs ready finalizers of the default collector.
func InvokeFinalizers() int {
	return Default().InvokeFinalizers()
}
