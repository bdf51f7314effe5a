//go:build cgo

package bdwgc

// #include <stdint.h>
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
)

//export gcallocCollectionEvent
func gcallocCollectionEvent(ev C.int) {
	if fn := collectionSlot.Load(); fn != nil {
		(*fn)(engine.Event(ev))
	}
}

//export gcallocThreadEvent
func gcallocThreadEvent(ev C.int, id unsafe.Pointer) {
	if fn := threadSlot.Load(); fn != nil {
		(*fn)(engine.Event(ev), engine.ThreadID(uintptr(id)))
	}
}

//export gcallocFinalize
func gcallocFinalize(obj, cd unsafe.Pointer) {
	h := cgo.Handle(uintptr(cd))

	f, ok := h.Value().(finalizer)
	h.Delete()

	if ok {
		f.fn(obj, f.data)
	}
}

//export gcallocWarn
func gcallocWarn(msg *C.char) {
	if fn := warnSlot.Load(); fn != nil {
		(*fn)(C.GoString(msg))
	}
}
