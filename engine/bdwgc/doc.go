// Package bdwgc binds the Boehm-Demers-Weiser conservative collector (libgc,
// 8.2 or newer, built with thread support) as an engine.Engine.
//
// Importing the package registers the engine as the process-wide default:
//
//	import _ "github.com/orizon-lang/gcalloc/engine/bdwgc"
//
// The package requires cgo and pkg-config metadata for bdw-gc.
//
// Thread model: libgc stops the world by signalling every registered thread
// and scanning its stack. A Go thread that runs ordinary goroutines sits on a
// goroutine stack the collector must never scan, so threads are only
// registered while they execute a native call. Each shim that can allocate or
// collect registers the calling OS thread on entry and unregisters it before
// returning; during the call the thread runs on its system stack. GC_init is
// called from a dedicated locked OS thread that then parks, since the
// initializing thread cannot leave the collector.
//
// The collector therefore scans static data, its own heap and the stacks of
// threads inside a native call. It does not see goroutine stacks or the Go
// heap, so pointers held only there must be pinned (see gc.Collector.Pin).
//
// SetMaxFinalizersPerCall needs libgc 8.3 or newer; with older headers it is a
// no-op and InvokeFinalizers drains the whole queue.
//
// Event callbacks are stored in one process-wide slot per category and are
// reached through fixed C trampolines. Replacing a callback while a collection
// is in progress may still deliver the remaining events of that collection to
// the previous callback. Callbacks run with the world stopped and must not
// allocate from or call back into the collector.
package bdwgc
