// Package simheap implements engine.Engine in pure Go. Blocks are Go byte
// slices kept alive by the heap's own tables; reachability is decided by a
// conservative word scan starting from every block the mutator has not
// released and from every uncollectable block.
//
// The heap exists for tests and for hosts built without cgo. Its finalizer
// ordering is an approximation of a real conservative collector, not a
// reference implementation.
package simheap

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/orizon-lang/gcalloc/engine"
)

const (
	granule  = 16
	wordSize = unsafe.Sizeof(uintptr(0))

	defaultCollectThreshold = 64 * 1024
	defaultFreeSpaceDivisor = 3
	defaultLittleBatch      = 256
	heapIncrement           = 64 * 1024
)

type block struct {
	buf           []byte // backing storage
	data          []byte // usable region, data[0] is the block base
	base          uintptr
	size          uintptr
	uncollectable bool
	released      bool
	leakReported  bool
}

type registration struct {
	mode engine.FinalizerMode
	fn   engine.FinalizerFunc
	data unsafe.Pointer
}

type pendingFinalizer struct {
	obj  unsafe.Pointer
	fn   engine.FinalizerFunc
	data unsafe.Pointer
}

// Config controls the simulated engine.
type Config struct {
	Version          [3]int
	Threads          int
	CollectThreshold uintptr
	LittleBatch      int
}

// Option configures a Heap.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Version:          [3]int{8, 2, 8},
		CollectThreshold: defaultCollectThreshold,
		LittleBatch:      defaultLittleBatch,
	}
}

// WithVersion sets the version the heap reports.
func WithVersion(major, minor, micro int) Option {
	return func(c *Config) { c.Version = [3]int{major, minor, micro} }
}

// WithThreads sets how many registered threads are suspended and resumed
// around each collection.
func WithThreads(n int) Option {
	return func(c *Config) { c.Threads = n }
}

// WithCollectThreshold sets the minimum number of bytes allocated between
// automatic collections.
func WithCollectThreshold(n uintptr) Option {
	return func(c *Config) { c.CollectThreshold = n }
}

// WithLittleBatch sets how many blocks one CollectALittle call may reclaim.
func WithLittleBatch(n int) Option {
	return func(c *Config) { c.LittleBatch = n }
}

// Heap is a simulated conservative collector.
type Heap struct {
	mu     sync.Mutex
	config *Config

	initialized bool
	markers     int
	interior    bool
	disabled    int
	findLeak    bool
	maxHeapSize uintptr
	divisor     uint

	blocks map[uintptr]*block
	bases  []uintptr // sorted block bases, for interior lookups

	registrations map[uintptr]*registration
	ready         []pendingFinalizer
	maxPerCall    uint
	onDemand      bool
	java          bool

	onCollection func(engine.Event)
	onThread     func(engine.Event, engine.ThreadID)
	warn         func(string)

	heapSize           uintptr
	liveBytes          uintptr
	uncollectableBytes uintptr
	stats              engine.Statistics
}

var _ engine.Engine = (*Heap)(nil)

// New creates an uninitialized simulated heap.
func New(options ...Option) *Heap {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	return &Heap{
		config:        config,
		markers:       1,
		interior:      true,
		divisor:       defaultFreeSpaceDivisor,
		blocks:        make(map[uintptr]*block),
		registrations: make(map[uintptr]*registration),
	}
}

// Init performs one-time setup. Later calls are no-ops.
func (h *Heap) Init() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.initLocked()
}

func (h *Heap) initLocked() {
	if h.initialized {
		return
	}

	h.initialized = true
	h.stats.MarkersM1 = uint64(h.markers - 1)
}

func (h *Heap) IsInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.initialized
}

func (h *Heap) Version() (major, minor, micro int) {
	v := h.config.Version

	return v[0], v[1], v[2]
}

func (h *Heap) SetMarkers(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized || n <= 0 {
		return
	}

	h.markers = n
}

func (h *Heap) SetAllInteriorPointers(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.interior = enabled
}

func (h *Heap) AllInteriorPointers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.interior
}

// Allocation.

func (h *Heap) Malloc(size uintptr) unsafe.Pointer {
	return h.alloc(size, granule, false)
}

func (h *Heap) MemAlign(alignment, size uintptr) unsafe.Pointer {
	if alignment < granule {
		alignment = granule
	}

	return h.alloc(size, alignment, false)
}

func (h *Heap) MallocUncollectable(size uintptr) unsafe.Pointer {
	return h.alloc(size, granule, true)
}

func (h *Heap) alloc(size, alignment uintptr, uncollectable bool) unsafe.Pointer {
	if size == 0 {
		size = 1
	}

	usable := alignUp(size, granule)
	if usable < size {
		return nil
	}

	var deliveries []func()

	h.mu.Lock()
	h.initLocked()

	if h.shouldCollectLocked(usable) {
		deliveries = h.collectLocked()
	}

	if !h.reserveLocked(usable) {
		h.mu.Unlock()
		h.deliver(deliveries)

		return nil
	}

	b := newBlock(usable, alignment)
	b.uncollectable = uncollectable
	h.insertLocked(b)

	h.liveBytes += usable
	if uncollectable {
		h.uncollectableBytes += usable
	}

	h.stats.BytesAllocdSinceGC += uint64(usable)
	h.mu.Unlock()

	h.deliver(deliveries)

	return unsafe.Pointer(unsafe.SliceData(b.data))
}

func (h *Heap) shouldCollectLocked(size uintptr) bool {
	if h.disabled > 0 {
		return false
	}

	threshold := h.config.CollectThreshold
	if h.divisor > 0 {
		threshold = max(threshold, h.heapSize/uintptr(h.divisor))
	}

	if uintptr(h.stats.BytesAllocdSinceGC)+size >= threshold {
		return true
	}

	return h.maxHeapSize > 0 && h.liveBytes+size > h.maxHeapSize
}

// reserveLocked grows the simulated heap so that size more bytes fit.
func (h *Heap) reserveLocked(size uintptr) bool {
	need := h.liveBytes + size
	if need <= h.heapSize {
		return true
	}

	grown := max(need, h.heapSize+heapIncrement)
	if h.maxHeapSize > 0 && grown > h.maxHeapSize {
		if need > h.maxHeapSize {
			return false
		}

		grown = h.maxHeapSize
	}

	h.stats.ObtainedFromOSBytes += uint64(grown - h.heapSize)
	h.heapSize = grown

	return true
}

func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[uintptr(ptr)]
	if !ok {
		panic("simheap: free of a pointer that is not a block base")
	}

	h.removeLocked(b)
	delete(h.registrations, b.base)
	h.stats.ExplFreedBytesSinceGC += uint64(b.size)
}

func (h *Heap) Size(ptr unsafe.Pointer) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.blocks[uintptr(ptr)]; ok {
		return b.size
	}

	return 0
}

// Release records that the mutator no longer references the block at ptr
// directly. The block survives collections only while it is reachable from
// another live block.
func (h *Heap) Release(ptr unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b := h.findLocked(uintptr(ptr), true); b != nil {
		b.released = true
	}
}

// Retain undoes Release.
func (h *Heap) Retain(ptr unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b := h.findLocked(uintptr(ptr), true); b != nil {
		b.released = false
	}
}

// Contains reports whether ptr lies inside a block that has not been
// reclaimed.
func (h *Heap) Contains(ptr unsafe.Pointer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.findLocked(uintptr(ptr), true) != nil
}

// Plain hides MemAlign so that adapters fall back to over-allocation.
func (h *Heap) Plain() engine.Heap {
	return plainHeap{h: h}
}

type plainHeap struct{ h *Heap }

func (p plainHeap) Malloc(size uintptr) unsafe.Pointer { return p.h.Malloc(size) }
func (p plainHeap) Free(ptr unsafe.Pointer)            { p.h.Free(ptr) }
func (p plainHeap) Size(ptr unsafe.Pointer) uintptr    { return p.h.Size(ptr) }

// Block bookkeeping.

func newBlock(size, alignment uintptr) *block {
	buf := make([]byte, size+alignment-1)
	start := alignUp(uintptr(unsafe.Pointer(unsafe.SliceData(buf))), alignment) - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	data := buf[start : start+size : start+size]

	return &block{
		buf:  buf,
		data: data,
		base: uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		size: size,
	}
}

func (h *Heap) insertLocked(b *block) {
	h.blocks[b.base] = b

	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] >= b.base })
	h.bases = append(h.bases, 0)
	copy(h.bases[i+1:], h.bases[i:])
	h.bases[i] = b.base
}

func (h *Heap) removeLocked(b *block) {
	delete(h.blocks, b.base)

	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] >= b.base })
	if i < len(h.bases) && h.bases[i] == b.base {
		h.bases = append(h.bases[:i], h.bases[i+1:]...)
	}

	h.liveBytes -= b.size
	if b.uncollectable {
		h.uncollectableBytes -= b.size
	}
}

// findLocked resolves an address to its block. Interior addresses only
// resolve when interior is true.
func (h *Heap) findLocked(addr uintptr, interior bool) *block {
	if b, ok := h.blocks[addr]; ok {
		return b
	}

	if !interior {
		return nil
	}

	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] > addr }) - 1
	if i < 0 {
		return nil
	}

	b := h.blocks[h.bases[i]]
	if addr < b.base+b.size {
		return b
	}

	return nil
}

func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}
