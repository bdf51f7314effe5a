package engine

// Statistics is a snapshot of the collector counters taken in one atomic
// native call. It is a plain value and is never updated after capture.
type Statistics struct {
	HeapSizeFull           uint64
	FreeBytesFull          uint64
	UnmappedBytes          uint64
	BytesAllocdSinceGC     uint64
	AllocdBytesBeforeGC    uint64
	NonGCBytes             uint64
	GCNo                   uint64
	MarkersM1              uint64
	BytesReclaimedSinceGC  uint64
	ReclaimedBytesBeforeGC uint64
	ExplFreedBytesSinceGC  uint64
	ObtainedFromOSBytes    uint64
}

// HeapSize is the heap size excluding unmapped pages.
func (s Statistics) HeapSize() uint64 {
	return s.HeapSizeFull - s.UnmappedBytes
}

// FreeBytes is the free byte count excluding unmapped pages.
func (s Statistics) FreeBytes() uint64 {
	return s.FreeBytesFull - s.UnmappedBytes
}

// Markers is the number of marker threads, including the collecting thread.
func (s Statistics) Markers() uint64 {
	return s.MarkersM1 + 1
}

// BytesAllocd is the total number of bytes allocated over the process lifetime.
func (s Statistics) BytesAllocd() uint64 {
	return s.AllocdBytesBeforeGC + s.BytesAllocdSinceGC
}
