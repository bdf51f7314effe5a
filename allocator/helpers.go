package allocator

import (
	"unsafe"
)

// Realloc resizes the block at ptr to newSize bytes, moving it when it cannot
// be remapped. A nil ptr allocates; a zero newSize frees and returns nil. On
// failure the original block is left untouched and nil is returned.
func Realloc(a Allocator, ptr unsafe.Pointer, oldSize, alignment, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return a.Alloc(newSize, alignment)
	}

	if newSize == 0 {
		a.Free(ptr, oldSize, alignment)
		return nil
	}

	if p := a.Remap(ptr, oldSize, alignment, newSize); p != nil {
		return p
	}

	newPtr := a.Alloc(newSize, alignment)
	if newPtr == nil {
		return nil
	}

	copyMemory(newPtr, ptr, min(oldSize, newSize))
	a.Free(ptr, oldSize, alignment)

	return newPtr
}

// Create allocates a zeroed T. T must not contain pointers into the Go heap.
func Create[T any](a Allocator) *T {
	var zero T

	p := a.Alloc(max(unsafe.Sizeof(zero), 1), unsafe.Alignof(zero))
	if p == nil {
		return nil
	}

	v := (*T)(p)
	*v = zero

	return v
}

// Destroy frees a value obtained from Create.
func Destroy[T any](a Allocator, v *T) {
	if v == nil {
		return
	}

	var zero T
	a.Free(unsafe.Pointer(v), max(unsafe.Sizeof(zero), 1), unsafe.Alignof(zero))
}

// MakeSlice allocates a zeroed slice of n elements. It returns nil when n is
// zero or the allocation fails.
func MakeSlice[T any](a Allocator, n int) []T {
	if n <= 0 {
		return nil
	}

	var zero T

	elem := unsafe.Sizeof(zero)
	if elem == 0 {
		return make([]T, n)
	}

	size := elem * uintptr(n)
	if size/elem != uintptr(n) {
		return nil
	}

	p := a.Alloc(size, unsafe.Alignof(zero))
	if p == nil {
		return nil
	}

	s := unsafe.Slice((*T)(p), n)
	clear(s)

	return s
}

// FreeSlice frees a slice obtained from MakeSlice.
func FreeSlice[T any](a Allocator, s []T) {
	if cap(s) == 0 {
		return
	}

	var zero T

	elem := unsafe.Sizeof(zero)
	if elem == 0 {
		return
	}

	a.Free(unsafe.Pointer(unsafe.SliceData(s)), elem*uintptr(cap(s)), unsafe.Alignof(zero))
}

// Bytes exposes an Allocator through a byte-slice interface.
type Bytes struct {
	Allocator Allocator
	// Alignment applied to every buffer; zero means none.
	Alignment uintptr
}

// Allocate returns a buffer of size bytes, or nil on failure.
func (b Bytes) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}

	p := b.Allocator.Alloc(uintptr(size), b.Alignment)
	if p == nil {
		return nil
	}

	return unsafe.Slice((*byte)(p), size)
}

// Reallocate grows or shrinks buf to size bytes, preserving its contents.
func (b Bytes) Reallocate(size int, buf []byte) []byte {
	if cap(buf) == 0 {
		return b.Allocate(size)
	}

	if size <= 0 {
		b.Free(buf)
		return nil
	}

	p := Realloc(b.Allocator, unsafe.Pointer(unsafe.SliceData(buf)), uintptr(cap(buf)), b.Alignment, uintptr(size))
	if p == nil {
		return nil
	}

	return unsafe.Slice((*byte)(p), size)
}

// Free releases buf.
func (b Bytes) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}

	b.Allocator.Free(unsafe.Pointer(unsafe.SliceData(buf)), uintptr(cap(buf)), b.Alignment)
}

// copyMemory copies memory from src to dst.
func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}
