package usm

// This file defines alignedAlloc, modelled after mm_malloc, but on Go-managed memory.

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// alignedAlloc returns a pointer aligned to alignment, to a zero-filled block of at least size bytes, and the
// backing slice that keeps the block alive.
//
// Go's garbage collector doesn't move heap objects, so the pointer stays valid for as long as storage is referenced.
// A zero size still returns a distinct non-nil pointer.
func alignedAlloc(size, alignment uintptr) (ptr unsafe.Pointer, storage []byte) {
	if alignment == 0 || bits.OnesCount64(uint64(alignment)) != 1 {
		panic(fmt.Sprintf("alignedAlloc: alignment must be a power of 2, got %d", alignment))
	}
	// Allocate extra to allow the alignment.
	storage = make([]byte, max(size, 1)+alignment)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(storage)))
	offset := (alignment - base%alignment) % alignment
	ptr = unsafe.Pointer(&storage[offset])
	return
}

// isAligned reports whether ptr is a multiple of alignment.
func isAligned(ptr unsafe.Pointer, alignment uintptr) bool {
	return uintptr(ptr)%alignment == 0
}
