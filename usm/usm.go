// Package usm provides the unified shared memory (USM) allocator used as backing storage for device globals
// and other device-visible buffers.
//
// The Allocator interface is what the runtime in package xpu consumes. HostAllocator is an implementation that
// backs every allocation kind (host, device and shared) with Go-managed memory, which is what the CPU platform
// uses and what tests run on.
package usm

import "unsafe"

// DefaultAlignment is used when an allocation is requested with alignment 0.
// It matches the alignment expected by vectorized kernels on CPU devices.
const DefaultAlignment = 64

// ContextRef identifies the context owning an allocation. It is implemented by xpu.Context.
type ContextRef interface {
	ContextID() uint64
}

// DeviceRef identifies the device an allocation is bound to. It is implemented by xpu.Device.
// It can be nil for KindHost allocations.
type DeviceRef interface {
	DeviceID() uint64
}

// Allocator allocates and frees USM memory.
//
// Implementations must be safe for concurrent use. Calls may block (e.g. on a driver call).
type Allocator interface {
	// AlignedAlloc allocates size bytes aligned to alignment (0 means DefaultAlignment).
	// Failures caused by lack of memory are reported as *AllocationError wrapping ErrOutOfMemory.
	AlignedAlloc(alignment, size uintptr, ctx ContextRef, dev DeviceRef, kind Kind) (unsafe.Pointer, error)

	// Free releases memory returned by AlignedAlloc. It panics if ptr is not known to the allocator:
	// that means a double free or a pointer that was never allocated.
	Free(ptr unsafe.Pointer, ctx ContextRef)
}
