package usm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var allocationsAlive atomic.Int64

// AllocationsAlive returns the number of HostAllocator allocations currently live, across all allocators.
func AllocationsAlive() int64 {
	return allocationsAlive.Load()
}

// HostAllocator implements Allocator on Go-managed memory.
//
// An optional limit caps the total number of bytes live at any time, emulating the finite memory of a device.
type HostAllocator struct {
	limit   uintptr
	tracker *Tracker

	mu   sync.Mutex
	used uintptr
}

var _ Allocator = (*HostAllocator)(nil)

// NewHostAllocator creates a HostAllocator. A limit of 0 means unlimited.
// If trackStacks is true, the stack of each allocation is kept to help debug leaks.
func NewHostAllocator(limit uintptr, trackStacks bool) *HostAllocator {
	return &HostAllocator{
		limit:   limit,
		tracker: NewTracker(trackStacks),
	}
}

// Tracker returns the tracker of live allocations.
func (a *HostAllocator) Tracker() *Tracker {
	return a.tracker
}

// Used returns the number of bytes currently allocated.
func (a *HostAllocator) Used() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// AlignedAlloc implements Allocator. The returned memory is zero-filled.
func (a *HostAllocator) AlignedAlloc(alignment, size uintptr, ctx ContextRef, dev DeviceRef, kind Kind) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, errors.Errorf("usm: alignment must be a power of 2, got %d", alignment)
	}
	switch kind {
	case KindHost:
	case KindDevice, KindShared:
		if dev == nil {
			return nil, errors.Errorf("usm: %s allocation requires a device", kind)
		}
	default:
		return nil, errors.Errorf("usm: invalid allocation kind %s", kind)
	}
	if ctx == nil {
		return nil, errors.New("usm: allocation requires a context")
	}

	a.mu.Lock()
	if a.limit > 0 && a.used+size > a.limit {
		used := a.used
		a.mu.Unlock()
		klog.V(1).Infof("usm: can't allocate %d bytes, %d of %d bytes in use", size, used, a.limit)
		return nil, &AllocationError{Size: size, Alignment: alignment, Kind: kind, Err: ErrOutOfMemory}
	}
	a.used += size
	a.mu.Unlock()

	ptr, storage := alignedAlloc(size, alignment)
	a.tracker.add(&Allocation{
		Ptr:       ptr,
		Size:      size,
		Alignment: alignment,
		Kind:      kind,
		Context:   ctx,
		Device:    dev,
		storage:   storage,
	})
	allocationsAlive.Add(1)
	klog.V(2).Infof("usm: allocated %d bytes of %s memory at %p", size, kind, ptr)
	return ptr, nil
}

// Free implements Allocator.
func (a *HostAllocator) Free(ptr unsafe.Pointer, ctx ContextRef) {
	if live, found := a.tracker.Lookup(ptr); found && live.Context != ctx {
		panic(errors.Errorf("usm: Free(%p) with a context different from the one used to allocate it", ptr))
	}
	allocation, found := a.tracker.remove(ptr)
	if !found {
		panic(errors.Errorf("usm: Free(%p) of a pointer not allocated by this allocator (or already freed)", ptr))
	}
	a.mu.Lock()
	a.used -= allocation.Size
	a.mu.Unlock()
	allocationsAlive.Add(-1)
	klog.V(2).Infof("usm: freed %d bytes of %s memory at %p", allocation.Size, allocation.Kind, ptr)
}

// Close reports allocations that were never freed and returns their number.
// The allocator remains usable.
func (a *HostAllocator) Close() int {
	return a.tracker.ReportLeaks()
}
