package xpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/devglobals/usm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// usmKey identifies the (device, context) pair of a device global allocation.
type usmKey struct {
	device  *Device
	context *Context
}

// DeviceGlobalEntry holds the information about one device global, and its USM allocations on each
// (device, context) pair.
//
// Entries are created and owned by a Registry, and are never destroyed: contexts only release their allocations.
//
// The host pointer and the metadata (size, scope and kernel set) are bound independently, in any order, by
// InitializeIdentity and InitializeMetadata. Each can be bound only once, and both are required before
// GetOrAllocate can be used.
type DeviceGlobalEntry struct {
	uniqueID string

	// initMu guards the write-once fields below.
	initMu      sync.Mutex
	hostPtr     unsafe.Pointer
	kernelSetID KernelSetID
	elementSize uintptr
	imageScope  bool

	// mu guards allocations. It is held across the check-allocate-insert sequence of GetOrAllocate.
	// It is always empty for image scoped device globals.
	mu          sync.Mutex
	allocations map[usmKey]*USMMem
}

func newDeviceGlobalEntry(uniqueID string) *DeviceGlobalEntry {
	return &DeviceGlobalEntry{
		uniqueID:    uniqueID,
		allocations: make(map[usmKey]*USMMem),
	}
}

// UniqueID of the device global.
func (e *DeviceGlobalEntry) UniqueID() string {
	return e.uniqueID
}

// String implements fmt.Stringer.
func (e *DeviceGlobalEntry) String() string {
	return fmt.Sprintf("device_global %q", e.uniqueID)
}

// InitializeIdentity binds the pointer to the host side of the device global.
//
// It panics if hostPtr is nil or if a pointer was already bound: that means the registration code is broken.
func (e *DeviceGlobalEntry) InitializeIdentity(hostPtr unsafe.Pointer) {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if hostPtr == nil {
		panic(errors.Errorf("%s: host pointer cannot be nil", e))
	}
	if e.hostPtr != nil {
		panic(errors.Errorf("%s: host pointer has already been initialized", e))
	}
	e.hostPtr = hostPtr
}

// InitializeMetadata binds the kernel set, the size of the underlying type and whether the device global is
// decorated with device_image_scope.
//
// It panics if elementSize is 0 or if the metadata was already bound.
func (e *DeviceGlobalEntry) InitializeMetadata(kernelSetID KernelSetID, elementSize uintptr, imageScope bool) {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if elementSize == 0 {
		panic(errors.Errorf("%s: initialized with 0 size", e))
	}
	if e.elementSize != 0 {
		panic(errors.Errorf("%s: metadata has already been initialized", e))
	}
	e.kernelSetID = kernelSetID
	e.elementSize = elementSize
	e.imageScope = imageScope
}

// HostPtr returns the host pointer, or nil if not bound yet.
func (e *DeviceGlobalEntry) HostPtr() unsafe.Pointer {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.hostPtr
}

// ElementSize returns the size of the underlying type, or 0 if the metadata is not bound yet.
func (e *DeviceGlobalEntry) ElementSize() uintptr {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.elementSize
}

// KernelSetID returns the kernel set the device global belongs to.
func (e *DeviceGlobalEntry) KernelSetID() KernelSetID {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.kernelSetID
}

// IsImageScoped returns whether the device global is decorated with device_image_scope.
func (e *DeviceGlobalEntry) IsImageScoped() bool {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.imageScope
}

// IsInitialized returns whether both the host pointer and the metadata have been bound.
func (e *DeviceGlobalEntry) IsInitialized() bool {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.hostPtr != nil && e.elementSize != 0
}

// GetOrAllocate returns the USM allocation of the device global for the (device, context) pair, allocating it
// on first use.
//
// A new allocation is registered with the context, so it is released when the context is destroyed. Concurrent
// callers with the same pair always get the same *USMMem, and only one allocation is made.
// Errors from the allocator are returned unchanged, and nothing is recorded for the pair in that case.
//
// If zeroInit is true, the zero-initialization of the memory is submitted to the context's queue for the device
// (only once per allocation), and its event is available with USMMem.ZeroInitEvent. If the submission is
// rejected (e.g. the context is being destroyed) the error is returned.
//
// It panics if the device global is image scoped or not fully initialized.
func (e *DeviceGlobalEntry) GetOrAllocate(dev *Device, ctx *Context, zeroInit bool) (*USMMem, error) {
	e.initMu.Lock()
	hostPtr, size, imageScope := e.hostPtr, e.elementSize, e.imageScope
	e.initMu.Unlock()
	if imageScope {
		panic(errors.Errorf("%s: USM allocations should not be acquired for device globals with device_image_scope", e))
	}
	if hostPtr == nil || size == 0 {
		panic(errors.Errorf("%s: allocation requested before the device global was fully initialized", e))
	}
	if !ctx.HasDevice(dev) {
		return nil, errors.Errorf("%s: device %v is not part of %s", e, dev, ctx)
	}

	mem, err := e.getOrAllocateLocked(hostPtr, size, dev, ctx)
	if err != nil {
		return nil, err
	}
	if zeroInit {
		// Outside the entry lock: the zero-initialization only locks the USMMem.
		q, err := ctx.Queue(dev)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to zero-initialize", e)
		}
		// A rejected fill completes immediately: its error is reported here.
		if err := mem.GetOrCreateZeroInitEvent(q).Err(); err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to zero-initialize", e)
		}
	}
	return mem, nil
}

func (e *DeviceGlobalEntry) getOrAllocateLocked(hostPtr unsafe.Pointer, size uintptr, dev *Device, ctx *Context) (*USMMem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := usmKey{device: dev, context: ctx}
	if mem, found := e.allocations[key]; found {
		klog.V(2).Infof("%s: reusing allocation at %p on (%s, %s)", e, mem.ptr, dev, ctx)
		return mem, nil
	}

	// Registering first: if the context is being destroyed, it fails here and nothing is allocated.
	// Otherwise, Context.Destroy will release this allocation after we return.
	if err := ctx.RegisterDeviceGlobal(hostPtr); err != nil {
		return nil, err
	}
	ptr, err := ctx.platform.allocator.AlignedAlloc(0, size, ctx, dev, usm.KindDevice)
	if err != nil {
		return nil, err
	}
	mem := newUSMMem(ptr, size, dev, ctx)
	e.allocations[key] = mem
	klog.V(1).Infof("%s: allocated %d bytes at %p on (%s, %s)", e, size, ptr, dev, ctx)
	return mem, nil
}

// Allocation returns the allocation for the (device, context) pair, if there is one. It never allocates.
func (e *DeviceGlobalEntry) Allocation(dev *Device, ctx *Context) (*USMMem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mem, found := e.allocations[usmKey{device: dev, context: ctx}]
	return mem, found
}

// NumAllocations returns the number of live allocations of the device global, over all (device, context) pairs.
func (e *DeviceGlobalEntry) NumAllocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.allocations)
}

// ReleaseAllocationsForContext frees the allocations of the device global on every device of the context.
// Devices without an allocation are skipped.
//
// It is called by Context.Destroy, after all commands on the context completed.
func (e *DeviceGlobalEntry) ReleaseAllocationsForContext(ctx *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dev := range ctx.devices {
		key := usmKey{device: dev, context: ctx}
		mem, found := e.allocations[key]
		if !found {
			continue
		}
		mem.free(ctx.platform.allocator)
		delete(e.allocations, key)
	}
}
