package xpu

import (
	"sync"
	"unsafe"

	"github.com/gomlx/devglobals/usm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// USMMem is the USM allocation backing a device global on one (device, context) pair.
//
// It owns the memory block, freed when the context is destroyed, and the optional event of the zero-initialization
// of the block.
type USMMem struct {
	ptr     unsafe.Pointer
	size    uintptr
	device  *Device
	context *Context

	// zeroInitMu guards zeroInitEvent and freed only, so waiting on the initialization never blocks the entry's map.
	zeroInitMu    sync.Mutex
	zeroInitEvent *Event
	freed         bool
}

func newUSMMem(ptr unsafe.Pointer, size uintptr, dev *Device, ctx *Context) *USMMem {
	return &USMMem{ptr: ptr, size: size, device: dev, context: ctx}
}

// Ptr returns the address of the device memory block. It must not be dereferenced once the owning context is
// destroyed.
func (m *USMMem) Ptr() unsafe.Pointer {
	return m.ptr
}

// Size of the memory block in bytes.
func (m *USMMem) Size() uintptr {
	return m.size
}

// Device the memory is allocated on.
func (m *USMMem) Device() *Device {
	return m.device
}

// Context owning the memory.
func (m *USMMem) Context() *Context {
	return m.context
}

// GetOrCreateZeroInitEvent returns the event of the zero-initialization of the block, submitting the zero fill
// to the queue if it was never requested before.
//
// Only one zero-initialization is ever submitted per USMMem, even if its event already completed: memory
// written after the initialization is never zeroed again.
func (m *USMMem) GetOrCreateZeroInitEvent(q *Queue) *Event {
	m.zeroInitMu.Lock()
	defer m.zeroInitMu.Unlock()
	if m.zeroInitEvent != nil {
		return m.zeroInitEvent
	}
	if m.freed {
		return newCompletedEvent(errors.WithMessagef(ErrContextDestroyed,
			"zero-initialization of USM memory at %p on (%s, %s) requested after it was freed", m.ptr, m.device, m.context))
	}
	if q == nil || q.device != m.device || q.context != m.context {
		return newCompletedEvent(errors.Errorf("zero-initialization of USM memory on (%s, %s) requested on queue %v",
			m.device, m.context, q))
	}
	m.zeroInitEvent = q.Fill(m.ptr, 0, m.size)
	klog.V(2).Infof("submitted zero-initialization of %d bytes at %p on %s", m.size, m.ptr, q)
	return m.zeroInitEvent
}

// ZeroInitEvent returns the zero-initialization event that users of the memory must still wait for.
// It returns nil if no initialization was requested or if it already completed successfully: a failed
// initialization is still returned, so waiting on it reports the error.
func (m *USMMem) ZeroInitEvent() *Event {
	m.zeroInitMu.Lock()
	defer m.zeroInitMu.Unlock()
	if m.zeroInitEvent == nil || (m.zeroInitEvent.IsComplete() && m.zeroInitEvent.Err() == nil) {
		return nil
	}
	return m.zeroInitEvent
}

// free releases the memory block. The caller must guarantee no command is still using it.
// Zero-initializations requested afterward fail instead of touching the memory.
func (m *USMMem) free(allocator usm.Allocator) {
	m.zeroInitMu.Lock()
	m.freed = true
	m.zeroInitMu.Unlock()
	allocator.Free(m.ptr, m.context)
	klog.V(1).Infof("freed %d bytes of device global storage at %p on (%s, %s)", m.size, m.ptr, m.device, m.context)
}
