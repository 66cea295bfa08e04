package xpu

import (
	"unsafe"

	"github.com/pkg/errors"
)

// DeviceGlobal is the host declaration of a device global of type T.
//
// The address of the DeviceGlobal's host value identifies it in the Registry; its size and scope come from the
// device image that declares the same unique id (see Platform.LoadImage).
//
// Values are copied to and from device memory as raw bytes, so T must not contain Go pointers.
type DeviceGlobal[T any] struct {
	// host is never read or written by the runtime: only its address is used.
	host  T
	entry *DeviceGlobalEntry
}

// Declare registers the host side of the device global uniqueID in the registry (use DeviceGlobals() for the
// process-wide one).
//
// It panics if uniqueID was already declared from the host, or if T has size 0.
func Declare[T any](registry *Registry, uniqueID string) *DeviceGlobal[T] {
	var zero T
	if unsafe.Sizeof(zero) == 0 {
		panic(errors.Errorf("device global %q declared with a zero-sized type %T", uniqueID, zero))
	}
	dg := &DeviceGlobal[T]{}
	dg.entry = registry.RegisterFromHost(uniqueID, unsafe.Pointer(&dg.host))
	return dg
}

// Entry returns the registry entry of the device global.
func (dg *DeviceGlobal[T]) Entry() *DeviceGlobalEntry {
	return dg.entry
}

// usmMem returns the allocation for the queue's (device, context), requesting its zero-initialization.
func (dg *DeviceGlobal[T]) usmMem(q *Queue) (*USMMem, error) {
	e := dg.entry
	if !e.IsInitialized() {
		return nil, errors.Errorf("%s is not declared by any loaded image", e)
	}
	if e.IsImageScoped() {
		return nil, errors.WithMessagef(ErrImageScoped, "%s can't be accessed through USM", e)
	}
	var zero T
	if size := e.ElementSize(); size != unsafe.Sizeof(zero) {
		return nil, errors.Errorf("%s is declared with %d bytes by its image, but the host type %T has %d bytes",
			e, size, zero, unsafe.Sizeof(zero))
	}
	return e.GetOrAllocate(q.device, q.context, true)
}

// Write copies value to the device global storage of the queue's (device, context).
// The copy happens after the zero-initialization of the storage.
func (dg *DeviceGlobal[T]) Write(q *Queue, value T) *Event {
	mem, err := dg.usmMem(q)
	if err != nil {
		return newCompletedEvent(err)
	}
	src := new(T)
	*src = value
	initEvent := mem.ZeroInitEvent()
	return q.submit("write "+dg.entry.uniqueID, func() error {
		if err := AwaitAll(initEvent); err != nil {
			return err
		}
		copy(unsafe.Slice((*byte)(mem.ptr), mem.size), unsafe.Slice((*byte)(unsafe.Pointer(src)), mem.size))
		return nil
	})
}

// Read returns the value of the device global storage of the queue's (device, context). It blocks until all
// commands previously submitted to the queue complete.
func (dg *DeviceGlobal[T]) Read(q *Queue) (T, error) {
	var value T
	mem, err := dg.usmMem(q)
	if err != nil {
		return value, err
	}
	initEvent := mem.ZeroInitEvent()
	err = q.submit("read "+dg.entry.uniqueID, func() error {
		if err := AwaitAll(initEvent); err != nil {
			return err
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&value)), mem.size), unsafe.Slice((*byte)(mem.ptr), mem.size))
		return nil
	}).Await()
	return value, err
}
