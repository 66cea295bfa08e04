// Package xpu implements a small heterogeneous compute runtime: platforms, devices, contexts, in-order queues and
// events, and the management of device globals.
//
// A device global is a variable declared in host code (see Declare) that needs a matching storage location on each
// (device, context) pair that uses it. The runtime allocates that storage lazily from USM memory (package usm) the
// first time it is requested for a pair, reuses it afterward, and frees it when the context is destroyed.
//
// Device globals are tracked by a process-wide Registry (see DeviceGlobals), populated in two independent phases:
// the host side binds the address of the host variable, and loading a device Image binds its size and scope.
package xpu

import "github.com/pkg/errors"

var (
	// ErrContextDestroyed is returned when an operation is requested on a Context after Context.Destroy was called.
	ErrContextDestroyed = errors.New("context has been destroyed")

	// ErrQueueClosed is the error of events of commands submitted to a closed Queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrImageScoped is returned when USM backed storage is requested for a device global whose storage is
	// provided by the device image.
	ErrImageScoped = errors.New("device global is decorated with device_image_scope")
)
