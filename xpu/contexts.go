package xpu

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context groups a set of devices of a Platform. USM memory, including the storage of device globals, is owned by
// a context and released when it is destroyed.
type Context struct {
	platform *Platform
	id       uint64
	devices  []*Device

	mu        sync.Mutex
	destroyed bool
	queues    map[*Device]*Queue
	// deviceGlobals holds the host pointers of the device globals with allocations in this context.
	// It's only a lookup relation: entries are owned by the Registry.
	deviceGlobals map[unsafe.Pointer]struct{}
}

func newContext(platform *Platform, devices []*Device) *Context {
	c := &Context{
		platform:      platform,
		id:            nextObjectID.Add(1),
		devices:       slices.Clone(devices),
		queues:        make(map[*Device]*Queue),
		deviceGlobals: make(map[unsafe.Pointer]struct{}),
	}
	klog.V(1).Infof("created %s", c)
	return c
}

// ContextID implements usm.ContextRef. It is unique in the process.
func (c *Context) ContextID() uint64 {
	return c.id
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("context#%d(%s)", c.id, c.platform.name)
}

// Platform returns the platform the context was created from.
func (c *Context) Platform() *Platform {
	return c.platform
}

// Devices returns the devices of the context.
func (c *Context) Devices() []*Device {
	return slices.Clone(c.devices)
}

// HasDevice returns whether the device is part of the context.
func (c *Context) HasDevice(d *Device) bool {
	return slices.Contains(c.devices, d)
}

// IsDestroyed returns whether Destroy has been called.
func (c *Context) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// RegisterDeviceGlobal records that the device global with the given host pointer has allocations in this context,
// so they are released when the context is destroyed.
//
// It returns ErrContextDestroyed if the context has already been destroyed.
func (c *Context) RegisterDeviceGlobal(hostPtr unsafe.Pointer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.WithMessagef(ErrContextDestroyed, "can't register device global at %p with %s", hostPtr, c)
	}
	c.deviceGlobals[hostPtr] = struct{}{}
	return nil
}

// DeviceGlobals returns the host pointers of the device globals registered with the context.
func (c *Context) DeviceGlobals() []unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptrs := make([]unsafe.Pointer, 0, len(c.deviceGlobals))
	for ptr := range c.deviceGlobals {
		ptrs = append(ptrs, ptr)
	}
	return ptrs
}

// Queue returns the default in-order queue of the context for the device, creating it on first use.
func (c *Context) Queue(d *Device) (*Queue, error) {
	if !c.HasDevice(d) {
		return nil, errors.Errorf("device %v is not part of %s", d, c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, errors.WithMessagef(ErrContextDestroyed, "can't create queue for %s", c)
	}
	q, found := c.queues[d]
	if !found {
		q = newQueue(c, d)
		c.queues[d] = q
	}
	return q, nil
}

// Destroy the context: it must be the last operation on it.
//
// It stops accepting new queue submissions and device global registrations, waits for the commands already
// submitted to finish, and then frees the storage of every device global allocated in the context.
// Calling Destroy more than once is a no-op.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	hostPtrs := make([]unsafe.Pointer, 0, len(c.deviceGlobals))
	for ptr := range c.deviceGlobals {
		hostPtrs = append(hostPtrs, ptr)
	}
	c.mu.Unlock()

	// No kernel may be using device global storage when it is freed.
	for _, q := range queues {
		q.close()
	}

	var firstErr error
	for _, ptr := range hostPtrs {
		entry := c.platform.registry.LookupByHostPtr(ptr)
		if entry == nil {
			err := errors.Errorf("%s has device global at %p registered, but it is not known to the registry", c, ptr)
			klog.Errorf("%v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entry.ReleaseAllocationsForContext(c)
	}
	klog.V(1).Infof("destroyed %s: released %d device globals", c, len(hostPtrs))
	return firstErr
}
