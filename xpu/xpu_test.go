package xpu

// Common initialization and testing tools for all test files.

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/gomlx/devglobals/usm"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// countingAllocator counts the allocation requests, and can be made to fail them.
type countingAllocator struct {
	*usm.HostAllocator
	numAllocs atomic.Int64
	failWith  error
}

func (a *countingAllocator) AlignedAlloc(alignment, size uintptr, ctx usm.ContextRef, dev usm.DeviceRef, kind usm.Kind) (unsafe.Pointer, error) {
	a.numAllocs.Add(1)
	if a.failWith != nil {
		return nil, a.failWith
	}
	return a.HostAllocator.AlignedAlloc(alignment, size, ctx, dev, kind)
}

// newTestPlatform creates a platform with its own registry, so tests don't share device globals.
func newTestPlatform(t *testing.T, numDevices int) (*Platform, *countingAllocator) {
	alloc := &countingAllocator{HostAllocator: usm.NewHostAllocator(0, true)}
	p, err := NewPlatform(Config{
		Name:       "test",
		NumDevices: numDevices,
		Allocator:  alloc,
		Registry:   NewRegistry(),
	})
	require.NoError(t, err)
	return p, alloc
}

// newTestContext creates a context over all devices of the platform, destroyed at the end of the test.
func newTestContext(t *testing.T, p *Platform) *Context {
	ctx, err := p.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	return ctx
}

// newTestEntry registers both phases of a device global in the platform's registry.
func newTestEntry(p *Platform, uniqueID string, size uintptr, imageScope bool) *DeviceGlobalEntry {
	hostValue := new(int64)
	e := p.Registry().RegisterFromHost(uniqueID, unsafe.Pointer(hostValue))
	p.Registry().RegisterFromImage(uniqueID, 1, size, imageScope)
	return e
}
