package usm

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testContext struct{ id uint64 }

func (c *testContext) ContextID() uint64 { return c.id }

type testDevice struct{ id uint64 }

func (d *testDevice) DeviceID() uint64 { return d.id }

func TestKindString(t *testing.T) {
	require.Equal(t, "host", KindHost.String())
	require.Equal(t, "device", KindDevice.String())
	require.Equal(t, "shared", KindShared.String())
	require.Equal(t, "unknown", KindUnknown.String())
	require.Equal(t, "Kind(17)", Kind(17).String())

	kind, err := KindString("Device")
	require.NoError(t, err)
	require.Equal(t, KindDevice, kind)
	_, err = KindString("texture")
	require.Error(t, err)
	require.Equal(t, []Kind{KindUnknown, KindHost, KindDevice, KindShared}, KindValues())
	require.Equal(t, []string{"unknown", "host", "device", "shared"}, KindStrings())
	require.True(t, KindShared.IsAKind())
	require.False(t, Kind(17).IsAKind())
}

func TestHostAllocator(t *testing.T) {
	ctx, dev := &testContext{1}, &testDevice{7}
	alloc := NewHostAllocator(0, true)
	alive := AllocationsAlive()

	ptr, err := alloc.AlignedAlloc(0, 100, ctx, dev, KindDevice)
	require.NoError(t, err)
	require.True(t, isAligned(ptr, DefaultAlignment))
	require.Equal(t, uintptr(100), alloc.Used())
	require.Equal(t, alive+1, AllocationsAlive())

	info, found := alloc.Tracker().Lookup(ptr)
	require.True(t, found)
	require.Equal(t, uintptr(100), info.Size)
	require.Equal(t, KindDevice, info.Kind)
	require.Equal(t, dev, info.Device)
	require.NotEmpty(t, info.Stack)

	// Memory is usable and zero-initialized.
	block := unsafe.Slice((*byte)(ptr), 100)
	require.Equal(t, make([]byte, 100), block)
	block[99] = 0xFF

	alloc.Free(ptr, ctx)
	require.Zero(t, alloc.Used())
	require.Zero(t, alloc.Tracker().Len())
	require.Equal(t, alive, AllocationsAlive())
	require.Zero(t, alloc.Close())

	// Double free is a contract violation.
	require.Panics(t, func() { alloc.Free(ptr, ctx) })
}

func TestHostAllocatorInvalidRequests(t *testing.T) {
	ctx, dev := &testContext{1}, &testDevice{7}
	alloc := NewHostAllocator(0, false)
	_, err := alloc.AlignedAlloc(3, 8, ctx, dev, KindDevice)
	require.Error(t, err)
	_, err = alloc.AlignedAlloc(0, 8, ctx, nil, KindDevice)
	require.Error(t, err)
	_, err = alloc.AlignedAlloc(0, 8, ctx, dev, KindUnknown)
	require.Error(t, err)
	_, err = alloc.AlignedAlloc(0, 8, nil, dev, KindShared)
	require.Error(t, err)
	require.False(t, IsOutOfMemory(err))

	// Host allocations don't need a device.
	ptr, err := alloc.AlignedAlloc(16, 8, ctx, nil, KindHost)
	require.NoError(t, err)
	require.True(t, isAligned(ptr, 16))
	alloc.Free(ptr, ctx)
}

func TestHostAllocatorFreeWithOtherContext(t *testing.T) {
	ctx0, ctx1, dev := &testContext{0}, &testContext{1}, &testDevice{0}
	alloc := NewHostAllocator(0, false)
	ptr, err := alloc.AlignedAlloc(0, 4, ctx0, dev, KindDevice)
	require.NoError(t, err)
	require.Panics(t, func() { alloc.Free(ptr, ctx1) })
	// The allocation is still live and can be freed properly.
	require.Equal(t, 1, alloc.Tracker().Len())
	alloc.Free(ptr, ctx0)
}

func TestHostAllocatorLimit(t *testing.T) {
	ctx, dev := &testContext{1}, &testDevice{7}
	alloc := NewHostAllocator(64, false)
	p0, err := alloc.AlignedAlloc(0, 48, ctx, dev, KindDevice)
	require.NoError(t, err)

	_, err = alloc.AlignedAlloc(0, 32, ctx, dev, KindDevice)
	require.Error(t, err)
	require.True(t, IsOutOfMemory(err))
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	require.Equal(t, uintptr(32), allocErr.Size)
	require.Equal(t, KindDevice, allocErr.Kind)
	require.Contains(t, err.Error(), "32 bytes of device USM memory")
	require.Equal(t, 1, alloc.Tracker().Len())

	// After freeing there is room again.
	alloc.Free(p0, ctx)
	p1, err := alloc.AlignedAlloc(0, 32, ctx, dev, KindDevice)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.Close())
	alloc.Free(p1, ctx)
}

func TestHostAllocatorConcurrent(t *testing.T) {
	ctx, dev := &testContext{1}, &testDevice{7}
	alloc := NewHostAllocator(0, false)
	const numWorkers, numAllocs = 8, 200
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptrs := make([]unsafe.Pointer, 0, numAllocs)
			for ii := range numAllocs {
				ptr, err := alloc.AlignedAlloc(0, uintptr(ii+1), ctx, dev, KindShared)
				if err != nil {
					panic(err)
				}
				ptrs = append(ptrs, ptr)
			}
			for _, ptr := range ptrs {
				alloc.Free(ptr, ctx)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, alloc.Used())
	require.Zero(t, alloc.Tracker().Len())
}
