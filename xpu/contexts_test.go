package xpu

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	p, _ := newTestPlatform(t, 3)
	devices := p.Devices()
	ctx, err := p.NewContext()
	require.NoError(t, err)
	require.Equal(t, devices, ctx.Devices())
	require.NoError(t, ctx.Destroy())

	ctx, err = p.NewContext(devices[2], devices[0])
	require.NoError(t, err)
	require.Equal(t, []*Device{devices[2], devices[0]}, ctx.Devices())
	require.True(t, ctx.HasDevice(devices[0]))
	require.False(t, ctx.HasDevice(devices[1]))
	require.NotEqual(t, ctx.ContextID(), devices[0].DeviceID())
	_, err = ctx.Queue(devices[1])
	require.Error(t, err)
	require.NoError(t, ctx.Destroy())

	_, err = p.NewContext(devices[0], devices[0])
	require.Error(t, err)
	otherPlatform, _ := newTestPlatform(t, 1)
	_, err = p.NewContext(otherPlatform.Devices()[0])
	require.Error(t, err)
	_, err = p.NewContext(nil)
	require.Error(t, err)
}

func TestContextDestroy(t *testing.T) {
	p, alloc := newTestPlatform(t, 2)
	ctx, err := p.NewContext()
	require.NoError(t, err)
	other := newTestContext(t, p)

	var entries []*DeviceGlobalEntry
	for ii := range 4 {
		e := newTestEntry(p, fmt.Sprintf("destroy_%d", ii), 8, false)
		entries = append(entries, e)
		for _, dev := range p.Devices() {
			_, err := e.GetOrAllocate(dev, ctx, true)
			require.NoError(t, err)
		}
		_, err = e.GetOrAllocate(p.Devices()[0], other, false)
		require.NoError(t, err)
	}
	require.Len(t, ctx.DeviceGlobals(), 4)
	require.Equal(t, uintptr(4*3*8), alloc.Used())

	require.NoError(t, ctx.Destroy())
	require.True(t, ctx.IsDestroyed())
	for _, e := range entries {
		require.Equal(t, 1, e.NumAllocations(), "only the allocation of the other context should remain")
		require.NotNil(t, p.Registry().Lookup(e.UniqueID()), "entries outlive the context")
	}
	require.Equal(t, uintptr(4*8), alloc.Used())

	// Destroy is the last operation on a context.
	require.NoError(t, ctx.Destroy())
	_, err = entries[0].GetOrAllocate(p.Devices()[0], ctx, false)
	require.ErrorIs(t, err, ErrContextDestroyed)
	require.Equal(t, 1, entries[0].NumAllocations())
	_, err = ctx.Queue(p.Devices()[0])
	require.ErrorIs(t, err, ErrContextDestroyed)
	require.ErrorIs(t, ctx.RegisterDeviceGlobal(entries[0].HostPtr()), ErrContextDestroyed)
}

func TestContextDestroyUnknownDeviceGlobal(t *testing.T) {
	p, _ := newTestPlatform(t, 1)
	ctx, err := p.NewContext()
	require.NoError(t, err)
	unknown := new(int64)
	require.NoError(t, ctx.RegisterDeviceGlobal(unsafe.Pointer(unknown)))
	require.Error(t, ctx.Destroy())
	require.True(t, ctx.IsDestroyed())
}

// TestContextDestroyRacingAllocations checks that allocations racing the destruction of their context are either
// rejected or released: nothing leaks.
func TestContextDestroyRacingAllocations(t *testing.T) {
	for repeat := range 20 {
		p, alloc := newTestPlatform(t, 2)
		ctx, err := p.NewContext()
		require.NoError(t, err)
		const numEntries = 16
		entries := make([]*DeviceGlobalEntry, numEntries)
		for ii := range entries {
			entries[ii] = newTestEntry(p, fmt.Sprintf("race_%d_%d", repeat, ii), 4, false)
		}

		var wg sync.WaitGroup
		errs := make([]error, numEntries)
		start := make(chan struct{})
		for ii, e := range entries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for _, dev := range p.Devices() {
					if _, err := e.GetOrAllocate(dev, ctx, ii%2 == 0); err != nil {
						errs[ii] = err
						return
					}
				}
			}()
		}
		close(start)
		require.NoError(t, ctx.Destroy())
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				require.True(t, errors.Is(err, ErrContextDestroyed) || errors.Is(err, ErrQueueClosed),
					"unexpected error: %+v", err)
			}
		}
		for _, e := range entries {
			require.Zero(t, e.NumAllocations())
		}
		require.Zero(t, alloc.Tracker().Len())
		require.Zero(t, alloc.Used())
	}
}
