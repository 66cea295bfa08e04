package usm

import (
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedAlloc(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	maxAllocSize := 1_000
	for _ = range 10_000 {
		size := uintptr(rng.IntN(maxAllocSize))
		alignment := uintptr(1) << rng.IntN(10)
		ptr, storage := alignedAlloc(size, alignment)
		require.NotNil(t, ptr)
		require.True(t, isAligned(ptr, alignment), "pointer %p not aligned to %d", ptr, alignment)
		block := unsafe.Slice((*byte)(ptr), size)
		for _, b := range block {
			require.Zero(t, b)
		}
		// The block must fit in the backing storage.
		end := uintptr(ptr) + size
		require.LessOrEqual(t, end, uintptr(unsafe.Pointer(unsafe.SliceData(storage)))+uintptr(len(storage)))
	}
	require.Panics(t, func() { _, _ = alignedAlloc(8, 3) })
	require.Panics(t, func() { _, _ = alignedAlloc(8, 0) })
}

func TestAlignedAllocZeroSize(t *testing.T) {
	p0, s0 := alignedAlloc(0, DefaultAlignment)
	p1, s1 := alignedAlloc(0, DefaultAlignment)
	require.NotNil(t, p0)
	require.NotEqual(t, p0, p1)
	_, _ = s0, s1
}
