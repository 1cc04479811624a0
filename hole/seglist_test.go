package hole_test

import (
	"math"
	"testing"

	"github.com/hoardmem/hoard/heaputils"
	"github.com/hoardmem/hoard/hole"
	"github.com/stretchr/testify/require"
)

func TestSegregatedBasicAlloc(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(10000)

	var stats heaputils.DetailedStatistics
	stats.Clear()
	list.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			ArenaCount:      1,
			ArenaBytes:      10000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		HoleCount:         1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		HoleSizeMin:       10000,
		HoleSizeMax:       10000,
	}, stats)

	success, req, err := list.CreateAllocRequest(100, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	err = list.Alloc(req, nil)
	require.NoError(t, err)
	require.NoError(t, list.Validate())

	stats.Clear()
	list.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			ArenaCount:      1,
			ArenaBytes:      10000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		HoleCount:         1,
		AllocationSizeMin: 100,
		AllocationSizeMax: 100,
		HoleSizeMin:       9900,
		HoleSizeMax:       9900,
	}, stats)

	err = list.Free(req.Handle)
	require.NoError(t, err)
	require.True(t, list.IsEmpty())
	require.NoError(t, list.Validate())
	require.Equal(t, 10000, list.SumFreeSize())
}

func TestSegregatedCoalescing(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(10000)

	x := mustAlloc(t, list, 2000, 0)
	y := mustAlloc(t, list, 2000, 0)
	z := mustAlloc(t, list, 2000, 0)

	require.NoError(t, list.Free(y))
	require.NoError(t, list.Validate())
	require.Equal(t, 2, list.HoleCount())

	require.NoError(t, list.Free(z))
	require.NoError(t, list.Validate())
	require.Equal(t, 1, list.HoleCount())
	require.Equal(t, 8000, list.SumFreeSize())

	require.NoError(t, list.Free(x))
	require.NoError(t, list.Validate())
	require.True(t, list.IsEmpty())
	require.Equal(t, 1, list.HoleCount())
}

func TestSegregatedMayFitAllocation(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(1000)

	require.True(t, list.MayFitAllocation(1000))
	require.False(t, list.MayFitAllocation(1001))

	a := mustAlloc(t, list, 600, 0)

	// MayFitAllocation can report false positives but never false negatives,
	// so every size it rejects must also fail CreateAllocRequest
	for size := 1; size <= 1000; size++ {
		success, _, err := list.CreateAllocRequest(size, 1, 0)
		require.NoError(t, err)
		if success {
			require.True(t, list.MayFitAllocation(size))
		}
	}

	require.NoError(t, list.Free(a))
}

func TestSegregatedMinOffset(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(10000)

	a := mustAlloc(t, list, 1000, 0)
	mustAlloc(t, list, 50, 0)
	c := mustAlloc(t, list, 1000, 0)
	mustAlloc(t, list, 50, 0)

	require.NoError(t, list.Free(a))
	require.NoError(t, list.Free(c))

	// The class chains are in most-recently-freed order, so without a strategy
	// the hole at offset 1050 may win. StrategyMinOffset must take offset 0.
	minOffset := mustAlloc(t, list, 1000, hole.StrategyMinOffset)
	require.Equal(t, 0, allocOffset(t, list, minOffset))
}

func TestSegregatedBestFit(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{
		SmallMin:       8,
		SmallMax:       64,
		SmallIncrement: 8,
		GrowthFactor:   2.0,
		LargeMax:       1 << 16,
	})
	list.Init(100000)

	a := mustAlloc(t, list, 5000, 0)
	mustAlloc(t, list, 50, 0)
	c := mustAlloc(t, list, 4200, 0)
	mustAlloc(t, list, 50, 0)

	require.NoError(t, list.Free(a))
	require.NoError(t, list.Free(c))

	// Both holes share a size class. Best fit prefers the smaller one.
	bestFit := mustAlloc(t, list, 4200, hole.StrategyMinMemory)
	require.Equal(t, 5050, allocOffset(t, list, bestFit))
}

func TestSegregatedAlignment(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(10000)

	mustAlloc(t, list, 10, 0)

	success, req, err := list.CreateAllocRequest(100, 256, 0)
	require.NoError(t, err)
	require.True(t, success)

	err = list.Alloc(req, nil)
	require.NoError(t, err)
	require.NoError(t, list.Validate())
	require.Equal(t, 256, allocOffset(t, list, req.Handle))
}

func TestSegregatedChurn(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(1 << 20)

	// Allocate and free in a pattern that exercises many size classes
	var handles []hole.Handle
	for size := 8; size <= 1<<16; size *= 2 {
		handles = append(handles, mustAlloc(t, list, size, 0))
		handles = append(handles, mustAlloc(t, list, size+3, 0))
	}

	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, list.Free(handles[i]))
	}
	require.NoError(t, list.Validate())

	for i := 1; i < len(handles); i += 2 {
		require.NoError(t, list.Free(handles[i]))
	}
	require.NoError(t, list.Validate())

	require.True(t, list.IsEmpty())
	require.Equal(t, 1, list.HoleCount())
	require.Equal(t, 1<<20, list.SumFreeSize())
}

func TestSegregatedClear(t *testing.T) {
	list := hole.NewSegregatedList(hole.ClassConfig{})
	list.Init(10000)

	mustAlloc(t, list, 100, 0)
	mustAlloc(t, list, 2000, 0)

	list.Clear()
	require.True(t, list.IsEmpty())
	require.Equal(t, 1, list.HoleCount())
	require.Equal(t, 10000, list.SumFreeSize())
	require.NoError(t, list.Validate())
}
