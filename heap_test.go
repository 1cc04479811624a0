package hoard_test

import (
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/hoardmem/hoard"
	"github.com/hoardmem/hoard/heaputils"
	"github.com/hoardmem/hoard/hole"
	mock_hoard "github.com/hoardmem/hoard/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeapFreeBytes(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 4096,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	require.Equal(t, 4096, heap.FreeBytes())

	a, err := heap.Alloc(100, hoard.AllocOptions{})
	require.NoError(t, err)
	require.Equal(t, 3996, heap.FreeBytes())

	b, err := heap.Alloc(50, hoard.AllocOptions{})
	require.NoError(t, err)
	require.Equal(t, 3946, heap.FreeBytes())
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Free(a))
	require.Equal(t, 4046, heap.FreeBytes())

	require.NoError(t, heap.Free(b))
	require.Equal(t, 4096, heap.FreeBytes())
	require.NoError(t, heap.Validate())
}

func TestHeapDumpHoles(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 4096,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	a, err := heap.Alloc(512, hoard.AllocOptions{})
	require.NoError(t, err)
	b, err := heap.Alloc(512, hoard.AllocOptions{})
	require.NoError(t, err)
	c, err := heap.Alloc(512, hoard.AllocOptions{})
	require.NoError(t, err)

	require.NoError(t, heap.Free(b))

	buf := make([]hoard.HoleInfo, 8)
	count := heap.DumpHoles(buf)
	require.Equal(t, 2, count)
	require.Equal(t, hoard.HoleInfo{Arena: 0, Offset: 512, Size: 512}, buf[0])
	require.Equal(t, hoard.HoleInfo{Arena: 0, Offset: 1536, Size: 2560}, buf[1])

	// A short buffer truncates the dump
	count = heap.DumpHoles(buf[:1])
	require.Equal(t, 1, count)
	require.Equal(t, hoard.HoleInfo{Arena: 0, Offset: 512, Size: 512}, buf[0])

	require.Equal(t, 0, heap.DumpHoles(nil))
	require.Equal(t, 0, heap.DumpHoles([]hoard.HoleInfo{}))

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(c))

	count = heap.DumpHoles(buf)
	require.Equal(t, 1, count)
	require.Equal(t, hoard.HoleInfo{Arena: 0, Offset: 0, Size: 4096}, buf[0])
}

func TestHeapAlignment(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 4096,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	a, err := heap.Alloc(3, hoard.AllocOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, a.Offset())

	b, err := heap.Alloc(5, hoard.AllocOptions{Alignment: 128})
	require.NoError(t, err)
	require.Equal(t, 0, b.Offset()%128)
	require.NoError(t, heap.Validate())

	_, err = heap.Alloc(5, hoard.AllocOptions{Alignment: 100})
	require.ErrorIs(t, err, heaputils.PowerOfTwoError)

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(b))
}

func TestHeapGrowth(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	require.Equal(t, 0, heap.ArenaCount())
	require.Equal(t, 0, heap.FreeBytes())

	a, err := heap.Alloc(512, hoard.AllocOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, heap.ArenaCount())
	require.Equal(t, 512, heap.FreeBytes())

	// Requests larger than ArenaSize get a dedicated arena
	big, err := heap.Alloc(4000, hoard.AllocOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, heap.ArenaCount())
	require.Equal(t, 512, heap.FreeBytes())
	require.NoError(t, heap.Validate())

	// Freeing everything keeps a single empty arena around
	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(big))
	require.Equal(t, 1, heap.ArenaCount())
	require.Equal(t, 1024, heap.FreeBytes())
	require.NoError(t, heap.Validate())
}

func TestHeapMaxBytes(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
		MaxBytes:  2048,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	a, err := heap.Alloc(800, hoard.AllocOptions{})
	require.NoError(t, err)
	b, err := heap.Alloc(800, hoard.AllocOptions{})
	require.NoError(t, err)

	_, err = heap.Alloc(800, hoard.AllocOptions{})
	require.Error(t, err)
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(b))
}

func TestHeapFixedSizeCannotGrow(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	_, err = heap.Alloc(2000, hoard.AllocOptions{})
	require.Error(t, err)

	a, err := heap.Alloc(600, hoard.AllocOptions{})
	require.NoError(t, err)

	_, err = heap.Alloc(600, hoard.AllocOptions{})
	require.Error(t, err)
	require.Equal(t, 1, heap.ArenaCount())

	require.NoError(t, heap.Free(a))
}

func TestHeapDestroyReportsLeaks(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
		FixedSize: true,
	})
	require.NoError(t, err)

	_, err = heap.Alloc(100, hoard.AllocOptions{Name: "leaked"})
	require.NoError(t, err)

	require.Error(t, heap.Destroy())
}

func TestHeapBytesAndUserData(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 4096,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	a, err := heap.Alloc(64, hoard.AllocOptions{
		UserData: 42,
		Name:     "index buffer",
	})
	require.NoError(t, err)
	require.Equal(t, 42, a.UserData())
	require.Equal(t, "index buffer", a.Name())
	require.Equal(t, 64, a.Size())

	data := a.Bytes()
	require.Len(t, data, 64)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, heap.CheckCorruption())

	require.NoError(t, heap.Free(a))
	require.Panics(t, func() {
		a.Bytes()
	})
}

func TestHeapConcurrentUse(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1 << 16,
		UseMutex:  true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < 200; i++ {
				size := rng.Intn(128) + 1
				allocation, err := heap.Alloc(size, hoard.AllocOptions{})
				if err != nil {
					continue
				}

				data := allocation.Bytes()
				for j := range data {
					data[j] = byte(size)
				}

				_ = heap.Free(allocation)
			}
		}(int64(worker))
	}
	wg.Wait()

	require.NoError(t, heap.Validate())
	require.NoError(t, heap.CheckCorruption())

	var stats heaputils.Statistics
	heap.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, heap.FreeBytes(), stats.ArenaBytes)
}

func TestHeapSegregatedAlgorithm(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1 << 16,
		FixedSize: true,
		Algorithm: hoard.AlgorithmSegregated,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	var allocations []*hoard.Allocation
	for size := 8; size <= 4096; size *= 2 {
		allocation, err := heap.Alloc(size, hoard.AllocOptions{
			Strategy: hole.StrategyMinMemory,
		})
		require.NoError(t, err)
		allocations = append(allocations, allocation)
	}
	require.NoError(t, heap.Validate())

	for _, allocation := range allocations {
		require.NoError(t, heap.Free(allocation))
	}

	require.NoError(t, heap.Validate())
	require.Equal(t, 1<<16, heap.FreeBytes())
}

func TestHeapFreeErrors(t *testing.T) {
	heap, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
		FixedSize: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	require.Error(t, heap.Free(nil))

	a, err := heap.Alloc(100, hoard.AllocOptions{})
	require.NoError(t, err)
	require.NoError(t, heap.Free(a))
	require.Error(t, heap.Free(a))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := hoard.New(testLogger(), nil, hoard.CreateOptions{
		MinAlignment: 3,
	})
	require.ErrorIs(t, err, heaputils.PowerOfTwoError)

	_, err = hoard.New(testLogger(), nil, hoard.CreateOptions{
		Algorithm: hoard.Algorithm(99),
	})
	require.Error(t, err)

	_, err = hoard.New(testLogger(), nil, hoard.CreateOptions{
		ArenaSize: 1024,
		MaxBytes:  512,
	})
	require.Error(t, err)
}

func TestHeapMockBacking(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := mock_hoard.NewMockBacking(ctrl)
	backing.EXPECT().Allocate(1024).Return(make([]byte, 1024), nil)
	backing.EXPECT().Release(gomock.Len(1024)).Return(nil)

	heap, err := hoard.New(testLogger(), backing, hoard.CreateOptions{
		ArenaSize: 1024,
		FixedSize: true,
	})
	require.NoError(t, err)

	a, err := heap.Alloc(100, hoard.AllocOptions{})
	require.NoError(t, err)
	require.NoError(t, heap.Free(a))

	require.NoError(t, heap.Destroy())
}

func TestHeapMockBackingFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := mock_hoard.NewMockBacking(ctrl)
	backing.EXPECT().Allocate(1024).Return(nil, errors.New("out of backing memory"))

	_, err := hoard.New(testLogger(), backing, hoard.CreateOptions{
		ArenaSize: 1024,
		FixedSize: true,
	})
	require.Error(t, err)
}
