package hoard

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/hoardmem/hoard/heaputils"
	"github.com/hoardmem/hoard/hole"
	"github.com/pkg/errors"
)

// Algorithm selects the free-space bookkeeping strategy used by each arena in
// a Heap.
type Algorithm uint32

const (
	// AlgorithmFirstFit manages free space as a single address-ordered chain of
	// holes, scanned front to back on every allocation. It has the lowest
	// memory overhead and the most predictable layout.
	AlgorithmFirstFit Algorithm = iota
	// AlgorithmSegregated buckets holes into size classes and consults an
	// occupancy bitmap on allocation. It trades a little memory for much
	// shorter searches on fragmented heaps.
	AlgorithmSegregated
)

var algorithmNames = map[Algorithm]string{
	AlgorithmFirstFit:   "AlgorithmFirstFit",
	AlgorithmSegregated: "AlgorithmSegregated",
}

func (a Algorithm) String() string {
	name, ok := algorithmNames[a]
	if !ok {
		return "unknown algorithm"
	}
	return name
}

// CreateOptions contains optional settings when creating a Heap with New
type CreateOptions struct {
	// ArenaSize is the size in bytes of arenas requested from the Backing. New
	// arenas are created as demand requires, and allocations larger than this
	// value receive a dedicated arena. Defaults to 1MB.
	ArenaSize int
	// MaxBytes caps the total backing memory the Heap will hold at once, or 0
	// for no cap. Allocations that would require growing past the cap fail.
	MaxBytes int
	// FixedSize causes the Heap to create a single arena up front and never
	// grow. This matches the behavior of a heap carved from a static region.
	FixedSize bool

	// Algorithm selects the free-space strategy for this Heap's arenas
	Algorithm Algorithm
	// ClassConfig tunes the size classes used by AlgorithmSegregated. The zero
	// value selects hole.DefaultClassConfig. Ignored by other algorithms.
	ClassConfig hole.ClassConfig

	// MinAlignment is the minimum alignment of every allocation made from this
	// Heap. It must be a power of two. Defaults to 8.
	MinAlignment uint
	// UseMutex guards the Heap with a mutex so it can be shared between
	// goroutines
	UseMutex bool
}

// AllocOptions contains optional settings for a single allocation
type AllocOptions struct {
	// Alignment is the required alignment of the allocation in bytes. The
	// Heap's MinAlignment applies when this is smaller.
	Alignment uint
	// Strategy biases hole selection for this allocation
	Strategy hole.Strategy
	// UserData is an arbitrary value stored with the allocation
	UserData any
	// Name is a debug name attached to the allocation, surfaced in stats dumps
	// and unreleased-memory logs
	Name string
}

// HoleInfo describes a single free region of a Heap, as reported by DumpHoles.
type HoleInfo struct {
	// Arena is the id of the arena containing the hole
	Arena int
	// Offset is the hole's offset in bytes within its arena
	Offset int
	// Size is the length of the hole in bytes
	Size int
}

// Heap is a general-purpose sub-allocator. It carves allocations out of large
// arenas obtained from a Backing, tracking free space with per-arena hole
// lists and a running free-byte counter.
type Heap struct {
	logger  *slog.Logger
	backing Backing
	options CreateOptions

	mutex heaputils.OptionalRWMutex

	arenas      []*arena
	nextArenaID int

	// freeRAM is the sum of every arena's free bytes, maintained on each
	// allocation and free so FreeBytes never needs to walk the arenas
	freeRAM int
}

// New creates a new Heap.
//
// logger - the Heap will log unreleased memory and other diagnostics here.
// May be nil, in which case slog.Default() is used.
//
// backing - the source of arena memory. May be nil, in which case
// SliceBacking is used.
//
// options - optional settings for the new Heap
func New(logger *slog.Logger, backing Backing, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backing == nil {
		backing = SliceBacking{}
	}

	if options.ArenaSize == 0 {
		options.ArenaSize = 1024 * 1024
	}
	if options.ArenaSize < 1 {
		return nil, errors.Errorf("invalid ArenaSize: %d", options.ArenaSize)
	}
	if options.MaxBytes < 0 {
		return nil, errors.Errorf("invalid MaxBytes: %d", options.MaxBytes)
	}
	if options.MaxBytes > 0 && options.MaxBytes < options.ArenaSize {
		return nil, errors.Errorf("MaxBytes %d cannot hold even a single arena of size %d", options.MaxBytes, options.ArenaSize)
	}
	if _, ok := algorithmNames[options.Algorithm]; !ok {
		return nil, errors.Errorf("unknown algorithm: %d", options.Algorithm)
	}

	if options.MinAlignment == 0 {
		options.MinAlignment = 8
	}
	err := heaputils.CheckPow2(options.MinAlignment, "options.MinAlignment")
	if err != nil {
		return nil, err
	}

	heap := &Heap{
		logger:  logger,
		backing: backing,
		options: options,
		mutex: heaputils.OptionalRWMutex{
			UseMutex: options.UseMutex,
		},
	}

	// A fixed-size heap owns its full span from the start
	if options.FixedSize {
		_, err = heap.addArena(options.ArenaSize)
		if err != nil {
			return nil, cerrors.Wrapf(err, "failed to create the arena for a fixed-size heap")
		}
	}

	return heap, nil
}

// Destroy releases all arenas back to the Backing and renders the Heap
// unusable. Any allocations still live are logged as unreleased memory and
// cause an error to be returned, but the teardown still proceeds.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var firstErr error
	for _, a := range h.arenas {
		err := a.destroy(h.backing)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	h.arenas = nil
	h.freeRAM = 0
	return firstErr
}

// FreeBytes returns the number of free bytes currently available across all
// arenas. The value is a point-in-time snapshot; on a shared Heap it may be
// stale by the time the caller inspects it.
func (h *Heap) FreeBytes() int {
	h.mutex.RLock()
	freeRAM := h.freeRAM
	h.mutex.RUnlock()

	return freeRAM
}

// DumpHoles fills buf with descriptions of the Heap's holes in arena order
// and, within each arena, address order. It stops when buf is full and
// returns the number of entries written. A nil or empty buf returns 0.
func (h *Heap) DumpHoles(buf []HoleInfo) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, a := range h.arenas {
		if count >= len(buf) {
			break
		}

		err := a.list.VisitAllRegions(func(handle hole.Handle, offset int, size int, userData any, free bool) error {
			if !free {
				return nil
			}
			if count >= len(buf) {
				return errDumpBufferFull
			}

			buf[count] = HoleInfo{
				Arena:  a.id,
				Offset: offset,
				Size:   size,
			}
			count++
			return nil
		})
		if err != nil && err != errDumpBufferFull {
			panic(err)
		}
	}

	return count
}

var errDumpBufferFull = errors.New("dump buffer is full")

// Alloc carves an allocation of the requested size out of the Heap, creating
// a new arena if no existing arena can fit it.
func (h *Heap) Alloc(size int, o AllocOptions) (*Allocation, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid allocation size: %d", size)
	}

	alignment := o.Alignment
	if alignment != 0 {
		err := heaputils.CheckPow2(alignment, "o.Alignment")
		if err != nil {
			return nil, err
		}
	}
	if alignment < h.options.MinAlignment {
		alignment = h.options.MinAlignment
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, a := range h.arenas {
		if !a.list.MayFitAllocation(size + heaputils.DebugMargin) {
			continue
		}

		allocation, ok, err := h.tryAllocFromArena(a, size, alignment, o)
		if err != nil {
			return nil, err
		}
		if ok {
			return allocation, nil
		}
	}

	if h.options.FixedSize {
		return nil, errors.Errorf("a fixed-size heap has no room for an allocation of %d bytes", size)
	}

	// Grow. Oversized requests get a dedicated arena so ArenaSize stays an
	// upper bound on internal waste for everything else.
	arenaSize := h.options.ArenaSize
	if size+heaputils.DebugMargin > arenaSize {
		arenaSize = size + heaputils.DebugMargin
	}

	a, err := h.addArena(arenaSize)
	if err != nil {
		return nil, err
	}

	allocation, ok, err := h.tryAllocFromArena(a, size, alignment, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("a brand new arena of %d bytes could not fit an allocation of %d bytes", arenaSize, size)
	}

	return allocation, nil
}

// tryAllocFromArena attempts to place an allocation in a single arena. The
// caller must hold the heap mutex.
func (h *Heap) tryAllocFromArena(a *arena, size int, alignment uint, o AllocOptions) (*Allocation, bool, error) {
	ok, request, err := a.list.CreateAllocRequest(size, alignment, o.Strategy)
	if err != nil {
		return nil, false, cerrors.Wrapf(err, "failed to build an allocation request in arena %d", a.id)
	}
	if !ok {
		return nil, false, nil
	}

	allocation := &Allocation{
		arena:    a,
		handle:   request.Handle,
		size:     size,
		userData: o.UserData,
		name:     o.Name,
	}

	err = a.list.Alloc(request, allocation)
	if err != nil {
		return nil, false, cerrors.Wrapf(err, "failed to commit an allocation request in arena %d", a.id)
	}

	offset, err := a.list.AllocationOffset(request.Handle)
	if err != nil {
		return nil, false, err
	}
	allocation.offset = offset

	if heaputils.DebugMargin > 0 {
		heaputils.WriteMagicValue(a.data, offset+size)
	}

	h.freeRAM -= size + heaputils.DebugMargin
	return allocation, true, nil
}

// Free returns an allocation's memory to the Heap, merging it with any
// adjacent holes. The Allocation must not be used afterward.
func (h *Heap) Free(allocation *Allocation) error {
	if allocation == nil {
		return errors.New("attempted to free a nil allocation")
	}
	if allocation.arena == nil {
		return errors.New("attempted to free an allocation twice")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	a := allocation.arena
	err := a.list.Free(allocation.handle)
	if err != nil {
		return cerrors.Wrapf(err, "failed to free an allocation at offset %d in arena %d", allocation.offset, a.id)
	}

	h.freeRAM += allocation.size + heaputils.DebugMargin
	allocation.arena = nil

	if a.list.IsEmpty() && !h.options.FixedSize {
		h.removeSurplusEmptyArenas()
	}

	return nil
}

// addArena creates an arena of the requested size and registers it with the
// Heap. The caller must hold the heap mutex.
func (h *Heap) addArena(size int) (*arena, error) {
	if h.options.MaxBytes > 0 && h.totalBytes()+size > h.options.MaxBytes {
		return nil, errors.Errorf("creating an arena of %d bytes would grow the heap past its cap of %d bytes", size, h.options.MaxBytes)
	}

	a := &arena{}
	err := a.init(h.logger, h.backing, h.options.Algorithm, h.options.ClassConfig, size, h.nextArenaID)
	if err != nil {
		return nil, err
	}
	h.nextArenaID++

	h.arenas = append(h.arenas, a)
	h.freeRAM += size
	return a, nil
}

// removeSurplusEmptyArenas releases empty arenas back to the Backing, keeping
// a single empty arena around to absorb allocation churn. The caller must
// hold the heap mutex.
func (h *Heap) removeSurplusEmptyArenas() {
	keptEmpty := false
	kept := h.arenas[:0]

	for _, a := range h.arenas {
		if !a.list.IsEmpty() {
			kept = append(kept, a)
			continue
		}
		if !keptEmpty {
			keptEmpty = true
			kept = append(kept, a)
			continue
		}

		h.freeRAM -= a.list.SumFreeSize()
		err := a.destroy(h.backing)
		if err != nil {
			h.logger.Error("failed to release an empty arena", slog.Any("error", err))
		}
	}

	h.arenas = kept
}

// totalBytes returns the total backing memory held by the Heap. The caller
// must hold the heap mutex.
func (h *Heap) totalBytes() int {
	total := 0
	for _, a := range h.arenas {
		total += len(a.data)
	}
	return total
}

// ArenaCount returns the number of arenas the Heap currently holds
func (h *Heap) ArenaCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.arenas)
}

// Validate performs expensive internal consistency checks across the entire
// Heap. It should not be possible for this method to return an error, but it
// may assist in diagnosing issues.
func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	calculatedFree := 0
	for _, a := range h.arenas {
		err := a.validate()
		if err != nil {
			return cerrors.Wrapf(err, "arena %d failed validation", a.id)
		}
		calculatedFree += a.list.SumFreeSize()
	}

	if calculatedFree != h.freeRAM {
		return errors.Errorf("the heap's free counter reads %d bytes, but its holes add up to %d bytes", h.freeRAM, calculatedFree)
	}

	return nil
}

// CheckCorruption verifies the anti-corruption markers of every allocation in
// the Heap. It only has teeth when heaputils is built with the
// `debug_heap_utils` build flag.
func (h *Heap) CheckCorruption() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, a := range h.arenas {
		err := a.checkCorruption()
		if err != nil {
			return cerrors.Wrapf(err, "corruption detected in arena %d", a.id)
		}
	}

	return nil
}

// CalculateStatistics populates stats with basic allocation statistics for
// the whole Heap.
func (h *Heap) CalculateStatistics(stats *heaputils.Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats.Clear()
	for _, a := range h.arenas {
		a.list.AddStatistics(stats)
	}
}

// CalculateDetailedStatistics populates stats with full allocation and hole
// statistics for the whole Heap. This walks every region and is considerably
// slower than CalculateStatistics.
func (h *Heap) CalculateDetailedStatistics(stats *heaputils.DetailedStatistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats.Clear()
	for _, a := range h.arenas {
		a.list.AddDetailedStatistics(stats)
	}
}
