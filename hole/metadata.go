package hole

import (
	"github.com/hoardmem/hoard/heaputils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// List manages the free and allocated regions within a single contiguous span
// of arena space. It allows allocations to be requested and freed, as well as
// enumerated and queried.
type List interface {
	// Init must be called before the List is used. It gives the implementation an
	// opportunity to prepare its internal structures, and informs it of the size in
	// bytes of the span it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the list was initialized with
	Size() int

	// Validate performs internal consistency checks on the list. These checks may be
	// expensive, depending on the implementation. When the implementation is functioning
	// correctly, it should not be possible for this method to return an error, but this
	// may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the list. This
	// number should generally be the number of successful allocations minus the number of
	// successful frees.
	AllocationCount() int
	// HoleCount returns the number of unique holes (free regions) in the span. Adjacent
	// holes are always merged into a single hole, so this is also the number of maximal
	// free regions.
	HoleCount() int
	// SumFreeSize returns the number of free bytes of memory in the span.
	SumFreeSize() int
	// MayFitAllocation returns a heuristic indicating whether the span could possibly
	// support a new allocation of the provided size. It must be fast and must not produce
	// false negatives; false positives are acceptable.
	MayFitAllocation(size int) bool

	// IsEmpty will return true if this list has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and hole
	// in the span, in address order. Depending on implementation, this can be slow and
	// should generally not be done except for diagnostic purposes.
	VisitAllRegions(handleRegion func(handle Handle, offset int, size int, userData any, free bool) error) error
	// FirstHole retrieves the handle of the lowest-addressed hole in the span, if any.
	// If none exists, the Handle value NoHole is returned.
	FirstHole() (Handle, error)
	// NextHole accepts a Handle that maps to a hole within the span and returns the
	// handle of the next hole in address order, if any. If none exists, the Handle
	// value NoHole is returned.
	//
	// The implementation must return an error if the provided handle does not map to
	// a hole within this span.
	NextHole(handle Handle) (Handle, error)

	// AllocationOffset accepts a Handle that maps to a live region of memory (allocated
	// or free) within the span and returns the offset in bytes of that region.
	//
	// The implementation must return an error if the provided handle does not map to a
	// live region of memory within this span.
	AllocationOffset(handle Handle) (int, error)
	// AllocationUserData accepts a Handle that maps to a live allocation within the span
	// and returns the userdata value provided by the consumer for that allocation.
	//
	// The implementation must return an error if the provided handle does not map to a
	// live allocation within this span.
	AllocationUserData(handle Handle) (any, error)
	// SetAllocationUserData accepts a Handle that maps to a live allocation within the
	// span and a userData value. The allocation's userData is changed to the provided
	// value.
	//
	// The implementation must return an error if the provided handle does not map to a
	// live allocation within this span.
	SetAllocationUserData(handle Handle, userData any) error

	// AddDetailedStatistics sums this span's allocation statistics into the statistics
	// currently present in the provided heaputils.DetailedStatistics object.
	AddDetailedStatistics(stats *heaputils.DetailedStatistics)
	// AddStatistics sums this span's allocation statistics into the statistics currently
	// present in the provided heaputils.Statistics object.
	AddStatistics(stats *heaputils.Statistics)

	// Clear instantly frees all allocations and resets the span to a single hole
	Clear()
	// WriteJsonData populates a json object with information about this span
	WriteJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts the backing bytes of the span this list manages. It will
	// return nil if anti-corruption memory markers are present for every allocation in
	// the span.
	//
	// Bear in mind that anti-corruption markers are only written when heaputils is built
	// with the build flag `debug_heap_utils`. This method will not return an error when
	// that flag is not present.
	CheckCorruption(arenaData []byte) error

	// CreateAllocRequest retrieves an AllocRequest object indicating where and how the
	// implementation would prefer to place the requested memory. That object can be
	// passed to Alloc to commit the allocation.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. The
	// implementation may increase the alignment above this value, but may not reduce it
	// strategy - whether to prioritize memory usage, offset, or allocation speed when
	// choosing a hole for the requested allocation
	CreateAllocRequest(allocSize int, allocAlignment uint, strategy Strategy) (bool, AllocRequest, error)
	// Alloc commits an AllocRequest object, carving the allocation out of the hole
	// described by the request. The implementation must return an error if the request
	// is no longer valid- i.e. the hole no longer exists, is not free, or is no longer
	// large enough to support the request.
	Alloc(request AllocRequest, userData any) error

	// Free frees an allocation within the span, causing it to become a hole once again.
	// The new hole is merged with any adjacent holes.
	//
	// The implementation must return an error if the provided handle does not map to a
	// live allocation within this span.
	Free(handle Handle) error
}

// ListBase is a simple struct that provides a few shared utilities for List
// implementations in the hole package.
type ListBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the span in bytes based on the
// parameter size.
func (m *ListBase) Init(size int) {
	m.size = size
}

// Size returns the size of the span in bytes
func (m *ListBase) Size() int { return m.size }

// WriteJsonData populates a json object with information about this span
func (m *ListBase) WriteJsonData(json *jwriter.ObjectState, freeBytes, allocationCount, holeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("FreeBytes").Int(freeBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("Holes").Int(holeCount)
}
