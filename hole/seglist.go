package hole

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/hoardmem/hoard/heaputils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// bestFitScanLimit bounds how many holes of a single size class are examined
// before settling, keeping allocation amortized O(1) even on long lists.
const bestFitScanLimit = 32

// SegregatedList is a List implementation that bins holes into size classes,
// with an occupancy bitmap over the classes so that a fitting hole can usually
// be found without walking anything. It trades a little internal bookkeeping
// for much faster allocation on fragmented spans than FirstFitList manages.
//
// Holes within a class form a doubly-linked chain in most-recently-freed
// order, not address order.
type SegregatedList struct {
	ListBase

	table *classTable

	allocCount int
	holeCount  int
	freeSize   int

	// occupancy has one bit per size class, set while that class's chain is
	// nonempty
	occupancy uint64
	freeLists []*region

	nextHandle Handle
	handleKey  *swiss.Map[Handle, *region]
	headRegion *region
}

var _ List = &SegregatedList{}

// NewSegregatedList creates a new, uninitialized SegregatedList with the
// provided size class configuration. A zero-valued config selects
// DefaultClassConfig. Init must be called before use.
func NewSegregatedList(config ClassConfig) *SegregatedList {
	if config == (ClassConfig{}) {
		config = DefaultClassConfig
	}

	return &SegregatedList{
		table: newClassTable(config),
	}
}

func (m *SegregatedList) allocateRegion() *region {
	r := regionPool.Get().(*region)
	r.offset = 0
	r.size = 0
	r.prevPhys = nil
	r.nextPhys = nil
	r.prevFree = nil
	r.nextFree = nil
	r.taken = false
	r.userData = nil
	r.handle = Handle(atomic.AddUint64((*uint64)(&m.nextHandle), 1))
	m.handleKey.Put(r.handle, r)
	return r
}

func (m *SegregatedList) freeRegion(r *region) {
	m.handleKey.Delete(r.handle)
	regionPool.Put(r)
}

func (m *SegregatedList) getRegion(handle Handle) (*region, error) {
	r, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this list")
	}
	return r, nil
}

func (m *SegregatedList) Init(size int) {
	m.ListBase.Init(size)
	m.handleKey = swiss.NewMap[Handle, *region](42)
	m.freeLists = make([]*region, m.table.numClasses())

	hole := m.allocateRegion()
	hole.size = size
	m.headRegion = hole
	m.insertHole(hole)
}

func (m *SegregatedList) AllocationCount() int {
	return m.allocCount
}

func (m *SegregatedList) HoleCount() int {
	return m.holeCount
}

func (m *SegregatedList) SumFreeSize() int {
	return m.freeSize
}

func (m *SegregatedList) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *SegregatedList) MayFitAllocation(size int) bool {
	if size > m.freeSize {
		return false
	}

	// Any occupied class above the request's own class guarantees a fit
	class := m.table.classFor(size)
	return m.occupancy&(math.MaxUint64<<uint(class)) != 0
}

func (m *SegregatedList) insertHole(r *region) {
	class := m.table.classFor(r.size)

	r.prevFree = nil
	r.nextFree = m.freeLists[class]
	m.freeLists[class] = r
	if r.nextFree != nil {
		r.nextFree.prevFree = r
	} else {
		m.occupancy |= 1 << uint(class)
	}

	m.holeCount++
	m.freeSize += r.size
}

func (m *SegregatedList) removeHole(r *region) {
	if r.nextFree != nil {
		r.nextFree.prevFree = r.prevFree
	}

	if r.prevFree != nil {
		r.prevFree.nextFree = r.nextFree
	} else {
		class := m.table.classFor(r.size)
		if m.freeLists[class] != r {
			panic("region was not in the hole chain at the expected class")
		}
		m.freeLists[class] = r.nextFree
		if r.nextFree == nil {
			m.occupancy &= ^(1 << uint(class))
		}
	}

	r.prevFree = nil
	r.nextFree = nil
	m.holeCount--
	m.freeSize -= r.size
}

func (m *SegregatedList) removePhys(r *region) {
	if r.prevPhys != nil {
		r.prevPhys.nextPhys = r.nextPhys
	} else {
		m.headRegion = r.nextPhys
	}
	if r.nextPhys != nil {
		r.nextPhys.prevPhys = r.prevPhys
	}

	r.prevPhys = nil
	r.nextPhys = nil
}

// holeFits computes the aligned offset an allocation would take within a hole
// and whether it fits.
func holeFits(r *region, allocSize int, allocAlignment uint) (int, bool) {
	alignedOffset := heaputils.AlignUp(r.offset, allocAlignment)
	return alignedOffset, alignedOffset-r.offset+allocSize <= r.size
}

// scanClass examines up to bestFitScanLimit holes of a single class chain and
// returns the first fit, or the best fit when bestFit is set.
func (m *SegregatedList) scanClass(class int, allocSize int, allocAlignment uint, bestFit bool) (*region, int) {
	var chosen *region
	var chosenOffset int

	scanned := 0
	for r := m.freeLists[class]; r != nil && scanned < bestFitScanLimit; r = r.nextFree {
		scanned++

		alignedOffset, fits := holeFits(r, allocSize, allocAlignment)
		if !fits {
			continue
		}

		if !bestFit {
			return r, alignedOffset
		}

		if chosen == nil || r.size < chosen.size {
			chosen = r
			chosenOffset = alignedOffset
		}
	}

	return chosen, chosenOffset
}

func (m *SegregatedList) CreateAllocRequest(
	allocSize int, allocAlignment uint,
	strategy Strategy,
) (bool, AllocRequest, error) {
	var allocRequest AllocRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}

	heaputils.DebugValidate(m)

	allocSize += heaputils.DebugMargin

	if allocSize > m.freeSize {
		return false, allocRequest, nil
	}

	var chosen *region
	var chosenOffset int

	if strategy&StrategyMinOffset != 0 {
		// Address order matters more than speed here, so walk the physical chain
		for r := m.headRegion; r != nil; r = r.nextPhys {
			if r.taken {
				continue
			}

			alignedOffset, fits := holeFits(r, allocSize, allocAlignment)
			if fits {
				chosen = r
				chosenOffset = alignedOffset
				break
			}
		}
	} else {
		bestFit := strategy&StrategyMinMemory != 0

		// Start at the request's own class and climb through occupied classes.
		// Holes in higher classes are larger than the request, but alignment can
		// still disqualify them, so each chain gets scanned.
		startClass := m.table.classFor(allocSize)
		remaining := m.occupancy & (math.MaxUint64 << uint(startClass))
		for remaining != 0 {
			class := bits.TrailingZeros64(remaining)
			remaining &= remaining - 1

			chosen, chosenOffset = m.scanClass(class, allocSize, allocAlignment, bestFit)
			if chosen != nil {
				break
			}
		}
	}

	if chosen == nil {
		return false, allocRequest, nil
	}

	allocRequest.Handle = chosen.handle
	allocRequest.Size = allocSize - heaputils.DebugMargin
	allocRequest.Type = AllocRequestSegregated
	allocRequest.AlgorithmData = uint64(chosenOffset)
	return true, allocRequest, nil
}

func (m *SegregatedList) Alloc(req AllocRequest, userData any) error {
	if req.Type != AllocRequestSegregated {
		return errors.New("allocation request was received by an incompatible list")
	}

	r, err := m.getRegion(req.Handle)
	if err != nil {
		return err
	}
	if r.taken {
		return errors.New("the requested hole is no longer free")
	}

	offset := int(req.AlgorithmData)
	if offset < r.offset {
		return errors.New("allocation request had a handle that was incompatible with the requested offset")
	}

	pad := offset - r.offset
	size := req.Size + heaputils.DebugMargin
	if pad+size > r.size {
		return errors.New("the requested hole is no longer large enough for the request")
	}

	m.removeHole(r)

	if pad > 0 {
		front := m.allocateRegion()
		front.offset = r.offset
		front.size = pad
		front.prevPhys = r.prevPhys
		front.nextPhys = r
		if r.prevPhys != nil {
			r.prevPhys.nextPhys = front
		} else {
			m.headRegion = front
		}
		r.prevPhys = front

		r.offset += pad
		r.size -= pad
		m.insertHole(front)
	}

	if r.size > size {
		tail := m.allocateRegion()
		tail.offset = r.offset + size
		tail.size = r.size - size
		tail.prevPhys = r
		tail.nextPhys = r.nextPhys
		if r.nextPhys != nil {
			r.nextPhys.prevPhys = tail
		}
		r.nextPhys = tail

		r.size = size
		m.insertHole(tail)
	}

	r.taken = true
	r.userData = userData
	m.allocCount++

	return nil
}

func (m *SegregatedList) Free(handle Handle) error {
	r, err := m.getRegion(handle)
	if err != nil {
		return err
	}
	if !r.taken {
		return errors.New("region is already free")
	}

	r.taken = false
	r.userData = nil
	m.allocCount--

	next := r.nextPhys
	if next != nil && !next.taken {
		m.removeHole(next)
		r.size += next.size
		m.removePhys(next)
		m.freeRegion(next)
	}

	prev := r.prevPhys
	if prev != nil && !prev.taken {
		m.removeHole(prev)
		prev.size += r.size
		m.removePhys(r)
		m.freeRegion(r)
		r = prev
	}

	m.insertHole(r)
	return nil
}

func (m *SegregatedList) Validate() error {
	if m.freeSize > m.Size() {
		return errors.New("invalid list free size")
	}

	var calculatedSize, calculatedFreeSize int
	var allocCount, holeCount int
	nextOffset := 0

	for r := m.headRegion; r != nil; r = r.nextPhys {
		if r.offset != nextOffset {
			return errors.Errorf("region at offset %d does not begin at the previous region's end offset %d", r.offset, nextOffset)
		}
		if r.prevPhys != nil && r.prevPhys.nextPhys != r {
			return errors.Errorf("region at offset %d has a previous physical region, but the reverse reference is broken", r.offset)
		}

		if r.taken {
			allocCount++
		} else {
			if r.nextPhys != nil && !r.nextPhys.taken {
				return errors.Errorf("holes at offsets %d and %d are adjacent but were not merged", r.offset, r.nextPhys.offset)
			}
			holeCount++
			calculatedFreeSize += r.size
		}

		calculatedSize += r.size
		nextOffset = r.offset + r.size
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("the full size of the span is %d, but the regions only added up to %d", m.Size(), calculatedSize)
	}
	if calculatedFreeSize != m.freeSize {
		return errors.Errorf("the free size of the span is %d, but the holes only added up to %d", m.freeSize, calculatedFreeSize)
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the list is %d, but the taken regions only added up to %d", m.allocCount, allocCount)
	}
	if holeCount != m.holeCount {
		return errors.Errorf("the hole count of the list is %d, but there were only %d holes", m.holeCount, holeCount)
	}

	// Check integrity of the class chains against the bitmap
	chainCount := 0
	for class := 0; class < len(m.freeLists); class++ {
		occupied := m.occupancy&(1<<uint(class)) != 0
		if occupied != (m.freeLists[class] != nil) {
			return errors.Errorf("size class %d disagrees with the occupancy bitmap", class)
		}

		for r := m.freeLists[class]; r != nil; r = r.nextFree {
			if r.taken {
				return errors.Errorf("region at offset %d is in the class %d chain but is not free", r.offset, class)
			}
			if m.table.classFor(r.size) != class {
				return errors.Errorf("hole at offset %d with size %d belongs in class %d, but was found in class %d", r.offset, r.size, m.table.classFor(r.size), class)
			}
			if r.nextFree != nil && r.nextFree.prevFree != r {
				return errors.Errorf("hole at offset %d lists the hole at offset %d as its next hole, but the reverse reference is broken", r.offset, r.nextFree.offset)
			}

			chainCount++
		}
	}

	if chainCount != holeCount {
		return errors.Errorf("the number of holes in the physical chain and the number of holes in the class chains do not match! class chains: %d, physical chain holes: %d", chainCount, holeCount)
	}

	return nil
}

func (m *SegregatedList) VisitAllRegions(handleRegion func(handle Handle, offset int, size int, userData any, free bool) error) error {
	for r := m.headRegion; r != nil; r = r.nextPhys {
		err := handleRegion(r.handle, r.offset, r.size, r.userData, !r.taken)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *SegregatedList) FirstHole() (Handle, error) {
	for r := m.headRegion; r != nil; r = r.nextPhys {
		if !r.taken {
			return r.handle, nil
		}
	}

	return NoHole, nil
}

func (m *SegregatedList) NextHole(handle Handle) (Handle, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return NoHole, err
	}
	if r.taken {
		return NoHole, errors.New("provided region is not a hole")
	}

	for next := r.nextPhys; next != nil; next = next.nextPhys {
		if !next.taken {
			return next.handle, nil
		}
	}

	return NoHole, nil
}

func (m *SegregatedList) AllocationOffset(handle Handle) (int, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return 0, err
	}

	return r.offset, nil
}

func (m *SegregatedList) AllocationUserData(handle Handle) (any, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if !r.taken {
		return nil, errors.New("user data cannot be retrieved for a hole")
	}

	return r.userData, nil
}

func (m *SegregatedList) SetAllocationUserData(handle Handle, userData any) error {
	r, err := m.getRegion(handle)
	if err != nil {
		return err
	}

	if !r.taken {
		return errors.New("user data cannot be set for a hole")
	}

	r.userData = userData
	return nil
}

func (m *SegregatedList) AddStatistics(stats *heaputils.Statistics) {
	stats.ArenaCount++
	stats.AllocationCount += m.allocCount
	stats.ArenaBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.freeSize
}

func (m *SegregatedList) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()

	for r := m.headRegion; r != nil; r = r.nextPhys {
		if r.taken {
			stats.AddAllocation(r.size)
		} else {
			stats.AddHole(r.size)
		}
	}
}

func (m *SegregatedList) WriteJsonData(json *jwriter.ObjectState) {
	m.ListBase.WriteJsonData(json, m.freeSize, m.allocCount, m.holeCount)
}

func (m *SegregatedList) CheckCorruption(arenaData []byte) error {
	if heaputils.DebugMargin == 0 {
		return nil
	}

	for r := m.headRegion; r != nil; r = r.nextPhys {
		if r.taken && !heaputils.ValidateMagicValue(arenaData, r.offset+r.size-heaputils.DebugMargin) {
			return errors.New("memory corruption detected after validated allocation")
		}
	}

	return nil
}

func (m *SegregatedList) Clear() {
	r := m.headRegion
	for r != nil {
		next := r.nextPhys
		m.freeRegion(r)
		r = next
	}

	m.freeLists = make([]*region, m.table.numClasses())
	m.occupancy = 0
	m.allocCount = 0
	m.holeCount = 0
	m.freeSize = 0

	hole := m.allocateRegion()
	hole.size = m.Size()
	m.headRegion = hole
	m.insertHole(hole)
}
