package hole

import (
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/hoardmem/hoard/heaputils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// FirstFitList is a List implementation that manages free space the way a
// classic kernel heap does: every region of the span sits on a physical chain
// ordered by address, and the holes are additionally threaded onto a
// singly-linked chain, also ordered by address, rooted at the first hole.
//
// Allocation walks the hole chain for the first hole that fits (or the
// smallest that fits, under StrategyMinMemory) and splits it. Freeing merges
// the region with any free physical neighbor before reinserting it into the
// hole chain, so adjacent holes never survive a free.
type FirstFitList struct {
	ListBase

	allocCount int
	holeCount  int
	freeSize   int

	nextHandle Handle
	handleKey  *swiss.Map[Handle, *region]
	headRegion *region
	firstHole  *region
}

var _ List = &FirstFitList{}

// NewFirstFitList creates a new, uninitialized FirstFitList. Init must be
// called before use.
func NewFirstFitList() *FirstFitList {
	return &FirstFitList{}
}

func (m *FirstFitList) allocateRegion() *region {
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

func (m *FirstFitList) freeRegion(r *region) {
	m.handleKey.Delete(r.handle)
	regionPool.Put(r)
}

func (m *FirstFitList) getRegion(handle Handle) (*region, error) {
	r, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this list")
	}
	return r, nil
}

func (m *FirstFitList) Init(size int) {
	m.ListBase.Init(size)
	m.handleKey = swiss.NewMap[Handle, *region](42)

	hole := m.allocateRegion()
	hole.size = size
	m.headRegion = hole
	m.firstHole = hole
	m.holeCount = 1
	m.freeSize = size
}

func (m *FirstFitList) AllocationCount() int {
	return m.allocCount
}

func (m *FirstFitList) HoleCount() int {
	return m.holeCount
}

func (m *FirstFitList) SumFreeSize() int {
	return m.freeSize
}

func (m *FirstFitList) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *FirstFitList) MayFitAllocation(size int) bool {
	return size <= m.freeSize
}

func (m *FirstFitList) Validate() error {
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
		if r.size < 1 {
			return errors.Errorf("region at offset %d has an invalid size %d", r.offset, r.size)
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

	// Check integrity of the hole chain
	chainCount := 0
	lastOffset := -1
	for r := m.firstHole; r != nil; r = r.nextFree {
		if r.taken {
			return errors.Errorf("region at offset %d is in the hole chain but is not free", r.offset)
		}
		if r.offset <= lastOffset {
			return errors.Errorf("hole at offset %d is out of address order in the hole chain", r.offset)
		}

		lastOffset = r.offset
		chainCount++
	}

	if chainCount != holeCount {
		return errors.Errorf("the number of holes in the physical chain and the number of holes in the hole chain do not match! hole chain size: %d, physical chain holes: %d", chainCount, holeCount)
	}

	return nil
}

// insertHole threads a region into the hole chain at its address-ordered
// position and adds it to the free accounting.
func (m *FirstFitList) insertHole(r *region) {
	if m.firstHole == nil || r.offset < m.firstHole.offset {
		r.nextFree = m.firstHole
		m.firstHole = r
	} else {
		at := m.firstHole
		for at.nextFree != nil && at.nextFree.offset < r.offset {
			at = at.nextFree
		}
		r.nextFree = at.nextFree
		at.nextFree = r
	}

	m.holeCount++
	m.freeSize += r.size
}

func (m *FirstFitList) removeHole(r *region) {
	if m.firstHole == r {
		m.firstHole = r.nextFree
	} else {
		at := m.firstHole
		for at != nil && at.nextFree != r {
			at = at.nextFree
		}
		if at == nil {
			panic("region was not in the hole chain")
		}
		at.nextFree = r.nextFree
	}

	r.nextFree = nil
	m.holeCount--
	m.freeSize -= r.size
}

func (m *FirstFitList) removePhys(r *region) {
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

func (m *FirstFitList) CreateAllocRequest(
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

	// Is the span big enough at all?
	if allocSize > m.freeSize {
		return false, allocRequest, nil
	}

	bestFit := strategy&StrategyMinMemory != 0

	var chosen *region
	var chosenOffset int
	for r := m.firstHole; r != nil; r = r.nextFree {
		alignedOffset := heaputils.AlignUp(r.offset, allocAlignment)
		if alignedOffset-r.offset+allocSize > r.size {
			continue
		}

		if !bestFit {
			chosen = r
			chosenOffset = alignedOffset
			break
		}

		if chosen == nil || r.size < chosen.size {
			chosen = r
			chosenOffset = alignedOffset
		}
	}

	if chosen == nil {
		return false, allocRequest, nil
	}

	allocRequest.Handle = chosen.handle
	allocRequest.Size = allocSize - heaputils.DebugMargin
	allocRequest.Type = AllocRequestFirstFit
	allocRequest.AlgorithmData = uint64(chosenOffset)
	return true, allocRequest, nil
}

func (m *FirstFitList) Alloc(req AllocRequest, userData any) error {
	if req.Type != AllocRequestFirstFit {
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

	// Alignment padding stays free as its own hole in front of the allocation
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

	// Return the remainder of the hole to the chain
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

func (m *FirstFitList) Free(handle Handle) error {
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

	// Merge with the following hole
	next := r.nextPhys
	if next != nil && !next.taken {
		m.removeHole(next)
		r.size += next.size
		m.removePhys(next)
		m.freeRegion(next)
	}

	// Merge into the preceding hole
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

func (m *FirstFitList) VisitAllRegions(handleRegion func(handle Handle, offset int, size int, userData any, free bool) error) error {
	for r := m.headRegion; r != nil; r = r.nextPhys {
		err := handleRegion(r.handle, r.offset, r.size, r.userData, !r.taken)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FirstFitList) FirstHole() (Handle, error) {
	if m.firstHole == nil {
		return NoHole, nil
	}

	return m.firstHole.handle, nil
}

func (m *FirstFitList) NextHole(handle Handle) (Handle, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return NoHole, err
	}
	if r.taken {
		return NoHole, errors.New("provided region is not a hole")
	}

	if r.nextFree == nil {
		return NoHole, nil
	}

	return r.nextFree.handle, nil
}

func (m *FirstFitList) AllocationOffset(handle Handle) (int, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return 0, err
	}

	return r.offset, nil
}

func (m *FirstFitList) AllocationUserData(handle Handle) (any, error) {
	r, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if !r.taken {
		return nil, errors.New("user data cannot be retrieved for a hole")
	}

	return r.userData, nil
}

func (m *FirstFitList) SetAllocationUserData(handle Handle, userData any) error {
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

func (m *FirstFitList) AddStatistics(stats *heaputils.Statistics) {
	stats.ArenaCount++
	stats.AllocationCount += m.allocCount
	stats.ArenaBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.freeSize
}

func (m *FirstFitList) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
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

func (m *FirstFitList) WriteJsonData(json *jwriter.ObjectState) {
	m.ListBase.WriteJsonData(json, m.freeSize, m.allocCount, m.holeCount)
}

func (m *FirstFitList) CheckCorruption(arenaData []byte) error {
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

func (m *FirstFitList) Clear() {
	r := m.headRegion
	for r != nil {
		next := r.nextPhys
		m.freeRegion(r)
		r = next
	}

	hole := m.allocateRegion()
	hole.size = m.Size()
	m.headRegion = hole
	m.firstHole = hole
	m.allocCount = 0
	m.holeCount = 1
	m.freeSize = m.Size()
}
