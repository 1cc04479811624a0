package heaputils

import "math"

// Statistics is a basic rollup of allocation numbers for a Heap or a single
// arena within one.
type Statistics struct {
	ArenaCount      int
	AllocationCount int
	ArenaBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ArenaCount = 0
	s.AllocationCount = 0
	s.ArenaBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.AllocationCount += other.AllocationCount
	s.ArenaBytes += other.ArenaBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with hole (free region) accounting and
// min/max sizes. It is more expensive to collect than Statistics, since it
// requires walking each arena's region chain.
type DetailedStatistics struct {
	Statistics
	HoleCount         int
	AllocationSizeMin int
	AllocationSizeMax int
	HoleSizeMin       int
	HoleSizeMax       int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.HoleCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.HoleSizeMin = math.MaxInt
	s.HoleSizeMax = 0
}

func (s *DetailedStatistics) AddHole(size int) {
	s.HoleCount++

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.HoleCount += other.HoleCount

	if other.HoleSizeMin < s.HoleSizeMin {
		s.HoleSizeMin = other.HoleSizeMin
	}

	if other.HoleSizeMax > s.HoleSizeMax {
		s.HoleSizeMax = other.HoleSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
