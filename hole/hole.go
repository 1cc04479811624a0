package hole

import (
	"math"
	"sync"
)

// Handle is a numeric identifier for a single region of memory (allocated or
// free) within a hole list. Handles are only meaningful to the List that
// produced them.
type Handle uint64

const (
	// NoHole is returned from iteration methods when no further region exists
	NoHole Handle = math.MaxUint64
)

// region is one contiguous span of arena space. Regions form a doubly-linked
// chain ordered by offset (the physical chain) covering the entire arena.
// Free regions are additionally threaded onto implementation-specific free
// chains.
type region struct {
	offset int
	size   int

	prevPhys *region
	nextPhys *region

	// prevFree is only maintained by SegregatedList; FirstFitList keeps its
	// hole chain singly-linked the way a classic kernel free list is.
	prevFree *region
	nextFree *region

	taken    bool
	userData any
	handle   Handle
}

var regionPool = sync.Pool{
	New: func() any {
		return &region{}
	},
}
