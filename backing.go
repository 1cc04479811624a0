package hoard

import (
	"github.com/hoardmem/hoard/internal/mmap"
)

// Backing provides the raw memory that heap arenas are carved from.
type Backing interface {
	// Allocate returns a zeroed span of at least size bytes
	Allocate(size int) ([]byte, error)
	// Release returns a span previously obtained from Allocate
	Release(data []byte) error
}

// SliceBacking is a Backing that sources arenas from the Go runtime.
type SliceBacking struct{}

func (SliceBacking) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (SliceBacking) Release(data []byte) error {
	return nil
}

// MapBacking is a Backing that sources arenas from anonymous memory mappings,
// keeping arena space out of the garbage collector's sight. It is only
// available on unix platforms; Allocate fails everywhere else.
type MapBacking struct{}

func (MapBacking) Allocate(size int) ([]byte, error) {
	return mmap.Alloc(size)
}

func (MapBacking) Release(data []byte) error {
	return mmap.Free(data)
}
