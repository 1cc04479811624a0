package hoard

import (
	"fmt"

	"github.com/hoardmem/hoard/hole"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Allocation is a single live allocation made from a Heap. It remains valid
// until passed to Heap.Free.
type Allocation struct {
	arena  *arena
	handle hole.Handle

	offset   int
	size     int
	userData any
	name     string
}

// Offset returns the allocation's offset in bytes within its arena.
func (a *Allocation) Offset() int { return a.offset }

// Size returns the size in bytes that was requested for this allocation.
func (a *Allocation) Size() int { return a.size }

// Bytes returns the backing memory of this allocation. The returned slice
// aliases arena memory and must not be used after the allocation is freed.
func (a *Allocation) Bytes() []byte {
	if a.arena == nil {
		panic("attempted to access the memory of a freed allocation")
	}

	return a.arena.data[a.offset : a.offset+a.size]
}

// UserData retrieves an arbitrary data value assigned to this allocation
func (a *Allocation) UserData() any { return a.userData }

// SetUserData assigns an arbitrary data value to this allocation
func (a *Allocation) SetUserData(userData any) { a.userData = userData }

// Name retrieves a debug name assigned to this allocation
func (a *Allocation) Name() string { return a.name }

// SetName assigns a debug name to this allocation
func (a *Allocation) SetName(name string) { a.name = name }

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
