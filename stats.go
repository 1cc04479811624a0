package hoard

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hoardmem/hoard/heaputils"
	"github.com/hoardmem/hoard/hole"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString renders a JSON description of the Heap's current state,
// suitable for dumping to a log or diff-ing between two points in time. When
// detailedMap is true, the output additionally includes every region of every
// arena.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	var stats heaputils.DetailedStatistics
	stats.Clear()
	for _, a := range h.arenas {
		a.list.AddDetailedStatistics(&stats)
	}

	generalObj := rootObj.Name("General").Object()
	writeDetailedStatsJson(&stats, generalObj)
	generalObj.End()

	if detailedMap {
		h.printDetailedMap(rootObj)
	}

	rootObj.End()
	return string(writer.Bytes())
}

func writeDetailedStatsJson(stats *heaputils.DetailedStatistics, json jwriter.ObjectState) {
	json.Name("Arenas").Int(stats.ArenaCount)
	json.Name("ArenaBytes").Int(stats.ArenaBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("Holes").Int(stats.HoleCount)
	json.Name("FreeBytes").Int(stats.ArenaBytes - stats.AllocationBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(statsSizeOrZero(stats.AllocationSizeMin))
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.HoleCount > 0 {
		json.Name("HoleSizeMin").Int(statsSizeOrZero(stats.HoleSizeMin))
		json.Name("HoleSizeMax").Int(stats.HoleSizeMax)
	}
}

func (h *Heap) printDetailedMap(json jwriter.ObjectState) {
	arenasObj := json.Name("Arenas").Object()
	defer arenasObj.End()

	for _, a := range h.arenas {
		arenaObj := arenasObj.Name(strconv.Itoa(a.id)).Object()

		a.list.WriteJsonData(&arenaObj)
		printDetailedMapRegions(a.list, arenaObj)

		arenaObj.End()
	}
}

func printDetailedMapRegions(list hole.List, json jwriter.ObjectState) {
	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = list.VisitAllRegions(
		func(handle hole.Handle, offset int, size int, userData any, free bool) error {
			if free {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)
				obj.Name("Type").String("FREE")
				obj.Name("Size").Int(size)
			} else {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)
				obj.Name("Type").String("ALLOCATION")

				var alloc *Allocation
				var isAllocation bool
				if userData != nil {
					alloc, isAllocation = userData.(*Allocation)
				}

				if isAllocation && alloc != nil {
					alloc.printParameters(&obj)
				} else {
					obj.Name("Size").Int(size)
					if userData != nil {
						obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
					}
				}
			}

			return nil
		})
}

// statsSizeOrZero maps the sentinel "no allocations seen" minimum back to 0
// for display purposes.
func statsSizeOrZero(size int) int {
	if size == math.MaxInt {
		return 0
	}
	return size
}
