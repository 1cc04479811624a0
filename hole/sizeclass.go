package hole

import "fmt"

// ClassConfig defines the size class strategy for a SegregatedList. Small
// sizes get linear buckets; above SmallMax the bucket bounds grow by
// GrowthFactor until LargeMax, past which everything lands in one final
// bucket.
type ClassConfig struct {
	// SmallMin is the smallest bucketed allocation size (smaller requests share
	// the first bucket)
	SmallMin int
	// SmallMax is the largest size covered by the linear buckets
	SmallMax int
	// SmallIncrement is the width of each linear bucket
	SmallIncrement int
	// GrowthFactor is the exponential growth factor applied above SmallMax
	GrowthFactor float64
	// LargeMax is the largest size covered by the exponential buckets
	LargeMax int
}

// DefaultClassConfig is a balanced tradeoff between bucket count and internal
// search length, and keeps the class count within the occupancy bitmap.
var DefaultClassConfig = ClassConfig{
	SmallMin:       8,
	SmallMax:       256,
	SmallIncrement: 16,
	GrowthFactor:   1.5,
	LargeMax:       1 << 20,
}

// classTable holds the computed bucket boundaries for a ClassConfig. Bucket i
// covers sizes in (boundaries[i-1], boundaries[i]], and the final bucket is
// unbounded.
type classTable struct {
	config     ClassConfig
	boundaries []int
}

func newClassTable(config ClassConfig) *classTable {
	if config.SmallIncrement < 1 || config.SmallMin < 1 || config.SmallMax < config.SmallMin {
		panic(fmt.Sprintf("invalid size class config: %+v", config))
	}
	if config.GrowthFactor <= 1.0 {
		panic(fmt.Sprintf("size class growth factor must be greater than 1: %f", config.GrowthFactor))
	}

	var boundaries []int
	for bound := config.SmallMin + config.SmallIncrement - 1; bound < config.SmallMax; bound += config.SmallIncrement {
		boundaries = append(boundaries, bound)
	}
	boundaries = append(boundaries, config.SmallMax)

	bound := float64(config.SmallMax)
	for int(bound) < config.LargeMax {
		bound *= config.GrowthFactor
		boundaries = append(boundaries, int(bound))
	}

	// One more unbounded bucket follows the last boundary. The occupancy bitmap
	// is a uint64, so the table must stay within it.
	if len(boundaries)+1 > 64 {
		panic(fmt.Sprintf("size class config produces %d classes, which does not fit the occupancy bitmap", len(boundaries)+1))
	}

	return &classTable{
		config:     config,
		boundaries: boundaries,
	}
}

func (t *classTable) numClasses() int {
	return len(t.boundaries) + 1
}

// classFor returns the bucket index for an allocation or hole of the provided
// size.
func (t *classTable) classFor(size int) int {
	if size <= t.config.SmallMax {
		if size < t.config.SmallMin {
			return 0
		}
		return (size - t.config.SmallMin) / t.config.SmallIncrement
	}

	for class := (t.config.SmallMax-t.config.SmallMin)/t.config.SmallIncrement + 1; class < len(t.boundaries); class++ {
		if size <= t.boundaries[class] {
			return class
		}
	}

	return len(t.boundaries)
}
