package hole

// Strategy exposes several options for choosing the hole a new allocation is
// placed in. If none is chosen, the implementation uses a balanced default.
type Strategy uint32

const (
	// StrategyMinMemory selects the strategy that chooses the smallest-possible
	// hole for the allocation to minimize fragmentation, possibly at the expense
	// of allocation time
	StrategyMinMemory Strategy = 1 << iota
	// StrategyMinTime selects the strategy that chooses the first suitable hole-
	// not necessarily the one at the smallest offset, but the one that is easiest
	// and fastest to find
	StrategyMinTime
	// StrategyMinOffset selects the strategy that chooses the lowest offset in
	// available space. This is not the most efficient strategy, but achieves highly
	// packed data.
	StrategyMinOffset
)
