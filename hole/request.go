package hole

// AllocRequestType is an enum that indicates the List implementation an
// AllocRequest was sourced from.
type AllocRequestType uint32

const (
	// AllocRequestFirstFit indicates that the request was sourced from FirstFitList
	AllocRequestFirstFit AllocRequestType = iota
	// AllocRequestSegregated indicates that the request was sourced from SegregatedList
	AllocRequestSegregated
)

var allocRequestMapping = map[AllocRequestType]string{
	AllocRequestFirstFit:   "FirstFit",
	AllocRequestSegregated: "Segregated",
}

func (t AllocRequestType) String() string {
	return allocRequestMapping[t]
}

// AllocRequest is a type returned from List.CreateAllocRequest which indicates where
// and how the list intends to place new memory. The request can be committed to the
// list with List.Alloc.
type AllocRequest struct {
	// Handle identifies the hole the allocation will be carved from
	Handle Handle
	// Size is the total size of the allocation, which may be larger than what was
	// originally requested
	Size int
	// Type identifies the List implementation used to generate this request
	Type AllocRequestType

	// AlgorithmData is arbitrary data used by the List implementation for internal
	// purposes. Both provided implementations store the aligned offset the
	// allocation will be placed at.
	AlgorithmData uint64
}
