package main

import (
	"os"
	"strings"

	"github.com/hoardmem/hoard"
	"github.com/hoardmem/hoard/hole"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Trace defines the format of the toml trace files consumed by this tool. The
// top-level keys configure the heap under replay and [[ops]] lists the
// operations to perform against it, in order.
type Trace struct {
	// ArenaSize is the heap's arena size in bytes. Defaults to 64KB.
	ArenaSize int `toml:"arena-size"`
	// MaxBytes caps the heap's total backing memory, or 0 for no cap.
	MaxBytes int `toml:"max-bytes"`
	// FixedSize prevents the heap from growing past its first arena.
	FixedSize bool `toml:"fixed-size"`
	// Algorithm is "firstfit" (default) or "segregated".
	Algorithm string `toml:"algorithm"`
	// MinAlignment is the heap's minimum alignment. 0 selects the default.
	MinAlignment uint `toml:"min-alignment"`

	Ops []TraceOp `toml:"ops"`
}

// TraceOp is a single replayed operation.
type TraceOp struct {
	// Op is "alloc", "free", "free-bytes", or "dump".
	Op string `toml:"op"`
	// ID names an allocation so a later free can refer back to it. Required
	// for alloc and free.
	ID string `toml:"id"`
	// Size is the allocation size in bytes. Required for alloc.
	Size int `toml:"size"`
	// Alignment overrides the heap's minimum alignment for one alloc.
	Alignment uint `toml:"alignment"`
	// Name is an optional debug name attached to the allocation.
	Name string `toml:"name"`
	// BestFit biases one alloc toward the smallest fitting hole.
	BestFit bool `toml:"best-fit"`
	// Max bounds the number of holes reported by a dump op. Defaults to 64.
	Max int `toml:"max"`
}

func loadTrace(path string) (*Trace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read trace file %s", path)
	}

	var trace Trace
	err = toml.Unmarshal(raw, &trace)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse trace file %s", path)
	}

	if trace.ArenaSize == 0 {
		trace.ArenaSize = 64 * 1024
	}

	seen := make(map[string]bool)
	for i, op := range trace.Ops {
		switch strings.ToLower(op.Op) {
		case "alloc":
			if op.ID == "" {
				return nil, errors.Errorf("op %d: alloc requires an id", i)
			}
			if seen[op.ID] {
				return nil, errors.Errorf("op %d: allocation id %q is already live", i, op.ID)
			}
			if op.Size < 1 {
				return nil, errors.Errorf("op %d: alloc requires a positive size", i)
			}
			seen[op.ID] = true
		case "free":
			if !seen[op.ID] {
				return nil, errors.Errorf("op %d: free refers to unknown allocation id %q", i, op.ID)
			}
			delete(seen, op.ID)
		case "free-bytes", "dump":
		default:
			return nil, errors.Errorf("op %d: unknown op %q", i, op.Op)
		}
	}

	return &trace, nil
}

func (t *Trace) heapOptions() (hoard.CreateOptions, error) {
	options := hoard.CreateOptions{
		ArenaSize:    t.ArenaSize,
		MaxBytes:     t.MaxBytes,
		FixedSize:    t.FixedSize,
		MinAlignment: t.MinAlignment,
	}

	switch strings.ToLower(t.Algorithm) {
	case "", "firstfit":
		options.Algorithm = hoard.AlgorithmFirstFit
	case "segregated":
		options.Algorithm = hoard.AlgorithmSegregated
	default:
		return options, errors.Errorf("unknown algorithm %q", t.Algorithm)
	}

	return options, nil
}

func (op *TraceOp) allocOptions() hoard.AllocOptions {
	o := hoard.AllocOptions{
		Alignment: op.Alignment,
		Name:      op.Name,
	}
	if op.BestFit {
		o.Strategy = hole.StrategyMinMemory
	}

	return o
}
