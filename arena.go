package hoard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hoardmem/hoard/hole"
	"github.com/pkg/errors"
)

// arena is one contiguous span of backing memory plus the hole list that
// manages it.
type arena struct {
	id     int
	logger *slog.Logger

	data []byte
	list hole.List
}

func (a *arena) init(
	logger *slog.Logger,
	backing Backing,
	algorithm Algorithm,
	classConfig hole.ClassConfig,
	size int,
	id int,
) error {
	if a.data != nil {
		panic("attempting to initialize an arena that is already in use")
	}

	data, err := backing.Allocate(size)
	if err != nil {
		return errors.Wrapf(err, "failed to obtain %d bytes of backing memory for a new arena", size)
	}

	a.id = id
	a.logger = logger
	a.data = data

	switch algorithm {
	case AlgorithmFirstFit:
		a.list = hole.NewFirstFitList()
	case AlgorithmSegregated:
		a.list = hole.NewSegregatedList(classConfig)
	default:
		panic(fmt.Sprintf("unknown heap algorithm: %s", algorithm.String()))
	}

	a.list.Init(size)
	return nil
}

func (a *arena) destroy(backing Backing) error {
	if !a.list.IsEmpty() {
		// Log all remaining allocations
		err := a.list.VisitAllRegions(func(handle hole.Handle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			a.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this arena!")
	}

	if a.data == nil {
		panic("attempting to destroy an arena, but it did not have backing memory")
	}

	err := backing.Release(a.data)
	if err != nil {
		return errors.Wrap(err, "failed to release an arena's backing memory")
	}

	a.data = nil
	a.list = nil
	return nil
}

func (a *arena) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	if allocation, isAllocation := userData.(*Allocation); isAllocation && allocation != nil {
		userData = allocation.UserData()
		if allocation.Name() != "" {
			name = allocation.Name()
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (a *arena) validate() error {
	if a.data == nil {
		return errors.New("no valid backing memory for this arena")
	}
	if a.list.Size() != len(a.data) {
		return errors.Errorf("this arena's hole list manages %d bytes, but the arena has %d bytes of backing memory", a.list.Size(), len(a.data))
	}

	return a.list.Validate()
}

func (a *arena) checkCorruption() error {
	return a.list.CheckCorruption(a.data)
}
