package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	cerrors "github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/hoardmem/hoard"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

const defaultDumpMax = 64

func runReplay(path string) error {
	trace, err := loadTrace(path)
	if err != nil {
		return err
	}

	options, err := trace.heapOptions()
	if err != nil {
		return err
	}

	logger := newLogger()
	heap, err := hoard.New(logger, hoard.SliceBacking{}, options)
	if err != nil {
		return cerrors.Wrapf(err, "could not create the heap described by %s", path)
	}

	live := make(map[string]*hoard.Allocation)

	for i, op := range trace.Ops {
		err = replayOp(heap, live, logger, i, op)
		if err != nil {
			return err
		}

		err = heap.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "heap validation failed after op %d (%s)", i, op.Op)
		}
	}

	printSummary(heap, live, len(trace.Ops))

	// Leaked allocations are reported above, but freed here so Destroy does
	// not also complain about them
	for _, allocation := range live {
		err = heap.Free(allocation)
		if err != nil {
			return err
		}
	}

	if statsDump {
		fmt.Println(heap.BuildStatsString(true))
	}

	return heap.Destroy()
}

func replayOp(heap *hoard.Heap, live map[string]*hoard.Allocation, logger *slog.Logger, i int, op TraceOp) error {
	switch strings.ToLower(op.Op) {
	case "alloc":
		allocation, err := heap.Alloc(op.Size, op.allocOptions())
		if err != nil {
			return cerrors.Wrapf(err, "op %d: failed to allocate %d bytes for id %q", i, op.Size, op.ID)
		}

		live[op.ID] = allocation
		logger.Debug("alloc",
			slog.String("id", op.ID),
			slog.Int("size", op.Size),
			slog.Int("offset", allocation.Offset()))

	case "free":
		err := heap.Free(live[op.ID])
		if err != nil {
			return cerrors.Wrapf(err, "op %d: failed to free id %q", i, op.ID)
		}

		delete(live, op.ID)
		logger.Debug("free", slog.String("id", op.ID))

	case "free-bytes":
		fmt.Printf("op %d: %s free\n", i, formatBytes(heap.FreeBytes()))

	case "dump":
		max := op.Max
		if max == 0 {
			max = defaultDumpMax
		}

		buf := make([]hoard.HoleInfo, max)
		count := heap.DumpHoles(buf)
		printDump(i, buf[:count])
	}

	return nil
}

func printDump(i int, holes []hoard.HoleInfo) {
	if jsonOut {
		writer := jwriter.NewWriter()
		arrayState := writer.Array()
		for _, h := range holes {
			obj := arrayState.Object()
			obj.Name("Arena").Int(h.Arena)
			obj.Name("Offset").Int(h.Offset)
			obj.Name("Size").Int(h.Size)
			obj.End()
		}
		arrayState.End()

		fmt.Printf("%s\n", writer.Bytes())
		return
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("op %d: %s\n", i, cyan(fmt.Sprintf("%d holes", len(holes))))
	for _, h := range holes {
		fmt.Printf("  arena %d  offset %8d  size %s\n", h.Arena, h.Offset, formatBytes(h.Size))
	}
}

func printSummary(heap *hoard.Heap, live map[string]*hoard.Allocation, opCount int) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("replayed %d ops, %s free across %d arenas\n",
		opCount, formatBytes(heap.FreeBytes()), heap.ArenaCount())

	if err := heap.CheckCorruption(); err != nil {
		fmt.Printf("corruption check: %s: %+v\n", red("FAILED"), err)
	} else {
		fmt.Printf("corruption check: %s\n", green("ok"))
	}

	if len(live) > 0 {
		ids := make([]string, 0, len(live))
		for id := range live {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(os.Stderr, "%s: %d allocations were never freed: %s\n",
			yellow("leak"), len(ids), strings.Join(ids, ", "))
	}
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
