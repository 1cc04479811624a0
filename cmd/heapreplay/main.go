// heapreplay replays an allocation trace against a hoard.Heap and reports on
// the heap's state along the way. Traces are toml files; see Trace for the
// format.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose   bool
	jsonOut   bool
	statsDump bool
)

var rootCmd = &cobra.Command{
	Use:   "heapreplay <trace.toml>",
	Short: "Replay an allocation trace against a heap",
	Long: `heapreplay drives a heap through a recorded sequence of allocations and
frees, validating the heap after every operation and reporting free space and
fragmentation at each dump point. It is intended for reproducing allocator
behavior from production traces.`,
	Version: "0.1.0",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every replayed operation")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "Report dump points as JSON instead of a table")
	rootCmd.Flags().BoolVar(&statsDump, "stats", false, "Print a full JSON stats dump after the replay")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
