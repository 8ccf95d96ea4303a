package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"fanchat/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(cfg.Usage.File); err != nil {
			fmt.Fprintln(out, "No usage recorded yet.")
			return nil
		}
		tracker, err := usage.NewTracker(cfg.Usage.File)
		if err != nil {
			return err
		}
		defer tracker.Close()
		printUsage(out, tracker.Stats())
		return nil
	},
}

func printUsage(out io.Writer, stats usage.AggregatedStats) {
	fmt.Fprintf(out, "Requests: %d\n", stats.Requests)
	fmt.Fprintf(out, "Tokens:   %d in / %d out / %d total\n", stats.Total.Input, stats.Total.Output, stats.Total.Total)
	printBreakdown(out, "By model", stats.ByModel)
	printBreakdown(out, "By operation", stats.ByOperation)
}

func printBreakdown(out io.Writer, title string, m map[string]usage.TokenCounts) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\n%s:\n", title)
	for _, k := range keys {
		tc := m[k]
		fmt.Fprintf(out, "  %-28s %8d in %8d out\n", k, tc.Input, tc.Output)
	}
}
