package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show page accounting and delete-engine counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := cache.Stats()
		fmt.Printf("root page:    %d\n", s.RootID)
		fmt.Printf("pages used:   %d\n", s.PagesUsed)
		fmt.Printf("free pages:   %d\n", s.FreePages)

		m := engineMetrics.Snapshot()
		fmt.Printf("deletes ok:   %d\n", m.DeletesCompleted)
		fmt.Printf("deletes miss: %d\n", m.DeletesNotFound)
		fmt.Printf("splits:       %d\n", m.Splits)
		fmt.Printf("merges:       %d\n", m.Merges)
		fmt.Printf("levels:       %d\n", m.Levels)
		fmt.Printf("collapses:    %d\n", m.RootCollapses)
		return nil
	},
}
