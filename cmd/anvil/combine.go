package main

import (
	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/dtable/manageddtable"
)

var (
	combineFirst int
	combineLast  int
)

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Force an immediate combine pass over a disk range",
	Long:  "Combine merges disk entries [first, last] (inclusive, 0-indexed oldest-first) into one. With neither --first nor --last given, the whole stack is combined.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		m, ok := iface.(*manageddtable.Table)
		if !ok {
			fail(unsupportedMaintenance("combine"))
		}

		first, last := combineFirst, combineLast
		if last < 0 {
			last = m.DiskCount() - 1
		}
		if err := m.Combine(rootCtx, first, last); err != nil {
			fail(err)
		}
	},
}

func init() {
	combineCmd.Flags().IntVar(&combineFirst, "first", 0, "first disk index to combine (inclusive)")
	combineCmd.Flags().IntVar(&combineLast, "last", -1, "last disk index to combine (inclusive); -1 means the newest disk")
	rootCmd.AddCommand(combineCmd)
}
