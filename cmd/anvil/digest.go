package main

import (
	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/dtable/manageddtable"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Force an immediate digest pass (journal flush) on the table",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		m, ok := iface.(*manageddtable.Table)
		if !ok {
			fail(unsupportedMaintenance("digest"))
		}
		if err := m.Digest(rootCtx); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)
}
