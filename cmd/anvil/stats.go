package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/dtable/manageddtable"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print basic information about a table",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		fmt.Printf("key_type: %s\n", iface.KeyType())

		m, ok := iface.(*manageddtable.Table)
		if !ok {
			return
		}
		fmt.Printf("disk_count: %d\n", m.DiskCount())
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
