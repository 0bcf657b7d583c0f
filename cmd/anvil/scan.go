package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanLimit int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Walk the table in key order and print key/value pairs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		it, err := iface.Iterator(rootCtx)
		if err != nil {
			fail(err)
		}
		defer it.Close()

		printed := 0
		for ok := it.First(); ok; ok = it.Next() {
			if scanLimit > 0 && printed >= scanLimit {
				break
			}
			value, err := it.Value()
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s\t%s\n", it.Key().String(), value.String())
			printed++
		}
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many entries (0 means no limit)")
	rootCmd.AddCommand(scanCmd)
}
