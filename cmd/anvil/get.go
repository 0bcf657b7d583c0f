package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/anverr"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a single key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tbl, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer tbl.Close()

		key, err := parseKeyArg(tbl.KeyType(), args[0])
		if err != nil {
			fail(err)
		}

		value, err := tbl.Lookup(rootCtx, key)
		if err != nil {
			if anverr.Is(err, anverr.NotFound) {
				fmt.Fprintln(os.Stderr, "anvil: key not found")
				os.Exit(1)
			}
			fail(err)
		}
		fmt.Println(value.String())
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
