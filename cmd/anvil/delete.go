package main

import (
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Remove a key",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		w, err := asWritable(iface)
		if err != nil {
			fail(err)
		}
		key, err := parseKeyArg(w.KeyType(), args[0])
		if err != nil {
			fail(err)
		}
		if err := w.Remove(rootCtx, key); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
