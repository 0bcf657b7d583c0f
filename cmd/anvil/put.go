package main

import (
	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/dtype"
)

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Insert or overwrite a key",
	Args:  cobra.ExactArgs(2),
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
		if err := w.Insert(rootCtx, key, dtype.NewBlob([]byte(args[1]))); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}
