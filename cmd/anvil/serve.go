package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/anvildaemon"
	"github.com/nathansgreen/anvil/internal/anvilrpc"
	"github.com/nathansgreen/anvil/internal/dtable"
)

var serveAddr string

// serveCmd runs the table's background maintenance scheduler and its
// HTTP control surface until interrupted, replacing cmd/bd/serve.go's
// plain http.ListenAndServe loop with anvilrpc.Server's ctx-driven
// graceful shutdown.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background maintenance and the RPC control surface for a table",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		iface, err := openTable(rootCtx)
		if err != nil {
			fail(err)
		}
		defer iface.Close()

		sched := anvildaemon.New(cfg.DigestInterval(), cfg.Logger())
		if maintainable, ok := iface.(dtable.Maintainable); ok {
			sched.Register(tableName, maintainable)
		}
		if err := sched.WatchDir(envDir); err != nil {
			fmt.Fprintln(os.Stderr, "anvil: watching", envDir, "for config changes failed:", err)
		}
		sched.Start(rootCtx)
		defer sched.Stop()

		addr := serveAddr
		if addr == "" {
			addr = cfg.ListenAddr
		}
		srv := anvilrpc.New(addr, sched)
		fmt.Printf("anvil serve: listening on %s (table %q under %s)\n", addr, tableName, envDir)
		if err := srv.Start(rootCtx); err != nil {
			fail(err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "override the configured listen address")
	rootCmd.AddCommand(serveCmd)
}
