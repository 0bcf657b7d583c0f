// Command anvil is the command-line surface for the embedded storage
// engine implemented under internal/: get/put/delete/scan against a
// single table, digest/combine to trigger managed-dtable maintenance by
// hand, stats/verify for inspection, and serve to run the background
// scheduler and RPC control surface described by internal/anvildaemon
// and internal/anvilrpc. It follows the teacher's cmd/bd convention of
// one cobra.Command per file plus a small set of package-level globals
// set up in PersistentPreRun.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/nathansgreen/anvil/internal/dtable/btree"
	_ "github.com/nathansgreen/anvil/internal/dtable/manageddtable"
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable"
	_ "github.com/nathansgreen/anvil/internal/dtable/transform"
	"github.com/nathansgreen/anvil/internal/envconfig"
)

// Global state set up once in PersistentPreRun, mirroring cmd/bd's
// dbPath/store/rootCtx package-level pattern rather than threading
// everything through cobra's Context().
var (
	envDir    string
	tableName string
	keyTypeFl string

	cfg *envconfig.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "anvil - embedded key/value storage engine",
	Long:  "Command-line access to an Anvil environment: one or more managed dtables rooted at a data directory.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		loaded, err := envconfig.Load(envDir)
		if err != nil {
			return err
		}
		cfg = loaded
		cfg.InstallLogger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envDir, "dir", ".", "environment directory holding the anvil.toml descriptor and table subdirectories")
	rootCmd.PersistentFlags().StringVar(&tableName, "table", "default", "table subdirectory name within --dir")
	rootCmd.PersistentFlags().StringVar(&keyTypeFl, "key-type", "string", "key type for a freshly created table: u32, f64, string, or blob")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "anvil:", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
