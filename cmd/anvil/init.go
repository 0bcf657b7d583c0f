package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nathansgreen/anvil/internal/envconfig"
)

// initCmd lays down a fresh anvil.toml environment descriptor under
// --dir, so a later `anvil serve` or envconfig.Load picks up explicit
// settings instead of silently running on defaults. PersistentPreRunE
// has already populated the global cfg from --dir's current state (its
// existing anvil.toml/anvil.yaml, or defaults if neither is present);
// init just persists that back out as anvil.toml.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default anvil.toml environment descriptor under --dir",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := envconfig.Write(envDir, cfg); err != nil {
			fail(err)
		}
		fmt.Printf("wrote %s\n", filepath.Join(envDir, envconfig.TomlFileName))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
