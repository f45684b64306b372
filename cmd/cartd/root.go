package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cartd",
		Short: "Offline-first grocery cart and checkout daemon",
		Long: `cartd keeps a device-local grocery cart, syncs it with the remote
document store and places orders against remote inventory.

Configuration is read from CART_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSyncCommand())
	return cmd
}
