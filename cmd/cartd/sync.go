package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartsync"
)

type syncOptions struct {
	Resolve string
}

func newSyncCommand() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one cart sync cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Resolve, "resolve", "", "resolve a pending conflict: keep_local or take_remote")
	return cmd
}

func runSync(cmd *cobra.Command, opts *syncOptions) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	err = a.engine.SyncNow(ctx)
	if err != nil && opts.Resolve != "" {
		var resolution cartsync.Resolution
		switch opts.Resolve {
		case "keep_local":
			resolution = cartsync.KeepLocal
		case "take_remote":
			resolution = cartsync.TakeRemote
		default:
			return fmt.Errorf("unknown resolution %q", opts.Resolve)
		}
		err = a.engine.Resolve(ctx, resolution)
	}
	if err != nil {
		return err
	}

	cart := a.cart.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "synced cart of %s: %d lines, local revision %d, remote revision %d\n",
		cart.OwnerID, len(cart.Items), cart.SyncVersion.Local, cart.SyncVersion.Remote)
	return nil
}
