package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/pkg/tether"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending mutations against the remote now",
	Long:  "Replay pending mutations against the remote, then pull the configured collections. Requires offline mode to be enabled and the remote to be reachable.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.SyncNow(ctx)
	switch {
	case errors.Is(err, tether.ErrOfflineModeDisabled):
		return fmt.Errorf("offline mode is disabled; nothing is queued")
	case errors.Is(err, tether.ErrOffline):
		return fmt.Errorf("remote is unreachable; %d mutations remain pending", engine.GetPendingCount())
	case err != nil:
		return fmt.Errorf("sync: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d\n", res.SyncedCount, res.FailedCount)
	for _, me := range res.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s %s: %v\n", me.Mutation.ID, me.Mutation.RemoteOperation, me.Err)
	}
	return nil
}
