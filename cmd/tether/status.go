package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, pending mutations and storage statistics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	st := engine.Status()
	stats, statsErr := engine.Stats(ctx)

	if jsonOutput {
		out := map[string]any{"status": st}
		if statsErr == nil {
			out["stats"] = stats
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Online:\t%t\n", st.Online)
	fmt.Fprintf(w, "Storage:\t%s\n", availability(st.StorageAvailable))
	fmt.Fprintf(w, "Pending:\t%d\n", st.PendingCount)
	fmt.Fprintf(w, "Last sync:\t%s\n", formatTime(st.LastSyncTime))
	if statsErr == nil {
		fmt.Fprintf(w, "Collections:\t%d\n", stats.Collections)
		fmt.Fprintf(w, "Records:\t%d\n", stats.Records)
		fmt.Fprintf(w, "Failed:\t%d\n", stats.Failed)
	}
	return w.Flush()
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}
