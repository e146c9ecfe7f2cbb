package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/validation"
	"github.com/hyperengineering/tether/pkg/tether"
)

var queueStatus string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove completed and expired failed mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueCleanup,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <mutation-id>",
	Short: "Return a failed mutation to pending with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", "",
		"Only list mutations with this status (pending, syncing, failed, completed)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	if queueStatus != "" {
		allowed := []string{
			string(tether.StatusPending), string(tether.StatusSyncing),
			string(tether.StatusFailed), string(tether.StatusCompleted),
		}
		if verr := validation.ValidateEnum("status", queueStatus, allowed); verr != nil {
			return fmt.Errorf("%s %s", verr.Field, verr.Message)
		}
	}

	ctx := cmd.Context()
	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	ms, err := engine.ListMutations(ctx, tether.MutationStatus(queueStatus))
	if err != nil {
		return fmt.Errorf("list mutations: %w", err)
	}
	if ms == nil {
		ms = []tether.QueuedMutation{}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"mutations": ms,
			"total":     len(ms),
		})
	}

	if len(ms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQ\tID\tCOLLECTION\tOP\tOPERATION\tSTATUS\tRETRIES\tERROR")
	for _, m := range ms {
		errText := m.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.Sequence,
			m.ID,
			m.Collection,
			m.OpKind,
			m.RemoteOperation,
			m.Status,
			m.RetryCount,
			errText,
		)
	}
	return w.Flush()
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	n, err := engine.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"removed": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d mutations\n", n)
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	id := args[0]
	if verr := validation.ValidateULID("mutation-id", id); verr != nil {
		return fmt.Errorf("%s %s", verr.Field, verr.Message)
	}

	ctx := cmd.Context()
	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "requeued": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued mutation %s\n", id)
	return nil
}
