package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all local records, queued mutations and sync watermarks",
	Long:  "Delete all local records, queued mutations and sync watermarks, as on logout. Collection definitions and settings are kept. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false,
		"Skip confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if !resetForce {
		errOut := cmd.ErrOrStderr()
		pending := engine.GetPendingCount()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete all local data, including %d unsynced mutations.\n", pending)
		fmt.Fprint(errOut, "Type 'reset' to confirm: ")

		input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "reset" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	if err := engine.ClearAllData(ctx); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"reset": true})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Local data cleared")
	return nil
}
