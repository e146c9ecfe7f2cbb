package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/snapshot"
)

var backupURLExpiry time.Duration

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a snapshot of the local database and upload it when a bucket is configured",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().DurationVar(&backupURLExpiry, "url-expiry", 0,
		"Also print a presigned download URL valid for this long")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, cfg, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}
	svc := snapshot.NewService(engine, uploader, cfg.Backup.Dir)

	res, err := svc.Backup(ctx)
	if err != nil {
		if res == nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "upload failed, local copy kept: %v\n", err)
	}

	var url string
	if backupURLExpiry > 0 && res.ObjectKey != "" {
		url, err = svc.DownloadURL(ctx, res, backupURLExpiry)
		if err != nil {
			return fmt.Errorf("presign backup: %w", err)
		}
	}

	if jsonOutput {
		out := map[string]any{
			"path":       res.Path,
			"object_key": res.ObjectKey,
			"created_at": res.CreatedAt,
		}
		if url != "" {
			out["url"] = url
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", res.Path)
	if res.ObjectKey != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded as %s\n", res.ObjectKey)
	}
	if url != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Download: %s\n", url)
	}
	return nil
}
