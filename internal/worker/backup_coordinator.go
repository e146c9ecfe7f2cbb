package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/snapshot"
)

// Backuper writes one backup.
type Backuper interface {
	Backup(ctx context.Context) (*snapshot.Result, error)
}

// BackupCoordinator writes database backups on an interval.
type BackupCoordinator struct {
	backuper Backuper
	interval time.Duration
}

// NewBackupCoordinator creates a backup loop.
func NewBackupCoordinator(backuper Backuper, interval time.Duration) *BackupCoordinator {
	return &BackupCoordinator{backuper: backuper, interval: interval}
}

// Run backs up immediately on start, then on every tick.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backup(ctx)
		}
	}
}

func (c *BackupCoordinator) backup(ctx context.Context) {
	res, err := c.backuper.Backup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// A result alongside the error means only the upload failed;
		// the local copy remains valid.
		if res != nil {
			slog.Warn("backup upload failed",
				"component", "worker",
				"worker", "backup-coordinator",
				"path", res.Path,
				"error", err,
			)
			return
		}
		slog.Error("backup failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"error", err,
		)
		return
	}
	slog.Info("backup cycle completed",
		"component", "worker",
		"worker", "backup-coordinator",
		"path", res.Path,
		"uploaded", res.ObjectKey != "",
	)
}
