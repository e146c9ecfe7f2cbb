package worker

import (
	"context"
	"log/slog"
	"time"
)

// QueueCleaner purges finished mutations.
type QueueCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// CleanupCoordinator runs queue cleanup on an interval.
type CleanupCoordinator struct {
	cleaner  QueueCleaner
	interval time.Duration
}

// NewCleanupCoordinator creates a cleanup loop.
func NewCleanupCoordinator(cleaner QueueCleaner, interval time.Duration) *CleanupCoordinator {
	return &CleanupCoordinator{cleaner: cleaner, interval: interval}
}

// Run waits for the first tick before cleaning, so startup is not delayed
// behind a drain.
func (c *CleanupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cleanup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cleanup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *CleanupCoordinator) cleanup(ctx context.Context) {
	start := time.Now()
	removed, err := c.cleaner.Cleanup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("queue cleanup failed",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"error", err,
		)
		return
	}
	slog.Info("queue cleanup completed",
		"component", "worker",
		"worker", "cleanup-coordinator",
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
