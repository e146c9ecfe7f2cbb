package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/types"
)

// Syncer runs a sync.
type Syncer interface {
	SyncNow(ctx context.Context) (*types.SyncResult, error)
}

// AutoSyncWorker syncs on an interval while the engine is online.
type AutoSyncWorker struct {
	syncer   Syncer
	interval time.Duration
}

// NewAutoSyncWorker creates a periodic sync loop.
func NewAutoSyncWorker(syncer Syncer, interval time.Duration) *AutoSyncWorker {
	return &AutoSyncWorker{syncer: syncer, interval: interval}
}

// Run syncs on every tick. Ticks while offline, disabled or already syncing
// are skipped quietly.
func (w *AutoSyncWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "auto-sync",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "auto-sync",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.sync(ctx)
		}
	}
}

func (w *AutoSyncWorker) sync(ctx context.Context) {
	result, err := w.syncer.SyncNow(ctx)
	switch {
	case err == nil:
		if result.SyncedCount > 0 || result.FailedCount > 0 {
			slog.Info("periodic sync completed",
				"component", "worker",
				"worker", "auto-sync",
				"synced", result.SyncedCount,
				"failed", result.FailedCount,
			)
		}
	case skippable(err), ctx.Err() != nil:
	default:
		slog.Error("periodic sync failed",
			"component", "worker",
			"worker", "auto-sync",
			"error", err,
		)
	}
}

func skippable(err error) bool {
	return errors.Is(err, coordinator.ErrOffline) ||
		errors.Is(err, coordinator.ErrOfflineModeDisabled) ||
		errors.Is(err, coordinator.ErrNoRemote) ||
		errors.Is(err, coordinator.ErrStopped) ||
		errors.Is(err, queue.ErrSyncInProgress)
}
