// Package worker holds the background loops of a running engine. Each
// worker's Run blocks until its context is cancelled.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// PendingCounter refreshes a cached pending-mutation count.
// coordinator.Coordinator implements it.
type PendingCounter interface {
	RefreshPendingCount(ctx context.Context) (int64, error)
}

// PendingCountRefresher keeps the coordinator's pending count current for
// passive status readers.
type PendingCountRefresher struct {
	counter  PendingCounter
	interval time.Duration
}

// NewPendingCountRefresher creates a refresher polling every interval.
func NewPendingCountRefresher(counter PendingCounter, interval time.Duration) *PendingCountRefresher {
	return &PendingCountRefresher{counter: counter, interval: interval}
}

// Run refreshes immediately, then on every tick.
func (w *PendingCountRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := int64(-1)
	refresh := func() {
		n, err := w.counter.RefreshPendingCount(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("pending count refresh failed",
				"component", "worker",
				"worker", "pending-refresher",
				"error", err,
			)
			return
		}
		if n != last {
			slog.Debug("pending count changed",
				"component", "worker",
				"worker", "pending-refresher",
				"pending", n,
			)
			last = n
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
