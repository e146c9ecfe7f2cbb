// Package queue implements the durable mutation queue: write intents that
// are replayed against the remote in strict enqueue order until they are
// acknowledged or exhaust their retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/oklog/ulid/v2"
)

// Log persists mutations in enqueue order. store.SQLiteStore implements it.
type Log interface {
	AppendMutation(ctx context.Context, m types.QueuedMutation) (int64, error)
	ListMutations(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error)
	UpdateMutation(ctx context.Context, m types.QueuedMutation) error
	CountMutations(ctx context.Context, status types.MutationStatus) (int64, error)
	PurgeMutations(ctx context.Context, status types.MutationStatus, before time.Time) (int64, error)
	ResetSyncing(ctx context.Context) (int64, error)
}

// RemoteApplier applies one mutation to the remote. Implementations must be
// idempotent: a mutation can be delivered again after the remote accepted it
// if the local status update did not commit.
type RemoteApplier interface {
	Apply(ctx context.Context, operation string, args map[string]any) (*types.ApplyResult, error)
}

// ApplierFunc adapts a function to RemoteApplier.
type ApplierFunc func(ctx context.Context, operation string, args map[string]any) (*types.ApplyResult, error)

func (f ApplierFunc) Apply(ctx context.Context, operation string, args map[string]any) (*types.ApplyResult, error) {
	return f(ctx, operation, args)
}

type mutationKey struct{}

// WithMutation attaches the mutation being applied to ctx.
func WithMutation(ctx context.Context, m types.QueuedMutation) context.Context {
	return context.WithValue(ctx, mutationKey{}, m)
}

// MutationFromContext returns the mutation being applied, letting a
// RemoteApplier derive idempotency keys from its id and local id.
func MutationFromContext(ctx context.Context) (types.QueuedMutation, bool) {
	m, ok := ctx.Value(mutationKey{}).(types.QueuedMutation)
	return m, ok
}

// Config controls retry and retention.
type Config struct {
	MaxRetries      int
	RetryBase       time.Duration
	FailedRetention time.Duration
	// ClassifyErrors fails mutations immediately on errors marked Permanent.
	// When false every error goes through the retry budget.
	ClassifyErrors bool
}

// DefaultConfig returns three attempts, one second linear backoff and a
// 24 hour retention of failed mutations.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBase:       time.Second,
		FailedRetention: 24 * time.Hour,
		ClassifyErrors:  true,
	}
}

// EnqueueParams describes a new write intent.
type EnqueueParams struct {
	Collection      string
	OpKind          types.OpKind
	RemoteOperation string
	Args            map[string]any
	LocalID         string
}

// Queue is the durable mutation queue.
type Queue struct {
	log Log
	cfg Config

	// drain serializes SyncAll runs and keeps Cleanup out of an active drain.
	drain sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(q *Queue) { q.sleep = sleep }
}

// New creates a queue persisting through log.
func New(log Log, cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	q := &Queue{
		log:   log,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// NewMutation builds a pending mutation with a fresh ULID. It is not
// persisted; Enqueue does that, or store.CommitWrite together with a local
// record change.
func (q *Queue) NewMutation(p EnqueueParams) (types.QueuedMutation, error) {
	if p.Collection == "" {
		return types.QueuedMutation{}, fmt.Errorf("%w: collection is required", ErrInvalidMutation)
	}
	if !p.OpKind.Valid() {
		return types.QueuedMutation{}, fmt.Errorf("%w: op kind %q", ErrInvalidMutation, p.OpKind)
	}
	if p.RemoteOperation == "" {
		return types.QueuedMutation{}, fmt.Errorf("%w: remote operation is required", ErrInvalidMutation)
	}

	now := q.now().UTC()
	args := p.Args
	if args == nil {
		args = map[string]any{}
	}
	return types.QueuedMutation{
		ID:              ulid.Make().String(),
		EnqueuedAt:      now,
		Collection:      p.Collection,
		OpKind:          p.OpKind,
		RemoteOperation: p.RemoteOperation,
		Args:            args,
		Status:          types.StatusPending,
		LocalID:         p.LocalID,
		UpdatedAt:       now,
	}, nil
}

// Enqueue appends a pending mutation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	m, err := q.NewMutation(p)
	if err != nil {
		return "", err
	}
	if _, err := q.log.AppendMutation(ctx, m); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	slog.Debug("mutation enqueued",
		"component", "queue",
		"id", m.ID,
		"collection", m.Collection,
		"operation", m.RemoteOperation,
	)
	return m.ID, nil
}

// ListPending returns pending mutations in global enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]types.QueuedMutation, error) {
	return q.log.ListMutations(ctx, types.StatusPending)
}

// List returns mutations with the given status, or all when status is empty.
func (q *Queue) List(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error) {
	return q.log.ListMutations(ctx, status)
}

// PendingCount returns the number of pending mutations.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.log.CountMutations(ctx, types.StatusPending)
}

// ApplyOne makes a single attempt at m. On success the mutation is
// completed; on failure it returns to pending after a linear backoff, or is
// failed once its retries are spent. Remote failures are returned as
// *ApplyError; storage failures are returned as is.
func (q *Queue) ApplyOne(ctx context.Context, m types.QueuedMutation, remote RemoteApplier) error {
	// Status updates must land even if ctx is cancelled mid-attempt, or the
	// mutation would be stranded in syncing.
	persistCtx := context.WithoutCancel(ctx)

	m.Status = types.StatusSyncing
	m.UpdatedAt = q.now().UTC()
	if err := q.update(persistCtx, m); err != nil {
		return err
	}

	result, applyErr := remote.Apply(WithMutation(ctx, m), m.RemoteOperation, m.Args)
	if applyErr == nil {
		m.Status = types.StatusCompleted
		m.Error = ""
		if result != nil && result.ServerID != "" {
			m.ServerID = result.ServerID
		}
		m.UpdatedAt = q.now().UTC()
		return q.update(persistCtx, m)
	}

	m.RetryCount++
	m.Error = applyErr.Error()
	permanent := q.cfg.ClassifyErrors && IsPermanent(applyErr)
	if permanent || m.RetryCount >= q.cfg.MaxRetries {
		m.Status = types.StatusFailed
	} else {
		q.sleep(ctx, q.cfg.RetryBase*time.Duration(m.RetryCount))
		m.Status = types.StatusPending
	}
	m.UpdatedAt = q.now().UTC()
	if err := q.update(persistCtx, m); err != nil {
		return err
	}

	slog.Warn("mutation attempt failed",
		"component", "queue",
		"id", m.ID,
		"operation", m.RemoteOperation,
		"attempt", m.RetryCount,
		"status", m.Status,
		"permanent", permanent,
		"error", applyErr,
	)
	return &ApplyError{Mutation: m, Err: applyErr}
}

func (q *Queue) update(ctx context.Context, m types.QueuedMutation) error {
	err := q.log.UpdateMutation(ctx, m)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: mutation %s missing while setting %s", ErrQueueCorruption, m.ID, m.Status)
	}
	return err
}

// SyncAll drains a snapshot of the pending mutations sequentially, one
// attempt each, calling onProgress after every attempt. Mutations enqueued
// during the run wait for the next one. A concurrent call fails with
// ErrSyncInProgress. Per-mutation remote failures are collected in the
// result; storage failures and queue corruption abort the run.
func (q *Queue) SyncAll(ctx context.Context, remote RemoteApplier, onProgress func(completed, total int)) (*types.SyncResult, error) {
	if !q.drain.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer q.drain.Unlock()

	pending, err := q.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	result := &types.SyncResult{Errors: []types.MutationError{}}
	start := q.now()
	for i, m := range pending {
		err := q.ApplyOne(ctx, m, remote)
		var applyErr *ApplyError
		switch {
		case err == nil:
			result.SyncedCount++
		case errors.As(err, &applyErr):
			result.FailedCount++
			result.Errors = append(result.Errors, types.MutationError{Mutation: applyErr.Mutation, Err: applyErr.Err})
		default:
			slog.Error("sync aborted",
				"component", "queue",
				"id", m.ID,
				"error", err,
			)
			return result, err
		}
		if onProgress != nil {
			onProgress(i+1, len(pending))
		}
	}

	if len(pending) > 0 {
		slog.Info("sync completed",
			"component", "queue",
			"total", len(pending),
			"synced", result.SyncedCount,
			"failed", result.FailedCount,
			"duration", q.now().Sub(start),
		)
	}
	return result, nil
}

// Cleanup deletes completed mutations and failed mutations older than the
// retention window. It waits for an active drain to finish.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	q.drain.Lock()
	defer q.drain.Unlock()

	completed, err := q.log.PurgeMutations(ctx, types.StatusCompleted, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("cleanup completed: %w", err)
	}
	cutoff := q.now().Add(-q.cfg.FailedRetention)
	failed, err := q.log.PurgeMutations(ctx, types.StatusFailed, cutoff)
	if err != nil {
		return completed, fmt.Errorf("cleanup failed: %w", err)
	}
	return completed + failed, nil
}

// Recover returns mutations stranded in syncing by a crash to pending.
// It is meant to run once at startup.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	q.drain.Lock()
	defer q.drain.Unlock()

	n, err := q.log.ResetSyncing(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover syncing mutations: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered interrupted mutations", "component", "queue", "count", n)
	}
	return n, nil
}

// Requeue gives a failed mutation a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.drain.Lock()
	defer q.drain.Unlock()

	failed, err := q.log.ListMutations(ctx, types.StatusFailed)
	if err != nil {
		return err
	}
	for _, m := range failed {
		if m.ID != id {
			continue
		}
		m.Status = types.StatusPending
		m.RetryCount = 0
		m.Error = ""
		m.UpdatedAt = q.now().UTC()
		return q.update(ctx, m)
	}
	return fmt.Errorf("failed mutation %s: %w", id, store.ErrNotFound)
}
