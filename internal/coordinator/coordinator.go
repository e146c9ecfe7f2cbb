// Package coordinator owns connectivity state, triggers queue drains and
// merges remote snapshots into local storage. A single Coordinator is built
// at startup and shared by every consumer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"golang.org/x/sync/singleflight"
)

var (
	ErrOffline             = errors.New("remote is offline")
	ErrOfflineModeDisabled = errors.New("offline mode is disabled")
	ErrNoRemote            = errors.New("no remote configured")
	ErrRemoteWrite         = errors.New("remote write failed")
	ErrStopped             = errors.New("coordinator stopped")
)

// SettingOfflineMode is the settings key persisting the offline-mode flag.
const SettingOfflineMode = "offline_mode"

// Fetcher reads remote snapshots.
type Fetcher interface {
	FetchAll(ctx context.Context, collection string) ([]types.Record, error)
	Fetch(ctx context.Context, collection, id string) (*types.Record, error)
}

// BackgroundRegistrar hooks sync into a host facility that can run it while
// the application is in the background. It is optional.
type BackgroundRegistrar interface {
	RegisterSync(ctx context.Context) error
	UnregisterSync(ctx context.Context) error
}

// Config holds coordinator behaviour switches.
type Config struct {
	// AutoSync drains the queue when connectivity returns.
	AutoSync bool
	// PullCollections are fetched and merged after every successful drain.
	PullCollections []string
}

// Deps are the coordinator's collaborators. Store, Queue and Monitor are
// required; the rest may be nil.
type Deps struct {
	Store      store.Store
	Queue      *queue.Queue
	Remote     queue.RemoteApplier
	Fetcher    Fetcher
	Monitor    connectivity.Monitor
	Policy     *conflict.Policy
	Background BackgroundRegistrar
}

// Progress reports the position of the running drain.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Status is a point-in-time view for passive consumers.
type Status struct {
	State            State             `json:"state"`
	Online           bool              `json:"online"`
	StorageAvailable bool              `json:"storage_available"`
	PendingCount     int64             `json:"pending_count"`
	LastSyncTime     *time.Time        `json:"last_sync_time,omitempty"`
	LastResult       *types.SyncResult `json:"last_result,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	Progress         *Progress         `json:"progress,omitempty"`
}

// Coordinator is the sync service object.
type Coordinator struct {
	store      store.Store
	queue      *queue.Queue
	remote     queue.RemoteApplier
	fetcher    Fetcher
	monitor    connectivity.Monitor
	policy     *conflict.Policy
	background BackgroundRegistrar
	cfg        Config
	now        func() time.Time

	mu           sync.Mutex
	state        State
	online       bool
	pendingCount int64
	lastSync     time.Time
	lastResult   *types.SyncResult
	lastError    string
	progress     Progress

	group singleflight.Group

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped bool
	// wg tracks the connectivity loop, triggered syncs and every sync run.
	// Add is only called under mu while stopped is false.
	wg sync.WaitGroup
}

// New creates a coordinator in OfflineModeDisabled. Start restores the
// persisted mode.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("coordinator: store, queue and monitor are required")
	}
	policy := deps.Policy
	if policy == nil {
		var err error
		if policy, err = conflict.NewPolicy(nil); err != nil {
			return nil, err
		}
	}
	return &Coordinator{
		store:      deps.Store,
		queue:      deps.Queue,
		remote:     deps.Remote,
		fetcher:    deps.Fetcher,
		monitor:    deps.Monitor,
		policy:     policy,
		background: deps.Background,
		cfg:        cfg,
		now:        time.Now,
		state:      OfflineModeDisabled,
		online:     deps.Monitor.Online(),
		runCtx:     context.Background(),
	}, nil
}

// Start recovers interrupted mutations, restores the persisted offline
// mode and follows connectivity events until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.online = c.monitor.Online()
	c.mu.Unlock()

	if store.Available(c.store) {
		if _, err := c.queue.Recover(ctx); err != nil {
			return err
		}
		enabled, err := c.store.GetSetting(ctx, SettingOfflineMode)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("restore offline mode: %w", err)
		}
		if enabled == "true" {
			if err := c.EnableOfflineMode(ctx); err != nil {
				return err
			}
		}
		if _, err := c.RefreshPendingCount(ctx); err != nil {
			return err
		}
	} else {
		slog.Warn("offline features disabled, storage unavailable", "component", "coordinator")
	}

	events, unsubscribe := c.monitor.Subscribe()
	c.mu.Lock()
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case online, ok := <-events:
				if !ok {
					return
				}
				c.setOnline(online)
			}
		}
	}()

	slog.Info("coordinator started",
		"component", "coordinator",
		"state", c.State().String(),
		"auto_sync", c.cfg.AutoSync,
	)
	return nil
}

// Stop stops following connectivity, refuses new syncs and waits for the
// running one to finish, so storage can be closed safely afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	slog.Info("coordinator stopped", "component", "coordinator")
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked moves to the target state. c.mu must be held.
func (c *Coordinator) transitionLocked(to State) error {
	if c.state == to {
		return nil
	}
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
	}
	slog.Debug("state transition",
		"component", "coordinator",
		"from", c.state.String(),
		"to", to.String(),
	)
	c.state = to
	return nil
}

// moveLocked transitions where the caller has already checked the source
// state. A rejected transition is logged and leaves the state unchanged.
func (c *Coordinator) moveLocked(to State) {
	if err := c.transitionLocked(to); err != nil {
		slog.Warn("state transition rejected",
			"component", "coordinator",
			"from", c.state.String(),
			"to", to.String(),
			"error", err,
		)
	}
}

func (c *Coordinator) setOnline(online bool) {
	c.mu.Lock()
	c.online = online
	trigger := false
	switch c.state {
	case IdleOnline:
		if !online {
			c.moveLocked(IdleOffline)
		}
	case IdleOffline:
		if online {
			c.moveLocked(IdleOnline)
			trigger = c.cfg.AutoSync
		}
	}
	state := c.state
	c.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "coordinator",
		"online", online,
		"state", state.String(),
	)
	if trigger {
		c.TriggerSync("reconnect")
	}
}

// EnableOfflineMode persists the flag, enters the idle state matching
// current connectivity and registers the background hook if one exists.
func (c *Coordinator) EnableOfflineMode(ctx context.Context) error {
	if err := c.store.SetSetting(ctx, SettingOfflineMode, "true"); err != nil {
		return fmt.Errorf("enable offline mode: %w", err)
	}

	c.mu.Lock()
	if c.state == OfflineModeDisabled {
		c.moveLocked(idleState(c.online))
	}
	c.mu.Unlock()

	if c.background == nil {
		slog.Info("background sync not available", "component", "coordinator")
		return nil
	}
	if err := c.background.RegisterSync(ctx); err != nil {
		slog.Warn("background sync registration failed",
			"component", "coordinator",
			"error", err,
		)
	}
	return nil
}

// DisableOfflineMode persists the flag and leaves any state for
// OfflineModeDisabled. Storage failures are logged; the mode still changes.
func (c *Coordinator) DisableOfflineMode(ctx context.Context) error {
	if err := c.store.SetSetting(ctx, SettingOfflineMode, "false"); err != nil {
		slog.Warn("persist offline mode failed", "component", "coordinator", "error", err)
	}

	c.mu.Lock()
	c.moveLocked(OfflineModeDisabled)
	c.mu.Unlock()

	if c.background != nil {
		if err := c.background.UnregisterSync(ctx); err != nil {
			slog.Warn("background sync unregistration failed",
				"component", "coordinator",
				"error", err,
			)
		}
	}
	return nil
}

// SyncNow drains the queue and pulls the configured collections. Concurrent
// callers share one run and its result. A run is not cancelled by its
// callers' contexts; Stop waits for it.
func (c *Coordinator) SyncNow(ctx context.Context) (*types.SyncResult, error) {
	ch := c.group.DoChan("sync", func() (any, error) {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, ErrStopped
		}
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()
		return c.runSync(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.SyncResult), nil
	}
}

// TriggerSync starts a sync in the background. reason is logged.
// It does nothing once Stop has been called.
func (c *Coordinator) TriggerSync(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		result, err := c.SyncNow(ctx)
		switch {
		case errors.Is(err, ErrOffline), errors.Is(err, ErrOfflineModeDisabled), errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		case err != nil:
			slog.Error("background sync failed",
				"component", "coordinator",
				"reason", reason,
				"error", err,
			)
		default:
			slog.Info("background sync finished",
				"component", "coordinator",
				"reason", reason,
				"synced", result.SyncedCount,
				"failed", result.FailedCount,
			)
		}
	}()
}

func (c *Coordinator) runSync(ctx context.Context) (*types.SyncResult, error) {
	c.mu.Lock()
	switch c.state {
	case OfflineModeDisabled:
		c.mu.Unlock()
		return nil, ErrOfflineModeDisabled
	case IdleOffline:
		c.mu.Unlock()
		return nil, ErrOffline
	}
	if c.remote == nil {
		c.mu.Unlock()
		return nil, ErrNoRemote
	}
	if err := c.transitionLocked(Syncing); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.progress = Progress{}
	c.mu.Unlock()

	result, err := c.queue.SyncAll(ctx, c.remote, func(completed, total int) {
		c.mu.Lock()
		c.progress = Progress{Completed: completed, Total: total}
		c.mu.Unlock()
	})
	if err == nil {
		c.pull(ctx)
	}
	if _, refreshErr := c.RefreshPendingCount(ctx); refreshErr != nil {
		slog.Warn("refresh pending count failed", "component", "coordinator", "error", refreshErr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Syncing {
		c.moveLocked(idleState(c.online))
	}
	if err != nil {
		c.lastError = err.Error()
		return nil, err
	}
	c.lastError = ""
	c.lastResult = result
	c.lastSync = c.now().UTC()
	return result, nil
}

// pull fetches and merges the configured collections. Failures are logged
// and recorded; they do not fail the drain that preceded them.
func (c *Coordinator) pull(ctx context.Context) {
	if c.fetcher == nil {
		return
	}
	for _, collection := range c.cfg.PullCollections {
		recs, err := c.fetcher.FetchAll(ctx, collection)
		if err != nil {
			slog.Warn("pull failed", "component", "coordinator", "collection", collection, "error", err)
			continue
		}
		report, err := c.ApplySnapshot(ctx, collection, recs)
		if err != nil {
			slog.Warn("merge failed", "component", "coordinator", "collection", collection, "error", err)
			continue
		}
		slog.Info("collection pulled",
			"component", "coordinator",
			"collection", collection,
			"applied", report.Applied,
			"unchanged", report.Unchanged,
			"removed", report.Removed,
			"deferred", len(report.Deferred),
			"unresolved", len(report.Unresolved),
		)
	}
}

// Enqueue appends a mutation without touching local records.
func (c *Coordinator) Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error) {
	id, err := c.queue.Enqueue(ctx, p)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.pendingCount++
	c.mu.Unlock()
	return id, nil
}

// ListPending returns pending mutations in replay order.
func (c *Coordinator) ListPending(ctx context.Context) ([]types.QueuedMutation, error) {
	return c.queue.ListPending(ctx)
}

// ListMutations returns mutations with the given status, or all.
func (c *Coordinator) ListMutations(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error) {
	return c.queue.List(ctx, status)
}

// Cleanup purges completed and expired failed mutations.
func (c *Coordinator) Cleanup(ctx context.Context) (int64, error) {
	return c.queue.Cleanup(ctx)
}

// Requeue gives a failed mutation a fresh retry budget.
func (c *Coordinator) Requeue(ctx context.Context, id string) error {
	if err := c.queue.Requeue(ctx, id); err != nil {
		return err
	}
	_, err := c.RefreshPendingCount(ctx)
	return err
}

// CacheData stores remote records locally as they are.
func (c *Coordinator) CacheData(ctx context.Context, collection string, recs []types.Record) error {
	out := make([]types.Record, len(recs))
	for i, r := range recs {
		r.Collection = collection
		out[i] = r
	}
	return c.store.BulkPut(ctx, out)
}

// GetCachedData returns the locally stored records of a collection.
func (c *Coordinator) GetCachedData(ctx context.Context, collection string) ([]types.Record, error) {
	return c.store.GetAll(ctx, collection)
}

// GetPendingCount returns the cached number of pending mutations.
func (c *Coordinator) GetPendingCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCount
}

// RefreshPendingCount re-reads the pending count from storage.
func (c *Coordinator) RefreshPendingCount(ctx context.Context) (int64, error) {
	n, err := c.queue.PendingCount(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.pendingCount = n
	c.mu.Unlock()
	return n, nil
}

// ClearAllData wipes records, the queue and sync watermarks, as on logout.
func (c *Coordinator) ClearAllData(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("clear all data: %w", err)
	}
	c.mu.Lock()
	c.pendingCount = 0
	c.lastSync = time.Time{}
	c.lastResult = nil
	c.lastError = ""
	c.mu.Unlock()

	slog.Info("local data cleared", "component", "coordinator")
	return nil
}

// Status returns the current status snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:            c.state,
		Online:           c.online,
		StorageAvailable: store.Available(c.store),
		PendingCount:     c.pendingCount,
		LastResult:       c.lastResult,
		LastError:        c.lastError,
	}
	if !c.lastSync.IsZero() {
		t := c.lastSync
		st.LastSyncTime = &t
	}
	if c.state == Syncing {
		p := c.progress
		st.Progress = &p
	}
	return st
}
