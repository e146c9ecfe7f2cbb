// Package tether is an offline-first sync engine for host applications.
//
// Writes land in a local SQLite store together with a queued mutation and
// are replayed against the remote in order once it is reachable. Remote
// snapshots are merged back per collection with a configurable conflict
// strategy.
package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/worker"
)

// Config configures an Engine. Zero durations disable the corresponding
// background loop.
type Config struct {
	LocalPath       string // SQLite database path; ":memory:" for an ephemeral store
	StorageDisabled bool   // run remote-only
	Collections     []CollectionSpec

	RemoteURL     string        // base URL of the remote API; empty for no HTTP remote
	APIKey        string        // bearer key sent to the remote
	RemoteTimeout time.Duration // per request (default: 30s)
	HealthPath    string        // probed for connectivity (default: /health)
	ProbeInterval time.Duration // connectivity probe period (default: 15s)

	AutoSync               bool // drain on reconnect and after writes
	AutoSyncInterval       time.Duration
	PullCollections        []string
	PendingRefreshInterval time.Duration
	CleanupInterval        time.Duration

	MaxRetries      int
	RetryBase       time.Duration
	FailedRetention time.Duration
	RetryPermanent  bool // spend the retry budget even on errors marked Permanent

	Strategies map[EntityType]Strategy

	// Remote, Fetcher and Monitor override the HTTP implementations built
	// from RemoteURL. Without a RemoteURL or Monitor the engine starts
	// offline and follows SetOnline.
	Remote     RemoteApplier
	Fetcher    Fetcher
	Monitor    Monitor
	Background BackgroundRegistrar
}

// Engine is a running sync engine. The embedded coordinator carries the
// data and sync operations.
type Engine struct {
	*coordinator.Coordinator

	store  store.Store
	manual *connectivity.Manual

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func (c Config) queueConfig() queue.Config {
	qc := queue.DefaultConfig()
	if c.MaxRetries > 0 {
		qc.MaxRetries = c.MaxRetries
	}
	if c.RetryBase > 0 {
		qc.RetryBase = c.RetryBase
	}
	if c.FailedRetention > 0 {
		qc.FailedRetention = c.FailedRetention
	}
	qc.ClassifyErrors = !c.RetryPermanent
	return qc
}

// Open opens local storage, wires the remote and starts the engine and its
// background loops. Storage that cannot be opened degrades the engine to
// remote-only instead of failing.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.LocalPath == "" && !cfg.StorageDisabled {
		return nil, errors.New("LocalPath is required")
	}

	st := store.Open(store.Options{Path: cfg.LocalPath, Disabled: cfg.StorageDisabled})
	if err := st.Initialize(ctx, cfg.Collections); err != nil && store.Available(st) {
		st.Close()
		return nil, fmt.Errorf("initialize collections: %w", err)
	}

	policy, err := conflict.NewPolicy(cfg.Strategies)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{store: st}
	deps := coordinator.Deps{
		Store:      st,
		Queue:      queue.New(st, cfg.queueConfig()),
		Remote:     cfg.Remote,
		Fetcher:    cfg.Fetcher,
		Monitor:    cfg.Monitor,
		Policy:     policy,
		Background: cfg.Background,
	}

	var probe *connectivity.Probe
	if cfg.RemoteURL != "" {
		rc := remote.Config{BaseURL: cfg.RemoteURL, APIKey: cfg.APIKey, Timeout: cfg.RemoteTimeout}
		if deps.Remote == nil {
			a, err := remote.NewHTTPApplier(rc)
			if err != nil {
				st.Close()
				return nil, err
			}
			deps.Remote = a
		}
		if deps.Fetcher == nil {
			f, err := remote.NewHTTPFetcher(rc)
			if err != nil {
				st.Close()
				return nil, err
			}
			deps.Fetcher = f
		}
		if deps.Monitor == nil {
			probe = connectivity.NewProbe(nil, healthURL(cfg.RemoteURL, cfg.HealthPath), orDefault(cfg.ProbeInterval, 15*time.Second))
			deps.Monitor = probe
		}
	}
	if deps.Monitor == nil {
		e.manual = connectivity.NewManual(false)
		deps.Monitor = e.manual
	}

	c, err := coordinator.New(deps, coordinator.Config{
		AutoSync:        cfg.AutoSync,
		PullCollections: cfg.PullCollections,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	e.Coordinator = c

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if probe != nil {
		// One synchronous check so the coordinator starts with a real state.
		probe.Check(ctx)
	}
	if err := c.Start(runCtx); err != nil {
		cancel()
		st.Close()
		return nil, err
	}

	if probe != nil {
		e.startWorker(runCtx, "connectivity-probe", probe.Run)
	}
	if cfg.AutoSyncInterval > 0 {
		e.startWorker(runCtx, "auto-sync", worker.NewAutoSyncWorker(c, cfg.AutoSyncInterval).Run)
	}
	if cfg.PendingRefreshInterval > 0 && store.Available(st) {
		e.startWorker(runCtx, "pending-refresh", worker.NewPendingCountRefresher(c, cfg.PendingRefreshInterval).Run)
	}
	if cfg.CleanupInterval > 0 && store.Available(st) {
		e.startWorker(runCtx, "queue-cleanup", worker.NewCleanupCoordinator(c, cfg.CleanupInterval).Run)
	}
	return e, nil
}

func (e *Engine) startWorker(ctx context.Context, name string, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
		slog.Debug("engine loop exited", "component", "engine", "loop", name)
	}()
}

func healthURL(base, path string) string {
	if path == "" {
		path = "/health"
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// SetOnline reports connectivity for engines without a probe or custom
// monitor. It returns false when the engine's connectivity is not manual.
func (e *Engine) SetOnline(online bool) bool {
	if e.manual == nil {
		return false
	}
	e.manual.Set(online)
	return true
}

// Backup writes a consistent copy of the local database to dest.
func (e *Engine) Backup(ctx context.Context, dest string) error {
	return e.store.Backup(ctx, dest)
}

// Close stops background loops, waits for a running sync to record its
// outcome and closes storage. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.Coordinator.Stop()
	return e.store.Close()
}
