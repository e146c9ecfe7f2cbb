package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
)

// WriteParams describes a local write and the remote operation replaying it.
// Args defaults to the record fields plus its id.
type WriteParams struct {
	Collection      string
	ID              string
	OpKind          types.OpKind
	Fields          types.Fields
	RemoteOperation string
	Args            map[string]any
}

// WriteResult reports where a write went. Queued is false when the write was
// applied directly to the remote.
type WriteResult struct {
	ID         string `json:"id"`
	MutationID string `json:"mutation_id,omitempty"`
	Queued     bool   `json:"queued"`
	ServerID   string `json:"server_id,omitempty"`
}

// Write records a change locally and queues its mutation in one
// transaction. With offline mode disabled or storage unavailable the change
// goes straight to the remote instead.
func (c *Coordinator) Write(ctx context.Context, p WriteParams) (*WriteResult, error) {
	if p.ID == "" {
		if p.OpKind != types.OpCreate {
			return nil, fmt.Errorf("%w: id is required for %s", queue.ErrInvalidMutation, p.OpKind)
		}
		p.ID = types.NewLocalID()
	}
	args := p.Args
	if args == nil {
		args = make(map[string]any, len(p.Fields)+1)
		if p.OpKind != types.OpDelete {
			for k, v := range p.Fields {
				args[k] = types.CloneValue(v)
			}
		}
		args["id"] = p.ID
	}

	params := queue.EnqueueParams{
		Collection:      p.Collection,
		OpKind:          p.OpKind,
		RemoteOperation: p.RemoteOperation,
		Args:            args,
	}
	if p.OpKind == types.OpCreate {
		params.LocalID = p.ID
	}
	m, err := c.queue.NewMutation(params)
	if err != nil {
		return nil, err
	}

	if c.State() == OfflineModeDisabled || !store.Available(c.store) {
		return c.writeRemote(ctx, m, p.ID)
	}

	change := store.RecordChange{
		Record: types.Record{
			Collection: p.Collection,
			ID:         p.ID,
			Fields:     p.Fields.Clone(),
			UpdatedAt:  c.now().UTC(),
		},
		Delete: p.OpKind == types.OpDelete,
	}
	if _, err := c.store.CommitWrite(ctx, change, m); err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", p.Collection, p.ID, err)
	}

	c.mu.Lock()
	c.pendingCount++
	trigger := c.state == IdleOnline && c.cfg.AutoSync
	c.mu.Unlock()
	if trigger {
		c.TriggerSync("write")
	}

	return &WriteResult{ID: p.ID, MutationID: m.ID, Queued: true}, nil
}

func (c *Coordinator) writeRemote(ctx context.Context, m types.QueuedMutation, id string) (*WriteResult, error) {
	if c.remote == nil {
		return nil, ErrNoRemote
	}
	res, err := c.remote.Apply(queue.WithMutation(ctx, m), m.RemoteOperation, m.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteWrite, m.RemoteOperation, err)
	}
	out := &WriteResult{ID: id}
	if res != nil {
		out.ServerID = res.ServerID
	}
	return out, nil
}

// Read returns a record, preferring the remote when it is reachable. A
// remote copy is merged into local storage without moving the collection
// watermark; any remote failure falls back to the local copy.
func (c *Coordinator) Read(ctx context.Context, collection, id string) (*types.Record, error) {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()

	if online && c.fetcher != nil {
		rec, err := c.fetcher.Fetch(ctx, collection, id)
		switch {
		case err == nil:
			rec.Collection = collection
			if !store.Available(c.store) {
				return rec, nil
			}
			if _, err := c.MergeRemote(ctx, collection, []types.Record{*rec}); err != nil {
				slog.Warn("cache remote record failed",
					"component", "coordinator",
					"collection", collection,
					"id", id,
					"error", err,
				)
				return rec, nil
			}
		default:
			slog.Debug("remote read failed, using local copy",
				"component", "coordinator",
				"collection", collection,
				"id", id,
				"error", err,
			)
		}
	}
	return c.store.Get(ctx, collection, id)
}

// Unresolved is a record whose conflicts need a decision from the user.
type Unresolved struct {
	RecordID  string                `json:"record_id"`
	Remote    types.Record          `json:"remote"`
	Conflicts []types.ConflictEntry `json:"conflicts"`
}

// MergeReport summarizes a merge of remote snapshots. Deferred lists
// records skipped because a queued local mutation still refers to them;
// Removed counts local records dropped by a complete snapshot.
type MergeReport struct {
	Collection string            `json:"collection"`
	Strategy   conflict.Strategy `json:"strategy"`
	Applied    int               `json:"applied"`
	Unchanged  int               `json:"unchanged"`
	Removed    int               `json:"removed"`
	Deferred   []string          `json:"deferred"`
	Unresolved []Unresolved      `json:"unresolved"`
}

// strategyFor picks the policy strategy of a collection. Collections without
// an entity type follow the remote; an unknown entity type is left to the
// user.
func (c *Coordinator) strategyFor(collection string) conflict.Strategy {
	for _, spec := range c.store.Collections() {
		if spec.Name != collection {
			continue
		}
		if spec.EntityType == "" {
			return conflict.ServerWins
		}
		et, err := conflict.ParseEntityType(spec.EntityType)
		if err != nil {
			return conflict.Prompt
		}
		return c.policy.StrategyFor(et)
	}
	return conflict.ServerWins
}

// MergeRemote reconciles a batch of remote snapshots with local state.
// Records absent locally are stored as received. Conflicting records are
// resolved with the collection's strategy against its sync watermark;
// Prompt outcomes are reported and left untouched. Records with a queued
// local mutation are deferred. The watermark never moves; see ApplySnapshot.
func (c *Coordinator) MergeRemote(ctx context.Context, collection string, remote []types.Record) (*MergeReport, error) {
	return c.merge(ctx, collection, remote, false)
}

// ApplySnapshot merges the complete remote contents of a collection. On top
// of MergeRemote it removes local records the remote no longer has, unless
// a queued mutation still refers to them, and advances the watermark when
// no record was left unresolved or deferred.
func (c *Coordinator) ApplySnapshot(ctx context.Context, collection string, remote []types.Record) (*MergeReport, error) {
	return c.merge(ctx, collection, remote, true)
}

func (c *Coordinator) merge(ctx context.Context, collection string, remote []types.Record, complete bool) (*MergeReport, error) {
	meta, err := c.store.GetSyncMetadata(ctx, collection)
	if err != nil {
		return nil, err
	}
	queued, err := c.queuedIDs(ctx, collection)
	if err != nil {
		return nil, err
	}
	strategy := c.strategyFor(collection)
	report := &MergeReport{
		Collection: collection,
		Strategy:   strategy,
		Deferred:   []string{},
		Unresolved: []Unresolved{},
	}

	seen := make(map[string]bool, len(remote))
	save := make([]types.Record, 0, len(remote))
	for _, r := range remote {
		r.Collection = collection
		seen[r.ID] = true
		if queued[r.ID] {
			report.Deferred = append(report.Deferred, r.ID)
			continue
		}

		local, err := c.store.Get(ctx, collection, r.ID)
		if errors.Is(err, store.ErrNotFound) {
			save = append(save, r)
			report.Applied++
			continue
		}
		if err != nil {
			return nil, err
		}

		conflicts := conflict.DetectConflicts(*local, r, meta.LastSyncTime)
		if len(conflicts) == 0 {
			report.Unchanged++
			continue
		}
		res := conflict.Resolve(*local, r, conflicts, strategy, meta.LastSyncTime)
		if !res.Resolved {
			report.Unresolved = append(report.Unresolved, Unresolved{
				RecordID:  r.ID,
				Remote:    r,
				Conflicts: conflicts,
			})
			continue
		}
		save = append(save, *res.Data)
		report.Applied++
	}

	if len(save) > 0 {
		if err := c.store.BulkPut(ctx, save); err != nil {
			return nil, fmt.Errorf("merge %s: %w", collection, err)
		}
	}
	if !complete {
		return report, nil
	}

	removed, err := c.pruneMissing(ctx, collection, seen)
	if err != nil {
		return nil, err
	}
	report.Removed = removed

	if len(report.Unresolved) == 0 && len(report.Deferred) == 0 {
		next := types.SyncMetadata{
			Collection:   collection,
			LastSyncTime: c.now().UTC(),
			Version:      meta.Version + 1,
		}
		if err := c.store.SetSyncMetadata(ctx, next); err != nil {
			return nil, fmt.Errorf("advance watermark %s: %w", collection, err)
		}
	}
	return report, nil
}

// pruneMissing deletes local records of collection that are not in remote
// and that no queued mutation refers to.
func (c *Coordinator) pruneMissing(ctx context.Context, collection string, remote map[string]bool) (int, error) {
	queued, err := c.queuedIDs(ctx, collection)
	if err != nil {
		return 0, err
	}
	local, err := c.store.GetAll(ctx, collection)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range local {
		if remote[r.ID] || queued[r.ID] {
			continue
		}
		if err := c.store.Delete(ctx, collection, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return removed, fmt.Errorf("prune %s/%s: %w", collection, r.ID, err)
		}
		removed++
	}
	return removed, nil
}

// queuedIDs returns the ids of collection records that pending or in-flight
// mutations still refer to.
func (c *Coordinator) queuedIDs(ctx context.Context, collection string) (map[string]bool, error) {
	ids := make(map[string]bool)
	for _, status := range []types.MutationStatus{types.StatusPending, types.StatusSyncing} {
		ms, err := c.queue.List(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s mutations: %w", status, err)
		}
		for _, m := range ms {
			if m.Collection != collection {
				continue
			}
			if id, ok := m.Args["id"].(string); ok && id != "" {
				ids[id] = true
			}
			if m.LocalID != "" {
				ids[m.LocalID] = true
			}
		}
	}
	return ids, nil
}

// GetByIndex returns the locally stored records whose indexed field equals
// value.
func (c *Coordinator) GetByIndex(ctx context.Context, collection, index string, value any) ([]types.Record, error) {
	return c.store.GetByIndex(ctx, collection, index, value)
}

// Stats returns local storage statistics.
func (c *Coordinator) Stats(ctx context.Context) (*types.StoreStats, error) {
	return c.store.Stats(ctx)
}

// Collections returns the registered collection definitions.
func (c *Coordinator) Collections() []types.CollectionSpec {
	return c.store.Collections()
}
