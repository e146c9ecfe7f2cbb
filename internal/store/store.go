package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// LocalStore is durable, indexed storage of record snapshots in named
// collections. Single Put and Delete calls are atomic, BulkPut is atomic as
// a unit, and reads only ever observe committed writes.
type LocalStore interface {
	Initialize(ctx context.Context, specs []types.CollectionSpec) error
	Get(ctx context.Context, collection, id string) (*types.Record, error)
	GetAll(ctx context.Context, collection string) ([]types.Record, error)
	GetByIndex(ctx context.Context, collection, indexName string, value any) ([]types.Record, error)
	Put(ctx context.Context, rec types.Record) error
	BulkPut(ctx context.Context, recs []types.Record) error
	Delete(ctx context.Context, collection, id string) error
	Clear(ctx context.Context, collection string) error
	ClearAll(ctx context.Context) error
	Close() error
}

// MutationLog persists the mutation queue. Mutations are returned ordered by
// their storage-assigned sequence.
type MutationLog interface {
	AppendMutation(ctx context.Context, m types.QueuedMutation) (int64, error)
	ListMutations(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error)
	UpdateMutation(ctx context.Context, m types.QueuedMutation) error
	CountMutations(ctx context.Context, status types.MutationStatus) (int64, error)
	PurgeMutations(ctx context.Context, status types.MutationStatus, before time.Time) (int64, error)
	ResetSyncing(ctx context.Context) (int64, error)
}

// RecordChange is a local write to be committed together with its mutation.
// When Delete is set only Record.Collection and Record.ID are used.
type RecordChange struct {
	Record types.Record
	Delete bool
}

// Store is the full local persistence surface: records, the mutation queue,
// per-collection sync watermarks and settings, all in one database.
type Store interface {
	LocalStore
	MutationLog

	// CommitWrite applies a local record change and appends its mutation in
	// one transaction. It returns the mutation's assigned sequence.
	CommitWrite(ctx context.Context, change RecordChange, m types.QueuedMutation) (int64, error)

	Collections() []types.CollectionSpec
	GetSyncMetadata(ctx context.Context, collection string) (*types.SyncMetadata, error)
	SetSyncMetadata(ctx context.Context, meta types.SyncMetadata) error
	ListSyncMetadata(ctx context.Context) ([]types.SyncMetadata, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Reset removes every record, queued mutation and sync watermark.
	// Collection definitions and settings are kept.
	Reset(ctx context.Context) error
	Backup(ctx context.Context, dest string) error
	Stats(ctx context.Context) (*types.StoreStats, error)
}

// Options configures Open.
type Options struct {
	Path     string
	Disabled bool
}

// Open opens the SQLite store at opts.Path. When storage is disabled or the
// database cannot be opened it returns an UnavailableStore, so callers can
// degrade to remote-only operation instead of failing startup.
func Open(opts Options) Store {
	if opts.Disabled {
		slog.Warn("local storage disabled by configuration", "component", "store")
		return NewUnavailableStore(nil)
	}

	s, err := NewSQLiteStore(opts.Path)
	if err != nil {
		slog.Error("local storage unavailable, continuing remote-only",
			"component", "store",
			"path", opts.Path,
			"error", err,
		)
		return NewUnavailableStore(err)
	}
	return s
}

// Available reports whether s is backed by working storage.
func Available(s Store) bool {
	_, unavailable := s.(*UnavailableStore)
	return !unavailable
}
