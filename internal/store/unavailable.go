package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// UnavailableStore stands in for local storage that is disabled or failed to
// open. Every operation fails fast with ErrStorageUnavailable.
type UnavailableStore struct {
	cause error
}

// NewUnavailableStore returns a store whose operations all fail. cause, if
// set, is included in the error messages.
func NewUnavailableStore(cause error) *UnavailableStore {
	return &UnavailableStore{cause: cause}
}

func (u *UnavailableStore) err() error {
	if u.cause != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, u.cause)
	}
	return ErrStorageUnavailable
}

func (u *UnavailableStore) Initialize(context.Context, []types.CollectionSpec) error {
	return u.err()
}

func (u *UnavailableStore) Get(context.Context, string, string) (*types.Record, error) {
	return nil, u.err()
}

func (u *UnavailableStore) GetAll(context.Context, string) ([]types.Record, error) {
	return nil, u.err()
}

func (u *UnavailableStore) GetByIndex(context.Context, string, string, any) ([]types.Record, error) {
	return nil, u.err()
}

func (u *UnavailableStore) Put(context.Context, types.Record) error       { return u.err() }
func (u *UnavailableStore) BulkPut(context.Context, []types.Record) error { return u.err() }
func (u *UnavailableStore) Delete(context.Context, string, string) error  { return u.err() }
func (u *UnavailableStore) Clear(context.Context, string) error           { return u.err() }
func (u *UnavailableStore) ClearAll(context.Context) error                { return u.err() }
func (u *UnavailableStore) Close() error                                  { return nil }

func (u *UnavailableStore) AppendMutation(context.Context, types.QueuedMutation) (int64, error) {
	return 0, u.err()
}

func (u *UnavailableStore) ListMutations(context.Context, types.MutationStatus) ([]types.QueuedMutation, error) {
	return nil, u.err()
}

func (u *UnavailableStore) UpdateMutation(context.Context, types.QueuedMutation) error {
	return u.err()
}

func (u *UnavailableStore) CountMutations(context.Context, types.MutationStatus) (int64, error) {
	return 0, u.err()
}

func (u *UnavailableStore) PurgeMutations(context.Context, types.MutationStatus, time.Time) (int64, error) {
	return 0, u.err()
}

func (u *UnavailableStore) ResetSyncing(context.Context) (int64, error) {
	return 0, u.err()
}

func (u *UnavailableStore) CommitWrite(context.Context, RecordChange, types.QueuedMutation) (int64, error) {
	return 0, u.err()
}

func (u *UnavailableStore) Collections() []types.CollectionSpec { return nil }

func (u *UnavailableStore) GetSyncMetadata(context.Context, string) (*types.SyncMetadata, error) {
	return nil, u.err()
}

func (u *UnavailableStore) SetSyncMetadata(context.Context, types.SyncMetadata) error {
	return u.err()
}

func (u *UnavailableStore) ListSyncMetadata(context.Context) ([]types.SyncMetadata, error) {
	return nil, u.err()
}

func (u *UnavailableStore) GetSetting(context.Context, string) (string, error) {
	return "", u.err()
}

func (u *UnavailableStore) SetSetting(context.Context, string, string) error { return u.err() }
func (u *UnavailableStore) Reset(context.Context) error                      { return u.err() }
func (u *UnavailableStore) Backup(context.Context, string) error             { return u.err() }

func (u *UnavailableStore) Stats(context.Context) (*types.StoreStats, error) {
	return nil, u.err()
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*UnavailableStore)(nil)
)
