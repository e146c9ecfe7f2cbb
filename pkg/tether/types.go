package tether

import (
	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
)

type (
	Record         = types.Record
	Fields         = types.Fields
	CollectionSpec = types.CollectionSpec
	IndexSpec      = types.IndexSpec
	QueuedMutation = types.QueuedMutation
	MutationStatus = types.MutationStatus
	OpKind         = types.OpKind
	SyncResult     = types.SyncResult
	ApplyResult    = types.ApplyResult
	ConflictEntry  = types.ConflictEntry
	StoreStats     = types.StoreStats

	Strategy   = conflict.Strategy
	EntityType = conflict.EntityType

	State       = coordinator.State
	Status      = coordinator.Status
	WriteParams = coordinator.WriteParams
	WriteResult = coordinator.WriteResult
	MergeReport = coordinator.MergeReport

	// RemoteApplier replays one mutation against the remote.
	RemoteApplier = queue.RemoteApplier
	// ApplierFunc adapts a function to RemoteApplier.
	ApplierFunc = queue.ApplierFunc
	// Fetcher reads remote snapshots.
	Fetcher = coordinator.Fetcher
	// BackgroundRegistrar hooks the host platform's background sync.
	BackgroundRegistrar = coordinator.BackgroundRegistrar
	// Monitor reports remote reachability.
	Monitor = connectivity.Monitor
	// EnqueueParams describes a mutation queued without a local write.
	EnqueueParams = queue.EnqueueParams
)

const (
	OpCreate = types.OpCreate
	OpUpdate = types.OpUpdate
	OpDelete = types.OpDelete

	StatusPending   = types.StatusPending
	StatusSyncing   = types.StatusSyncing
	StatusFailed    = types.StatusFailed
	StatusCompleted = types.StatusCompleted

	ServerWins = conflict.ServerWins
	ClientWins = conflict.ClientWins
	Merge      = conflict.Merge
	Prompt     = conflict.Prompt

	OfflineModeDisabled = coordinator.OfflineModeDisabled
	IdleOnline          = coordinator.IdleOnline
	IdleOffline         = coordinator.IdleOffline
	Syncing             = coordinator.Syncing
)

const (
	Character = conflict.Character
	Inventory = conflict.Inventory
	Campaign  = conflict.Campaign
	Session   = conflict.Session
	Map       = conflict.Map
	DiceRoll  = conflict.DiceRoll
	Note      = conflict.Note
)

var (
	ErrOffline             = coordinator.ErrOffline
	ErrOfflineModeDisabled = coordinator.ErrOfflineModeDisabled
	ErrNoRemote            = coordinator.ErrNoRemote
	ErrRemoteWrite         = coordinator.ErrRemoteWrite
	ErrStopped             = coordinator.ErrStopped
	ErrSyncInProgress      = queue.ErrSyncInProgress
	ErrInvalidMutation     = queue.ErrInvalidMutation
	ErrNotFound            = store.ErrNotFound
	ErrStorageUnavailable  = store.ErrStorageUnavailable
	ErrUnknownCollection   = store.ErrUnknownCollection
)

// Permanent marks a remote error as not worth retrying. A RemoteApplier
// returns it to fail a mutation without spending its retry budget.
func Permanent(err error) error {
	return queue.Permanent(err)
}
