package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fields holds the JSON-compatible field map of a record snapshot.
type Fields map[string]any

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies nested maps and slices. Scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = CloneValue(inner)
		}
		return out
	case Fields:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// Record is a snapshot of one entity in a named collection.
// Identity is (Collection, ID).
type Record struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Fields     Fields    `json:"fields"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key returns the identity of the record as "collection/id".
func (r Record) Key() string {
	return r.Collection + "/" + r.ID
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// NewLocalID returns an id for a record created locally, before the remote
// has assigned one.
func NewLocalID() string {
	return uuid.NewString()
}

// OpKind is the kind of write a mutation carries to the remote.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus tracks a queued mutation through its lifecycle.
type MutationStatus string

const (
	StatusPending   MutationStatus = "pending"
	StatusSyncing   MutationStatus = "syncing"
	StatusFailed    MutationStatus = "failed"
	StatusCompleted MutationStatus = "completed"
)

// QueuedMutation is a single write intent waiting to be applied remotely.
//
// Sequence is assigned by storage on enqueue and is strictly increasing; it
// defines the global replay order across all collections.
type QueuedMutation struct {
	ID              string         `json:"id"`
	Sequence        int64          `json:"sequence"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	Collection      string         `json:"collection"`
	OpKind          OpKind         `json:"op_kind"`
	RemoteOperation string         `json:"remote_operation"`
	Args            map[string]any `json:"args,omitempty"`
	RetryCount      int            `json:"retry_count"`
	Status          MutationStatus `json:"status"`
	Error           string         `json:"error,omitempty"`
	LocalID         string         `json:"local_id,omitempty"`
	ServerID        string         `json:"server_id,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SyncMetadata records the last agreement point with the remote for a collection.
type SyncMetadata struct {
	Collection   string    `json:"collection"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Version      int       `json:"version"`
}

// ConflictEntry describes one field on which local and remote disagree.
type ConflictEntry struct {
	Field           string    `json:"field"`
	LocalValue      any       `json:"local_value"`
	RemoteValue     any       `json:"remote_value"`
	LastSyncTime    time.Time `json:"last_sync_time"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

// MutationError pairs a mutation with the error of its last attempt.
type MutationError struct {
	Mutation QueuedMutation `json:"mutation"`
	Err      error          `json:"-"`
}

// MarshalJSON renders the error as a string.
func (e MutationError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Mutation QueuedMutation `json:"mutation"`
		Error    string         `json:"error"`
	}{e.Mutation, msg})
}

// SyncResult summarizes one drain of the mutation queue.
type SyncResult struct {
	SyncedCount int             `json:"synced_count"`
	FailedCount int             `json:"failed_count"`
	Errors      []MutationError `json:"errors"`
}

// ApplyResult is what the remote returns for an applied mutation.
type ApplyResult struct {
	ServerID string         `json:"server_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// IndexSpec declares a secondary index over a top-level record field.
type IndexSpec struct {
	Name  string `json:"name" yaml:"name"`
	Field string `json:"field" yaml:"field"`
}

// CollectionSpec declares a collection and its secondary indexes.
type CollectionSpec struct {
	Name       string      `json:"name" yaml:"name"`
	EntityType string      `json:"entity_type" yaml:"entity_type"`
	Indexes    []IndexSpec `json:"indexes,omitempty" yaml:"indexes"`
}

// Index returns the index with the given name.
func (c CollectionSpec) Index(name string) (IndexSpec, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// IndexKey renders a field value as the canonical string stored in an index.
// Values are JSON encoded so that "1" and 1 stay distinct.
func IndexKey(v any) (string, error) {
	b, err := json.Marshal(NormalizeValue(v))
	if err != nil {
		return "", fmt.Errorf("encode index value: %w", err)
	}
	return string(b), nil
}

// NormalizeValue converts integer kinds to float64 and Fields to plain maps,
// so values compare the same before and after a JSON round trip.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case Fields:
		return NormalizeValue(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = NormalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = NormalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

// StoreStats holds local store statistics.
type StoreStats struct {
	Collections  int   `json:"collections"`
	Records      int64 `json:"records"`
	Pending      int64 `json:"pending"`
	Failed       int64 `json:"failed"`
	DatabaseSize int64 `json:"database_size,omitempty"`
}
