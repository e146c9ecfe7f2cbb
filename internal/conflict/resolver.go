// Package conflict reconciles a local and a remote snapshot of the same
// record. Everything here is pure: no storage, no clocks, no errors.
package conflict

import (
	"reflect"
	"sort"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// metadataFields never count as conflicts.
var metadataFields = map[string]struct{}{
	"id":         {},
	"collection": {},
	"updatedAt":  {},
	"updated_at": {},
	"createdAt":  {},
	"created_at": {},
	"localId":    {},
	"serverId":   {},
	"version":    {},
}

// IsMetadataField reports whether field is identity or bookkeeping data.
func IsMetadataField(field string) bool {
	_, ok := metadataFields[field]
	return ok
}

// Resolution is the outcome of Resolve. Data is nil when Resolved is false.
type Resolution struct {
	Resolved  bool                  `json:"resolved"`
	Data      *types.Record         `json:"data,omitempty"`
	Conflicts []types.ConflictEntry `json:"conflicts"`
	Strategy  Strategy              `json:"strategy"`
}

// DetectConflicts lists the non-metadata fields on which local and remote
// disagree, sorted by field name. A field present on one side only is a
// conflict. The result is empty iff both sides agree.
func DetectConflicts(local, remote types.Record, lastSyncTime time.Time) []types.ConflictEntry {
	names := make(map[string]struct{}, len(local.Fields)+len(remote.Fields))
	for k := range local.Fields {
		names[k] = struct{}{}
	}
	for k := range remote.Fields {
		names[k] = struct{}{}
	}

	conflicts := make([]types.ConflictEntry, 0)
	for field := range names {
		if IsMetadataField(field) {
			continue
		}
		lv, lok := local.Fields[field]
		rv, rok := remote.Fields[field]
		if lok == rok && Equal(lv, rv) {
			continue
		}
		conflicts = append(conflicts, types.ConflictEntry{
			Field:           field,
			LocalValue:      types.CloneValue(lv),
			RemoteValue:     types.CloneValue(rv),
			LastSyncTime:    lastSyncTime,
			RemoteUpdatedAt: remote.UpdatedAt,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	return conflicts
}

// Equal compares two field values after numeric normalization, so 10 and
// 10.0 are the same value.
func Equal(a, b any) bool {
	return reflect.DeepEqual(types.NormalizeValue(a), types.NormalizeValue(b))
}

// Resolve settles conflicts between local and remote using strategy.
//
// Merge starts from the remote snapshot and, for each conflicting field,
// keeps the remote value when the remote changed after lastSyncTime and the
// local value otherwise. Resolving the merged record again against the same
// remote yields the same record.
func Resolve(local, remote types.Record, conflicts []types.ConflictEntry, strategy Strategy, lastSyncTime time.Time) Resolution {
	res := Resolution{Conflicts: conflicts, Strategy: strategy}

	switch strategy {
	case ServerWins:
		data := remote.Clone()
		res.Data = &data
	case ClientWins:
		data := local.Clone()
		res.Data = &data
	case Merge:
		data := merge(local, remote, conflicts, lastSyncTime)
		res.Data = &data
	default:
		// Prompt, and anything unknown, is left to the caller.
		return res
	}

	res.Resolved = true
	return res
}

func merge(local, remote types.Record, conflicts []types.ConflictEntry, lastSyncTime time.Time) types.Record {
	out := remote.Clone()
	if out.Fields == nil {
		out.Fields = types.Fields{}
	}

	remoteNewer := remote.UpdatedAt.After(lastSyncTime)
	for _, c := range conflicts {
		if remoteNewer {
			continue
		}
		if v, ok := local.Fields[c.Field]; ok {
			out.Fields[c.Field] = types.CloneValue(v)
		} else {
			delete(out.Fields, c.Field)
		}
	}

	if local.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}
	return out
}
