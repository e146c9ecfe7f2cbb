package conflict

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hyperengineering/tether/internal/types"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func rec(updated int64, fields types.Fields) types.Record {
	return types.Record{Collection: "characters", ID: "c1", Fields: fields, UpdatedAt: ts(updated)}
}

func TestDetectConflicts_Agreement(t *testing.T) {
	local := rec(90, types.Fields{"hp": 10, "name": "Thaldrin", "stats": map[string]any{"str": 14}})
	remote := rec(150, types.Fields{"hp": 10.0, "name": "Thaldrin", "stats": map[string]any{"str": 14.0}})

	if got := DetectConflicts(local, remote, ts(100)); len(got) != 0 {
		t.Errorf("expected no conflicts, got %+v", got)
	}
}

func TestDetectConflicts_IgnoresMetadata(t *testing.T) {
	local := rec(90, types.Fields{"id": "local-1", "updatedAt": 90, "version": 1, "localId": "x", "name": "A"})
	remote := rec(150, types.Fields{"id": "srv-1", "updatedAt": 150, "version": 4, "serverId": "y", "name": "A"})

	if got := DetectConflicts(local, remote, ts(100)); len(got) != 0 {
		t.Errorf("metadata counted as conflict: %+v", got)
	}
}

func TestDetectConflicts_SortedWithValues(t *testing.T) {
	local := rec(90, types.Fields{"hp": 10, "xp": 5, "name": "Thaldrin", "note": "local only"})
	remote := rec(150, types.Fields{"hp": 12, "xp": 5, "name": "Thaldrin", "class": "cleric"})

	got := DetectConflicts(local, remote, ts(100))
	want := []types.ConflictEntry{
		{Field: "class", LocalValue: nil, RemoteValue: "cleric", LastSyncTime: ts(100), RemoteUpdatedAt: ts(150)},
		{Field: "hp", LocalValue: 10, RemoteValue: 12, LastSyncTime: ts(100), RemoteUpdatedAt: ts(150)},
		{Field: "note", LocalValue: "local only", RemoteValue: nil, LastSyncTime: ts(100), RemoteUpdatedAt: ts(150)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectConflicts_ExplicitNullVersusMissing(t *testing.T) {
	local := rec(90, types.Fields{"notes": nil})
	remote := rec(150, types.Fields{})

	if got := DetectConflicts(local, remote, ts(100)); len(got) != 1 {
		t.Errorf("null versus missing should conflict, got %+v", got)
	}
}

func TestResolve_MergeExample(t *testing.T) {
	// Given: hp changed remotely after the watermark, name agrees
	local := rec(90, types.Fields{"hp": 10.0, "name": "Thaldrin"})
	remote := rec(150, types.Fields{"hp": 12.0, "name": "Thaldrin"})
	conflicts := DetectConflicts(local, remote, ts(100))

	// When: resolved with Merge
	res := Resolve(local, remote, conflicts, Merge, ts(100))

	// Then: the remote hp wins and name is untouched
	if !res.Resolved || res.Data == nil {
		t.Fatalf("expected resolved result, got %+v", res)
	}
	want := types.Fields{"hp": 12.0, "name": "Thaldrin"}
	if diff := cmp.Diff(want, res.Data.Fields); diff != "" {
		t.Errorf("merged fields mismatch (-want +got):\n%s", diff)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "hp" {
		t.Errorf("conflicts = %+v", res.Conflicts)
	}
}

func TestResolve_MergeKeepsLocalWhenRemoteIsStale(t *testing.T) {
	// Remote has not changed since the last sync; local edits stand.
	local := rec(120, types.Fields{"hp": 7.0, "name": "Thaldrin", "draft": true})
	remote := rec(80, types.Fields{"hp": 12.0, "name": "Thaldrin"})
	conflicts := DetectConflicts(local, remote, ts(100))

	res := Resolve(local, remote, conflicts, Merge, ts(100))

	want := types.Fields{"hp": 7.0, "name": "Thaldrin", "draft": true}
	if diff := cmp.Diff(want, res.Data.Fields); diff != "" {
		t.Errorf("merged fields mismatch (-want +got):\n%s", diff)
	}
	if !res.Data.UpdatedAt.Equal(ts(120)) {
		t.Errorf("UpdatedAt = %v, want the later of both sides", res.Data.UpdatedAt)
	}
}

func TestResolve_MergeIsIdempotent(t *testing.T) {
	cases := []struct {
		name   string
		local  types.Record
		remote types.Record
		sync   time.Time
	}{
		{
			name:   "remote newer",
			local:  rec(90, types.Fields{"hp": 10.0, "name": "Thaldrin", "gold": 3.0}),
			remote: rec(150, types.Fields{"hp": 12.0, "name": "Thaldrin"}),
			sync:   ts(100),
		},
		{
			name:   "remote stale",
			local:  rec(130, types.Fields{"hp": 10.0, "inventory": []any{"rope"}}),
			remote: rec(50, types.Fields{"hp": 12.0, "level": 2.0}),
			sync:   ts(100),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first := Resolve(tc.local, tc.remote, DetectConflicts(tc.local, tc.remote, tc.sync), Merge, tc.sync)
			merged := *first.Data

			second := Resolve(merged, tc.remote, DetectConflicts(merged, tc.remote, tc.sync), Merge, tc.sync)
			if diff := cmp.Diff(merged, *second.Data); diff != "" {
				t.Errorf("merge oscillated (-first +second):\n%s", diff)
			}
		})
	}
}

func TestResolve_ServerAndClientWins(t *testing.T) {
	local := rec(90, types.Fields{"hp": 10.0, "tags": []any{"a"}})
	remote := rec(150, types.Fields{"hp": 12.0, "class": "cleric"})
	conflicts := DetectConflicts(local, remote, ts(100))

	server := Resolve(local, remote, conflicts, ServerWins, ts(100))
	if diff := cmp.Diff(remote, *server.Data); diff != "" {
		t.Errorf("ServerWins differs from remote (-want +got):\n%s", diff)
	}

	client := Resolve(local, remote, conflicts, ClientWins, ts(100))
	if diff := cmp.Diff(local, *client.Data); diff != "" {
		t.Errorf("ClientWins differs from local (-want +got):\n%s", diff)
	}

	// The results must not alias the inputs.
	server.Data.Fields["hp"] = 0.0
	if remote.Fields["hp"] != 12.0 {
		t.Error("ServerWins result shares fields with remote")
	}
}

func TestResolve_Prompt(t *testing.T) {
	local := rec(90, types.Fields{"hp": 10.0})
	remote := rec(150, types.Fields{"hp": 12.0})
	conflicts := DetectConflicts(local, remote, ts(100))

	res := Resolve(local, remote, conflicts, Prompt, ts(100))
	if res.Resolved || res.Data != nil {
		t.Errorf("Prompt must not choose a value: %+v", res)
	}
	if len(res.Conflicts) != 1 || res.Strategy != Prompt {
		t.Errorf("Prompt lost conflicts: %+v", res)
	}
}
