package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/pkg/tether"
)

var collections = []tether.CollectionSpec{
	{
		Name:       "characters",
		EntityType: "character",
		Indexes:    []tether.IndexSpec{{Name: "by_campaign", Field: "campaign_id"}},
	},
	{Name: "maps", EntityType: "map"},
	{Name: "notes", EntityType: "note"},
}

// harness is an engine wired to a fake remote, driven through its local
// control API.
type harness struct {
	remote *fakeRemote
	engine *tether.Engine
	local  *httptest.Server
}

func newHarness(t *testing.T, remoteUp bool, seed func(*fakeRemote)) *harness {
	t.Helper()
	remote := newFakeRemote(t, remoteUp)
	if seed != nil {
		seed(remote)
	}

	engine, err := tether.Open(context.Background(), tether.Config{
		LocalPath:       filepath.Join(t.TempDir(), "tether.db"),
		Collections:     collections,
		RemoteURL:       remote.URL(),
		RemoteTimeout:   2 * time.Second,
		ProbeInterval:   20 * time.Millisecond,
		AutoSync:        true,
		PullCollections: []string{"maps"},
		RetryBase:       time.Millisecond,
	})
	if err != nil {
		t.Fatalf("tether.Open: %v", err)
	}
	local := httptest.NewServer(api.NewRouter(api.NewHandler(engine, "", "e2e")))
	t.Cleanup(func() {
		local.Close()
		engine.Close()
	})
	return &harness{remote: remote, engine: engine, local: local}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.local.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

// call performs a request, asserts the status and decodes the body into out
// when out is non-nil.
func (h *harness) call(t *testing.T, method, path string, body any, want int, out any) {
	t.Helper()
	status, raw := h.do(t, method, path, body)
	if status != want {
		t.Fatalf("%s %s = %d, want %d; body: %s", method, path, status, want, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v; body: %s", method, path, err, raw)
		}
	}
}

func (h *harness) state(t *testing.T) string {
	t.Helper()
	var st struct {
		State string `json:"state"`
	}
	h.call(t, http.MethodGet, "/api/v1/status", nil, http.StatusOK, &st)
	return st.State
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type writeResponse struct {
	ID         string `json:"id"`
	MutationID string `json:"mutation_id"`
	Queued     bool   `json:"queued"`
	ServerID   string `json:"server_id"`
}

type recordsResponse struct {
	Records []tether.Record `json:"records"`
	Count   int             `json:"count"`
}

type mutationsResponse struct {
	Mutations []tether.QueuedMutation `json:"mutations"`
	Count     int                     `json:"count"`
}

func TestOfflineWritesReplayOnReconnect(t *testing.T) {
	h := newHarness(t, false, func(r *fakeRemote) {
		r.Seed("maps", tether.Record{
			ID:        "harbor",
			Fields:    tether.Fields{"name": "Harbor District"},
			UpdatedAt: time.Now().UTC(),
		})
	})

	// Given: offline mode enabled while the remote is down
	h.call(t, http.MethodPost, "/api/v1/offline/enable", nil, http.StatusOK, nil)
	if got := h.state(t); got != "idle_offline" {
		t.Fatalf("state = %q, want idle_offline", got)
	}

	// When: a character is created and then updated offline
	var created writeResponse
	h.call(t, http.MethodPost, "/api/v1/collections/characters/records", map[string]any{
		"op_kind":          "create",
		"fields":           map[string]any{"name": "Vex", "campaign_id": "camp-1"},
		"remote_operation": "createCharacter",
	}, http.StatusAccepted, &created)
	if !created.Queued || created.ID == "" {
		t.Fatalf("create = %+v, want a queued write with an id", created)
	}
	h.call(t, http.MethodPost, "/api/v1/collections/characters/records", map[string]any{
		"id":               created.ID,
		"op_kind":          "update",
		"fields":           map[string]any{"name": "Vex", "campaign_id": "camp-1", "level": 3},
		"remote_operation": "updateCharacter",
	}, http.StatusAccepted, nil)

	var pending mutationsResponse
	h.call(t, http.MethodGet, "/api/v1/mutations?status=pending", nil, http.StatusOK, &pending)
	if pending.Count != 2 {
		t.Fatalf("pending mutations = %d, want 2", pending.Count)
	}
	if n := len(h.remote.Applied()); n != 0 {
		t.Fatalf("remote received %d mutations while down", n)
	}

	// Then: the probe notices the remote and the queue drains in order
	h.remote.SetUp(true)
	eventually(t, "queue drained", func() bool {
		return len(h.remote.Applied()) == 2 && h.engine.GetPendingCount() == 0 && h.engine.State() == tether.IdleOnline
	})

	applied := h.remote.Applied()
	gotOps := []string{applied[0].Operation, applied[1].Operation}
	if diff := cmp.Diff([]string{"createCharacter", "updateCharacter"}, gotOps); diff != "" {
		t.Errorf("remote operations mismatch (-want +got):\n%s", diff)
	}
	for i, m := range applied {
		if m.IdempotencyKey == "" || m.IdempotencyKey != m.Body.MutationID {
			t.Errorf("mutation %d: Idempotency-Key %q, mutation_id %q", i, m.IdempotencyKey, m.Body.MutationID)
		}
		if m.Body.Collection != "characters" {
			t.Errorf("mutation %d: collection = %q", i, m.Body.Collection)
		}
	}
	if applied[0].Body.LocalID != created.ID {
		t.Errorf("create local_id = %q, want %q", applied[0].Body.LocalID, created.ID)
	}
	if got := applied[1].Body.Args["level"]; got != float64(3) {
		t.Errorf("update args level = %v, want 3", got)
	}

	// And: the pull merged the remote maps locally
	eventually(t, "maps pulled", func() bool {
		var maps recordsResponse
		h.call(t, http.MethodGet, "/api/v1/collections/maps", nil, http.StatusOK, &maps)
		return maps.Count == 1 && maps.Records[0].ID == "harbor"
	})

	var byCampaign recordsResponse
	h.call(t, http.MethodGet, "/api/v1/collections/characters/index/by_campaign/camp-1", nil, http.StatusOK, &byCampaign)
	if byCampaign.Count != 1 || byCampaign.Records[0].ID != created.ID {
		t.Errorf("by_campaign lookup = %+v, want %s", byCampaign.Records, created.ID)
	}
}

func TestRejectedMutationFailsAndCanBeRequeued(t *testing.T) {
	h := newHarness(t, true, nil)
	h.remote.SetRejected("createNote", true)

	h.call(t, http.MethodPost, "/api/v1/offline/enable", nil, http.StatusOK, nil)
	if got := h.state(t); got != "idle_online" {
		t.Fatalf("state = %q, want idle_online", got)
	}

	// When: the remote rejects the mutation as invalid
	var w writeResponse
	h.call(t, http.MethodPost, "/api/v1/collections/notes/records", map[string]any{
		"op_kind":          "create",
		"fields":           map[string]any{"title": "Session zero"},
		"remote_operation": "createNote",
	}, http.StatusAccepted, &w)

	// Then: it fails on the first attempt instead of spending retries
	var failed mutationsResponse
	eventually(t, "mutation failed", func() bool {
		h.call(t, http.MethodGet, "/api/v1/mutations?status=failed", nil, http.StatusOK, &failed)
		return failed.Count == 1
	})
	if failed.Mutations[0].ID != w.MutationID {
		t.Errorf("failed mutation = %s, want %s", failed.Mutations[0].ID, w.MutationID)
	}
	if failed.Mutations[0].Error == "" {
		t.Error("failed mutation has no error recorded")
	}
	if n := len(h.remote.Applied()); n != 0 {
		t.Errorf("remote applied %d mutations", n)
	}

	// When: the remote accepts it again and the mutation is requeued
	eventually(t, "background sync finished", func() bool {
		return h.engine.State() == tether.IdleOnline
	})
	h.remote.SetRejected("createNote", false)
	h.call(t, http.MethodPost, "/api/v1/mutations/"+w.MutationID+"/requeue", nil, http.StatusNoContent, nil)

	var result tether.SyncResult
	h.call(t, http.MethodPost, "/api/v1/sync", nil, http.StatusOK, &result)
	if result.SyncedCount != 1 || result.FailedCount != 0 {
		t.Errorf("sync result = %+v, want 1 synced", result)
	}
	if n := len(h.remote.Applied()); n != 1 {
		t.Errorf("remote applied %d mutations, want 1", n)
	}

	var removed struct {
		Removed int64 `json:"removed"`
	}
	h.call(t, http.MethodPost, "/api/v1/mutations/cleanup", nil, http.StatusOK, &removed)
	if removed.Removed != 1 {
		t.Errorf("cleanup removed %d, want 1", removed.Removed)
	}
}

func TestWritesGoStraightToRemoteWithOfflineModeDisabled(t *testing.T) {
	h := newHarness(t, true, nil)
	if got := h.state(t); got != "offline_mode_disabled" {
		t.Fatalf("state = %q, want offline_mode_disabled", got)
	}

	var w writeResponse
	h.call(t, http.MethodPost, "/api/v1/collections/notes/records", map[string]any{
		"op_kind":          "create",
		"fields":           map[string]any{"title": "Loot"},
		"remote_operation": "createNote",
	}, http.StatusOK, &w)
	if w.Queued {
		t.Error("write was queued with offline mode disabled")
	}
	if w.ServerID != "srv-"+w.ID {
		t.Errorf("server_id = %q, want srv-%s", w.ServerID, w.ID)
	}

	// A remote outage surfaces to the caller rather than queueing.
	h.remote.SetUp(false)
	status, body := h.do(t, http.MethodPost, "/api/v1/collections/notes/records", map[string]any{
		"op_kind":          "create",
		"fields":           map[string]any{"title": "Lost"},
		"remote_operation": "createNote",
	})
	if status != http.StatusBadGateway {
		t.Errorf("write during outage = %d, want 502; body: %s", status, body)
	}
	var pending mutationsResponse
	h.call(t, http.MethodGet, "/api/v1/mutations", nil, http.StatusOK, &pending)
	if pending.Count != 0 {
		t.Errorf("mutations = %d, want none", pending.Count)
	}
}
