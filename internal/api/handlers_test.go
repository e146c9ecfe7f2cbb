package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
)

const testAPIKey = "test-secret-key-12345"

type recordingRemote struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingRemote) Apply(ctx context.Context, op string, args map[string]any) (*types.ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return &types.ApplyResult{ServerID: "srv-1"}, nil
}

type testServer struct {
	router  http.Handler
	coord   *coordinator.Coordinator
	remote  *recordingRemote
	monitor *connectivity.Manual
}

func newTestServer(t *testing.T, online bool, apiKey string) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	specs := []types.CollectionSpec{
		{Name: "characters", EntityType: "character", Indexes: []types.IndexSpec{
			{Name: "by_campaign", Field: "campaign_id"},
			{Name: "by_level", Field: "level"},
		}},
		{Name: "maps", EntityType: "map"},
	}
	if err := s.Initialize(context.Background(), specs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ts := &testServer{
		remote:  &recordingRemote{},
		monitor: connectivity.NewManual(online),
	}
	q := queue.New(s, queue.DefaultConfig(), queue.WithSleep(func(context.Context, time.Duration) {}))
	c, err := coordinator.New(coordinator.Deps{
		Store:   s,
		Queue:   q,
		Remote:  ts.remote,
		Monitor: ts.monitor,
	}, coordinator.Config{})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)

	ts.coord = c
	ts.router = NewRouter(NewHandler(c, apiKey, "test"))
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

func (ts *testServer) enableOffline(t *testing.T) {
	t.Helper()
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/offline/enable", nil), http.StatusOK)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true, testAPIKey)

	// When: health is requested without credentials
	w := ts.do(t, http.MethodGet, "/health", nil)

	// Then: it is served and reports the engine state
	expectStatus(t, w, http.StatusOK)
	got := decode[HealthResponse](t, w)
	want := HealthResponse{Status: "healthy", Version: "test", State: "offline_mode_disabled", Online: true, Storage: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestAPI_RequiresBearerWhenKeySet(t *testing.T) {
	ts := newTestServer(t, true, testAPIKey)

	w := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	expectStatus(t, w, http.StatusUnauthorized)
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusOK)
}

func TestAPI_OpenWithoutKey(t *testing.T) {
	ts := newTestServer(t, true, "")
	expectStatus(t, ts.do(t, http.MethodGet, "/api/v1/status", nil), http.StatusOK)
}

func TestOfflineMode_EnableDisable(t *testing.T) {
	ts := newTestServer(t, false, "")

	w := ts.do(t, http.MethodPost, "/api/v1/offline/enable", nil)
	expectStatus(t, w, http.StatusOK)
	if st := decode[map[string]any](t, w); st["state"] != "idle_offline" {
		t.Errorf("state after enable = %v, want idle_offline", st["state"])
	}

	w = ts.do(t, http.MethodPost, "/api/v1/offline/disable", nil)
	expectStatus(t, w, http.StatusOK)
	if got := ts.coord.State(); got != coordinator.OfflineModeDisabled {
		t.Errorf("state after disable = %v", got)
	}
}

func TestWriteRecord_QueuedWhileOffline(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)

	// When: a character is created while offline
	w := ts.do(t, http.MethodPost, "/api/v1/collections/characters/records", WriteRequest{
		OpKind:          "create",
		Fields:          map[string]any{"name": "Aria", "level": 3},
		RemoteOperation: "createCharacter",
	})

	// Then: it is accepted into the queue with a local id
	expectStatus(t, w, http.StatusAccepted)
	res := decode[coordinator.WriteResult](t, w)
	if !res.Queued || res.ID == "" || res.MutationID == "" {
		t.Fatalf("unexpected write result %+v", res)
	}

	// And: the record is readable locally
	w = ts.do(t, http.MethodGet, "/api/v1/collections/characters/"+res.ID, nil)
	expectStatus(t, w, http.StatusOK)
	rec := decode[types.Record](t, w)
	if rec.Fields["name"] != "Aria" || rec.Fields["level"] != float64(3) {
		t.Errorf("fields = %v", rec.Fields)
	}

	// And: the mutation is pending
	w = ts.do(t, http.MethodGet, "/api/v1/mutations?status=pending", nil)
	expectStatus(t, w, http.StatusOK)
	list := decode[MutationsResponse](t, w)
	if list.Count != 1 || list.Mutations[0].RemoteOperation != "createCharacter" {
		t.Errorf("pending = %+v", list)
	}
	if list.Mutations[0].LocalID != res.ID {
		t.Errorf("LocalID = %q, want %q", list.Mutations[0].LocalID, res.ID)
	}
}

func TestWriteRecord_RemoteOnlyWhenOfflineModeDisabled(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(t, http.MethodPost, "/api/v1/collections/maps/records", WriteRequest{
		ID:              "m1",
		OpKind:          "update",
		Fields:          map[string]any{"title": "Keep"},
		RemoteOperation: "updateMap",
	})

	expectStatus(t, w, http.StatusOK)
	res := decode[coordinator.WriteResult](t, w)
	if res.Queued || res.ServerID != "srv-1" {
		t.Errorf("result = %+v, want applied remotely", res)
	}
}

func TestWriteRecord_Validation(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)

	w := ts.do(t, http.MethodPost, "/api/v1/collections/characters/records", WriteRequest{
		OpKind:          "update",
		RemoteOperation: "updateCharacter",
	})

	expectStatus(t, w, http.StatusUnprocessableEntity)
	p := decode[ProblemWithErrors](t, w)
	if len(p.Errors) != 1 || p.Errors[0].Field != "id" {
		t.Errorf("errors = %+v, want one for id", p.Errors)
	}
}

func TestWriteRecord_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, false, "")
	w := ts.do(t, http.MethodPost, "/api/v1/collections/characters/records", "{not json")
	expectStatus(t, w, http.StatusBadRequest)
}

func TestCollection_Unknown(t *testing.T) {
	ts := newTestServer(t, false, "")

	expectStatus(t, ts.do(t, http.MethodGet, "/api/v1/collections/spells", nil), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/v1/collections/9lives", nil), http.StatusUnprocessableEntity)
}

func TestSync_Rejections(t *testing.T) {
	ts := newTestServer(t, false, "")

	// Offline mode disabled: nothing to drain.
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/sync", nil), http.StatusConflict)

	// Enabled but the remote is unreachable.
	ts.enableOffline(t)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/sync", nil), http.StatusServiceUnavailable)
}

func TestSync_DrainsQueue(t *testing.T) {
	ts := newTestServer(t, true, "")
	ts.enableOffline(t)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/collections/characters/records", WriteRequest{
		ID:              "c1",
		OpKind:          "update",
		Fields:          map[string]any{"name": "Bran"},
		RemoteOperation: "updateCharacter",
	}), http.StatusAccepted)

	w := ts.do(t, http.MethodPost, "/api/v1/sync", nil)

	expectStatus(t, w, http.StatusOK)
	res := decode[types.SyncResult](t, w)
	if res.SyncedCount != 1 || res.FailedCount != 0 {
		t.Errorf("result = %+v", res)
	}
	if n := ts.coord.GetPendingCount(); n != 0 {
		t.Errorf("pending after sync = %d", n)
	}
}

func TestCacheAndQueryCollection(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)

	w := ts.do(t, http.MethodPut, "/api/v1/collections/characters", RecordsRequest{Records: []types.Record{
		{ID: "c1", Fields: types.Fields{"campaign_id": "camp-1", "level": 3}},
		{ID: "c2", Fields: types.Fields{"campaign_id": "camp-2", "level": 5}},
		{ID: "c3", Fields: types.Fields{"campaign_id": "camp-1", "level": 5}},
	}})
	expectStatus(t, w, http.StatusOK)

	w = ts.do(t, http.MethodGet, "/api/v1/collections/characters", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[RecordsResponse](t, w); got.Count != 3 {
		t.Errorf("cached count = %d, want 3", got.Count)
	}

	tests := []struct {
		path string
		want []string
	}{
		{"/api/v1/collections/characters/index/by_campaign/camp-1", []string{"c1", "c3"}},
		{"/api/v1/collections/characters/index/by_level/5", []string{"c2", "c3"}},
		{"/api/v1/collections/characters/index/by_level/%225%22", nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, tt.path, nil)
			expectStatus(t, w, http.StatusOK)
			var ids []string
			for _, r := range decode[RecordsResponse](t, w).Records {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/api/v1/collections/characters/index/by_class/rogue", nil), http.StatusNotFound)
}

func TestCacheCollection_RejectsBadIDs(t *testing.T) {
	ts := newTestServer(t, false, "")
	w := ts.do(t, http.MethodPut, "/api/v1/collections/maps", RecordsRequest{Records: []types.Record{
		{ID: "ok"}, {ID: ""},
	}})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	p := decode[ProblemWithErrors](t, w)
	if len(p.Errors) != 1 || p.Errors[0].Field != "records[1].id" {
		t.Errorf("errors = %+v", p.Errors)
	}
}

func TestMergeCollection(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)

	w := ts.do(t, http.MethodPost, "/api/v1/collections/maps/merge", RecordsRequest{Records: []types.Record{
		{ID: "m1", Fields: types.Fields{"title": "Keep"}, UpdatedAt: time.Now().UTC()},
		{ID: "m2", Fields: types.Fields{"title": "Caves"}, UpdatedAt: time.Now().UTC()},
	}})

	expectStatus(t, w, http.StatusOK)
	report := decode[coordinator.MergeReport](t, w)
	if report.Applied != 2 || len(report.Unresolved) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	ts := newTestServer(t, false, "")
	w := ts.do(t, http.MethodGet, "/api/v1/collections/maps/missing", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestMutations_EnqueueCleanupRequeue(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)

	w := ts.do(t, http.MethodPost, "/api/v1/mutations", EnqueueRequest{
		Collection:      "maps",
		OpKind:          "create",
		RemoteOperation: "createMap",
		Args:            map[string]any{"title": "Letter"},
	})
	expectStatus(t, w, http.StatusCreated)
	created := decode[map[string]string](t, w)
	if created["id"] == "" {
		t.Fatal("no mutation id returned")
	}
	if n := ts.coord.GetPendingCount(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/mutations/cleanup", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[map[string]int64](t, w); got["removed"] != 0 {
		t.Errorf("removed = %d, want 0", got["removed"])
	}

	// A pending mutation cannot be requeued.
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/mutations/"+created["id"]+"/requeue", nil), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/v1/mutations/not-a-ulid/requeue", nil), http.StatusUnprocessableEntity)
}

func TestMutations_InvalidStatusFilter(t *testing.T) {
	ts := newTestServer(t, false, "")
	expectStatus(t, ts.do(t, http.MethodGet, "/api/v1/mutations?status=stuck", nil), http.StatusUnprocessableEntity)
}

func TestClearData(t *testing.T) {
	ts := newTestServer(t, false, "")
	ts.enableOffline(t)
	expectStatus(t, ts.do(t, http.MethodPut, "/api/v1/collections/maps",
		RecordsRequest{Records: []types.Record{{ID: "m1"}}}), http.StatusOK)

	expectStatus(t, ts.do(t, http.MethodDelete, "/api/v1/data", nil), http.StatusNoContent)

	w := ts.do(t, http.MethodGet, "/api/v1/collections/maps", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[RecordsResponse](t, w); got.Count != 0 {
		t.Errorf("records after clear = %d", got.Count)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, false, "")
	w := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[types.StoreStats](t, w); got.Collections != 2 {
		t.Errorf("collections = %d, want 2", got.Collections)
	}
}

func TestParseIndexValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"42", float64(42)},
		{"true", true},
		{`"42"`, "42"},
		{"rogue", "rogue"},
		{"[1,2]", "[1,2]"},
		{"null", "null"},
	}
	for _, tt := range tests {
		if got := parseIndexValue(tt.raw); got != tt.want {
			t.Errorf("parseIndexValue(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestRequestBodyLimit(t *testing.T) {
	ts := newTestServer(t, false, "")
	big := `{"records":[{"id":"x","fields":{"blob":"` + strings.Repeat("a", MaxBodyBytes) + `"}}]}`
	expectStatus(t, ts.do(t, http.MethodPut, "/api/v1/collections/maps", big), http.StatusBadRequest)
}
