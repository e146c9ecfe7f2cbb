// Package e2e drives a complete engine against a fake remote over real HTTP.
package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/types"
)

// appliedMutation is one mutation as the fake remote received it.
type appliedMutation struct {
	Operation      string
	IdempotencyKey string
	Body           remote.MutationRequest
}

// fakeRemote is an in-memory remote API: it accepts mutations, serves
// collections and can be taken down.
type fakeRemote struct {
	srv *httptest.Server
	up  atomic.Bool

	mu       sync.Mutex
	applied  []appliedMutation
	seen     map[string]bool
	records  map[string][]types.Record
	rejected map[string]bool
}

func newFakeRemote(t *testing.T, up bool) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		seen:     make(map[string]bool),
		records:  make(map[string][]types.Record),
		rejected: make(map[string]bool),
	}
	f.up.Store(up)

	r := chi.NewRouter()
	r.Use(f.availability)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v1/mutations/{operation}", f.applyMutation)
	r.Get("/api/v1/collections/{collection}", f.getCollection)
	r.Get("/api/v1/collections/{collection}/{id}", f.getRecord)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) URL() string { return f.srv.URL }

func (f *fakeRemote) SetUp(up bool) { f.up.Store(up) }

// SetRejected makes every call of operation fail with 422 while rejected
// is true.
func (f *fakeRemote) SetRejected(operation string, rejected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[operation] = rejected
}

func (f *fakeRemote) Seed(collection string, recs ...types.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[collection] = append(f.records[collection], recs...)
}

func (f *fakeRemote) Applied() []appliedMutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appliedMutation(nil), f.applied...)
}

func (f *fakeRemote) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.up.Load() {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeRemote) applyMutation(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "operation")
	var body remote.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected[op] {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"title": "Validation Error", "detail": op + " rejected"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || !f.seen[key] {
		f.seen[key] = true
		f.applied = append(f.applied, appliedMutation{Operation: op, IdempotencyKey: key, Body: body})
	}
	serverID := body.LocalID
	if serverID != "" {
		serverID = "srv-" + serverID
	}
	writeJSON(w, types.ApplyResult{ServerID: serverID})
}

func (f *fakeRemote) getCollection(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	recs := append([]types.Record{}, f.records[chi.URLParam(r, "collection")]...)
	f.mu.Unlock()
	writeJSON(w, map[string]any{"records": recs})
}

func (f *fakeRemote) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records[chi.URLParam(r, "collection")] {
		if rec.ID == id {
			writeJSON(w, rec)
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
