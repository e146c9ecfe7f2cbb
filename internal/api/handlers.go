package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/hyperengineering/tether/internal/validation"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 8 << 20

// Engine is the sync engine surface served over HTTP. *coordinator.Coordinator
// implements it.
type Engine interface {
	Status() coordinator.Status
	Stats(ctx context.Context) (*types.StoreStats, error)
	Collections() []types.CollectionSpec
	SyncNow(ctx context.Context) (*types.SyncResult, error)
	EnableOfflineMode(ctx context.Context) error
	DisableOfflineMode(ctx context.Context) error
	ClearAllData(ctx context.Context) error

	ListMutations(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error)
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
	Cleanup(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, id string) error

	Write(ctx context.Context, p coordinator.WriteParams) (*coordinator.WriteResult, error)
	Read(ctx context.Context, collection, id string) (*types.Record, error)
	CacheData(ctx context.Context, collection string, recs []types.Record) error
	GetCachedData(ctx context.Context, collection string) ([]types.Record, error)
	MergeRemote(ctx context.Context, collection string, remote []types.Record) (*coordinator.MergeReport, error)
	GetByIndex(ctx context.Context, collection, index string, value any) ([]types.Record, error)
}

// Handler implements the API handlers
type Handler struct {
	engine  Engine
	apiKey  string
	version string
}

// NewHandler creates a Handler. An empty apiKey leaves the API open.
func NewHandler(e Engine, apiKey, version string) *Handler {
	return &Handler{engine: e, apiKey: apiKey, version: version}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state"`
	Online  bool   `json:"online"`
	Storage bool   `json:"storage_available"`
}

// Health reports liveness. It is served without authentication.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		State:   st.State.String(),
		Online:  st.Online,
		Storage: st.StorageAvailable,
	}
	if !st.StorageAvailable {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sync handles POST /api/v1/sync. Concurrent calls share one drain.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SyncNow(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EnableOffline handles POST /api/v1/offline/enable
func (h *Handler) EnableOffline(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.EnableOfflineMode(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// DisableOffline handles POST /api/v1/offline/disable
func (h *Handler) DisableOffline(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DisableOfflineMode(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ClearData handles DELETE /api/v1/data
func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearAllData(r.Context()); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var mutationStatuses = []string{
	string(types.StatusPending),
	string(types.StatusSyncing),
	string(types.StatusFailed),
	string(types.StatusCompleted),
}

// MutationsResponse lists queued mutations.
type MutationsResponse struct {
	Mutations []types.QueuedMutation `json:"mutations"`
	Count     int                    `json:"count"`
}

// ListMutations handles GET /api/v1/mutations?status=
func (h *Handler) ListMutations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" {
		if verr := validation.ValidateEnum("status", status, mutationStatuses); verr != nil {
			WriteProblemWithErrors(w, r, "Invalid query parameter", []validation.ValidationError{*verr})
			return
		}
	}
	ms, err := h.engine.ListMutations(r.Context(), types.MutationStatus(status))
	if err != nil {
		MapError(w, r, err)
		return
	}
	if ms == nil {
		ms = []types.QueuedMutation{}
	}
	writeJSON(w, http.StatusOK, MutationsResponse{Mutations: ms, Count: len(ms)})
}

// EnqueueRequest is the body of POST /api/v1/mutations.
type EnqueueRequest struct {
	Collection      string         `json:"collection"`
	OpKind          string         `json:"op_kind"`
	RemoteOperation string         `json:"remote_operation"`
	Args            map[string]any `json:"args"`
	LocalID         string         `json:"local_id,omitempty"`
}

// EnqueueMutation handles POST /api/v1/mutations. It queues a write intent
// without touching local records.
func (h *Handler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var c validation.Collector
	c.Add(validation.ValidateName("collection", req.Collection))
	c.Add(validation.ValidateEnum("op_kind", req.OpKind, validation.OpKinds))
	c.Add(validation.ValidateName("remote_operation", req.RemoteOperation))
	c.Add(validation.ValidateID("local_id", req.LocalID, true))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	id, err := h.engine.Enqueue(r.Context(), queue.EnqueueParams{
		Collection:      req.Collection,
		OpKind:          types.OpKind(req.OpKind),
		RemoteOperation: req.RemoteOperation,
		Args:            req.Args,
		LocalID:         req.LocalID,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// CleanupMutations handles POST /api/v1/mutations/cleanup
func (h *Handler) CleanupMutations(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Cleanup(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// RequeueMutation handles POST /api/v1/mutations/{id}/requeue
func (h *Handler) RequeueMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid mutation id", []validation.ValidationError{*verr})
		return
	}
	if err := h.engine.Requeue(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordsResponse lists the records of one collection.
type RecordsResponse struct {
	Collection string         `json:"collection"`
	Records    []types.Record `json:"records"`
	Count      int            `json:"count"`
}

func recordsResponse(collection string, recs []types.Record) RecordsResponse {
	if recs == nil {
		recs = []types.Record{}
	}
	return RecordsResponse{Collection: collection, Records: recs, Count: len(recs)}
}

// GetCollection handles GET /api/v1/collections/{collection}
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	recs, err := h.engine.GetCachedData(r.Context(), spec.Name)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse(spec.Name, recs))
}

// RecordsRequest carries remote snapshots for caching or merging.
type RecordsRequest struct {
	Records []types.Record `json:"records"`
}

func (h *Handler) decodeRecords(w http.ResponseWriter, r *http.Request) ([]types.Record, bool) {
	var req RecordsRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	ids := make([]string, len(req.Records))
	for i, rec := range req.Records {
		ids[i] = rec.ID
	}
	if errs := validation.ValidateRecordIDs(ids); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid records", errs)
		return nil, false
	}
	return req.Records, true
}

// CacheCollection handles PUT /api/v1/collections/{collection}. Records are
// stored as received, without conflict detection.
func (h *Handler) CacheCollection(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	recs, ok := h.decodeRecords(w, r)
	if !ok {
		return
	}
	if err := h.engine.CacheData(r.Context(), spec.Name, recs); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cached": len(recs)})
}

// MergeCollection handles POST /api/v1/collections/{collection}/merge
func (h *Handler) MergeCollection(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	recs, ok := h.decodeRecords(w, r)
	if !ok {
		return
	}
	report, err := h.engine.MergeRemote(r.Context(), spec.Name, recs)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// WriteRequest is the body of POST /api/v1/collections/{collection}/records.
type WriteRequest struct {
	ID              string         `json:"id,omitempty"`
	OpKind          string         `json:"op_kind"`
	Fields          map[string]any `json:"fields"`
	RemoteOperation string         `json:"remote_operation"`
	Args            map[string]any `json:"args,omitempty"`
}

// WriteRecord handles POST /api/v1/collections/{collection}/records. A
// queued write answers 202; a write applied straight to the remote answers
// 200.
func (h *Handler) WriteRecord(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	var req WriteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateWrite(spec.Name, req.ID, req.OpKind, req.RemoteOperation); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	res, err := h.engine.Write(r.Context(), coordinator.WriteParams{
		Collection:      spec.Name,
		ID:              req.ID,
		OpKind:          types.OpKind(req.OpKind),
		Fields:          types.Fields(req.Fields),
		RemoteOperation: req.RemoteOperation,
		Args:            req.Args,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// GetRecord handles GET /api/v1/collections/{collection}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateID("id", id, false); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid record id", []validation.ValidationError{*verr})
		return
	}
	rec, err := h.engine.Read(r.Context(), spec.Name, id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetByIndex handles GET /api/v1/collections/{collection}/index/{index}/{value}.
// The value is read as a JSON scalar when it parses as one, so 42 and true
// match numbers and booleans; anything else, or a quoted value, matches a
// string.
func (h *Handler) GetByIndex(w http.ResponseWriter, r *http.Request) {
	spec, _ := CollectionFromContext(r.Context())
	index := chi.URLParam(r, "index")
	if verr := validation.ValidateName("index", index); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid index name", []validation.ValidationError{*verr})
		return
	}
	recs, err := h.engine.GetByIndex(r.Context(), spec.Name, index, parseIndexValue(chi.URLParam(r, "value")))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse(spec.Name, recs))
}

func parseIndexValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case string, float64, bool:
		return v
	default:
		return raw
	}
}
