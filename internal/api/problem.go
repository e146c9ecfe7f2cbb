package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/tether/internal/coordinator"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {"https://tether.dev/errors/bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"https://tether.dev/errors/unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"https://tether.dev/errors/not-found", "Not Found"},
	http.StatusConflict:            {"https://tether.dev/errors/conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"https://tether.dev/errors/validation-error", "Validation Error"},
	http.StatusInternalServerError: {"https://tether.dev/errors/internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {"https://tether.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusBadGateway:          {"https://tether.dev/errors/remote-failure", "Bad Gateway"},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{"https://tether.dev/errors/unknown", http.StatusText(status)}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	writeProblemBody(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := lookupProblemType(http.StatusUnprocessableEntity)
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

// MapError converts engine errors to Problem Details responses. Internal
// error text is only exposed for remote failures, which the caller needs to
// act on.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
	case errors.Is(err, store.ErrUnknownCollection):
		WriteProblem(w, r, http.StatusNotFound, "Unknown collection")
	case errors.Is(err, store.ErrUnknownIndex):
		WriteProblem(w, r, http.StatusNotFound, "Unknown index")
	case errors.Is(err, store.ErrStorageUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Local storage unavailable")
	case errors.Is(err, queue.ErrInvalidMutation):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrSyncInProgress):
		WriteProblem(w, r, http.StatusConflict, "Sync already in progress")
	case errors.Is(err, coordinator.ErrOfflineModeDisabled):
		WriteProblem(w, r, http.StatusConflict, "Offline mode is disabled")
	case errors.Is(err, coordinator.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrOffline):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Remote is offline")
	case errors.Is(err, coordinator.ErrNoRemote):
		WriteProblem(w, r, http.StatusServiceUnavailable, "No remote configured")
	case errors.Is(err, coordinator.ErrStopped):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Engine is shutting down")
	case errors.Is(err, coordinator.ErrRemoteWrite):
		WriteProblem(w, r, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
