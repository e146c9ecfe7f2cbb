// Package remote talks to the authoritative API: it applies queued
// mutations and fetches remote snapshots over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/types"
)

// ErrNotFound is returned when the remote has no such record.
var ErrNotFound = errors.New("remote record not found")

// Config configures the HTTP transport.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// StatusError is a non-2xx answer from the remote.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("remote returned %d", e.StatusCode)
}

// Retryable reports whether the status may succeed on a later attempt.
// Auth failures and conflicts stay retryable: credentials can be refreshed
// and a conflict can answer a replay of an already accepted mutation.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return true
	case e.StatusCode == http.StatusConflict:
		return true
	}
	return false
}

type transport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTransport(cfg Config) (*transport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse remote base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &transport{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// sendRequest sends an authenticated JSON request and decodes a 2xx body
// into out, when out is non-nil.
func (t *transport) sendRequest(ctx context.Context, method, path string, headers http.Header, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: problemDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// problemDetail extracts the detail of an RFC 7807 body, or the raw text.
func problemDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &p) == nil && (p.Detail != "" || p.Title != "") {
		if p.Detail != "" {
			return p.Detail
		}
		return p.Title
	}
	return strings.TrimSpace(string(data))
}

// HTTPApplier applies mutations with POST /api/v1/mutations/{operation}.
type HTTPApplier struct {
	t *transport
}

// NewHTTPApplier creates an applier for the configured remote.
func NewHTTPApplier(cfg Config) (*HTTPApplier, error) {
	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPApplier{t: t}, nil
}

// MutationRequest is the body posted for each mutation.
type MutationRequest struct {
	MutationID string         `json:"mutation_id,omitempty"`
	LocalID    string         `json:"local_id,omitempty"`
	Collection string         `json:"collection,omitempty"`
	OpKind     types.OpKind   `json:"op_kind,omitempty"`
	Args       map[string]any `json:"args"`
}

// Apply implements queue.RemoteApplier. The mutation id, when present in
// ctx, is sent as the Idempotency-Key. Client errors other than 408 and 429
// are marked permanent.
func (a *HTTPApplier) Apply(ctx context.Context, operation string, args map[string]any) (*types.ApplyResult, error) {
	body := MutationRequest{Args: args}
	headers := http.Header{}
	if m, ok := queue.MutationFromContext(ctx); ok {
		body.MutationID = m.ID
		body.LocalID = m.LocalID
		body.Collection = m.Collection
		body.OpKind = m.OpKind
		headers.Set("Idempotency-Key", m.ID)
	}

	var result types.ApplyResult
	err := a.t.sendRequest(ctx, http.MethodPost, "/api/v1/mutations/"+url.PathEscape(operation), headers, body, &result)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	return &result, nil
}

// HTTPFetcher reads remote snapshots.
type HTTPFetcher struct {
	t *transport
}

// NewHTTPFetcher creates a fetcher for the configured remote.
func NewHTTPFetcher(cfg Config) (*HTTPFetcher, error) {
	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPFetcher{t: t}, nil
}

type collectionResponse struct {
	Records []types.Record `json:"records"`
}

// FetchAll returns every remote record of a collection.
func (f *HTTPFetcher) FetchAll(ctx context.Context, collection string) ([]types.Record, error) {
	var resp collectionResponse
	if err := f.t.sendRequest(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(collection), nil, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Records {
		resp.Records[i].Collection = collection
	}
	return resp.Records, nil
}

// Fetch returns one remote record, or ErrNotFound.
func (f *HTTPFetcher) Fetch(ctx context.Context, collection, id string) (*types.Record, error) {
	var rec types.Record
	path := "/api/v1/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	if err := f.t.sendRequest(ctx, http.MethodGet, path, nil, nil, &rec); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, err
	}
	rec.Collection = collection
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}
