package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tether/internal/types"
	"github.com/hyperengineering/tether/internal/validation"
)

type collectionContextKey struct{}

// WithCollection returns a new context with the resolved collection attached.
func WithCollection(ctx context.Context, spec types.CollectionSpec) context.Context {
	return context.WithValue(ctx, collectionContextKey{}, spec)
}

// CollectionFromContext extracts the collection resolved by
// CollectionMiddleware.
func CollectionFromContext(ctx context.Context) (types.CollectionSpec, bool) {
	spec, ok := ctx.Value(collectionContextKey{}).(types.CollectionSpec)
	return spec, ok
}

// CollectionMiddleware resolves the {collection} URL parameter. Names are
// always validated; registration is only checked while local storage is
// available, since remote-only operation has no local definitions.
func CollectionMiddleware(e Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "collection")
			if verr := validation.ValidateName("collection", name); verr != nil {
				WriteProblemWithErrors(w, r, "Invalid collection name", []validation.ValidationError{*verr})
				return
			}

			spec := types.CollectionSpec{Name: name}
			if e.Status().StorageAvailable {
				found := false
				for _, s := range e.Collections() {
					if s.Name == name {
						spec, found = s, true
						break
					}
				}
				if !found {
					WriteProblem(w, r, http.StatusNotFound, "Unknown collection: "+name)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCollection(r.Context(), spec)))
		})
	}
}
