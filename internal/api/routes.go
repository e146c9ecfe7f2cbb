package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the local control API router. Everything under /api/v1
// requires the bearer key when one is configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if h.apiKey != "" {
			r.Use(AuthMiddleware(h.apiKey))
		}

		r.Get("/status", h.Status)
		r.Get("/stats", h.Stats)
		r.Post("/sync", h.Sync)
		r.Post("/offline/enable", h.EnableOffline)
		r.Post("/offline/disable", h.DisableOffline)
		r.Delete("/data", h.ClearData)

		r.Route("/mutations", func(r chi.Router) {
			r.Get("/", h.ListMutations)
			r.Post("/", h.EnqueueMutation)
			r.Post("/cleanup", h.CleanupMutations)
			r.Post("/{id}/requeue", h.RequeueMutation)
		})

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Use(CollectionMiddleware(h.engine))
			r.Get("/", h.GetCollection)
			r.Put("/", h.CacheCollection)
			r.Post("/merge", h.MergeCollection)
			r.Post("/records", h.WriteRecord)
			r.Get("/index/{index}/{value}", h.GetByIndex)
			r.Get("/{id}", h.GetRecord)
		})
	})

	return r
}
