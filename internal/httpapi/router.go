// Package httpapi assembles the renderq HTTP surface.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderq/internal/httpapi/handlers"
	"renderq/internal/pkg/logger"
	"renderq/internal/pkg/middleware"
)

type Deps struct {
	Handlers handlers.Deps
	// Throttle is the per-client ingress limiter. Nil disables it.
	Throttle *middleware.LimiterStore
	Log      *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH ----
	r.Get("/health", wrap(h.Health))

	r.Group(func(r chi.Router) {
		if d.Throttle != nil {
			r.Use(middleware.Throttle(d.Throttle))
		}

		// ---- JOBS ----
		r.Post("/jobs", wrap(h.PostJob))

		// ---- CALLERS ----
		r.Get("/callers/{callerId}/position", wrap(h.GetPosition))
		r.Get("/callers/{callerId}/jobs", wrap(h.ListCallerJobs))

		// ---- ARTIFACTS ----
		r.Get("/artifacts/*", wrap(h.StreamArtifact))

		r.Get("/stats", wrap(h.Stats))
	})

	return r
}
