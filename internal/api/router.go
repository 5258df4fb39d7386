// Package api exposes the HTTP control surface: job submission and status
// polling. All processing happens asynchronously in workers; the API only
// publishes messages and reads state.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/rob634/rmhgeoapi-sub017/internal/api/middleware"
	"github.com/rob634/rmhgeoapi-sub017/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler    http.HandlerFunc
	SubmitJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	ListTasksHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
	r.Get("/api/v1/jobs/{jobID}/tasks", orNotImplemented(deps.ListTasksHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
