package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	// Metrics serves /metrics. Media serves /media/* for the local blob
	// backend and is nil otherwise.
	Metrics http.Handler
	Media   http.Handler

	HealthHandler        http.HandlerFunc
	CreateJobHandler     http.HandlerFunc
	JobStatusHandler     http.HandlerFunc
	ListProjectsHandler  http.HandlerFunc
	GetProjectHandler    http.HandlerFunc
	DeleteProjectHandler http.HandlerFunc
	ModelHandler         http.HandlerFunc
	ConformanceHandler   http.HandlerFunc
	PredictHandler       http.HandlerFunc
	LimitsHandler        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Media != nil {
		r.Method(http.MethodGet, "/media/*", deps.Media)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/jobs/create/", orNotImplemented(deps.CreateJobHandler))
		r.Get("/jobs/status/{jobID}/", orNotImplemented(deps.JobStatusHandler))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/projects", orNotImplemented(deps.ListProjectsHandler))
			r.Get("/projects/{name}", orNotImplemented(deps.GetProjectHandler))
			r.Delete("/projects/{name}", orNotImplemented(deps.DeleteProjectHandler))

			r.Get("/jobs/{jobID}/model", orNotImplemented(deps.ModelHandler))
			r.Get("/jobs/{jobID}/conformance", orNotImplemented(deps.ConformanceHandler))
			r.Post("/jobs/{jobID}/predict", orNotImplemented(deps.PredictHandler))

			r.Get("/account/limits", orNotImplemented(deps.LimitsHandler))
		})
	})

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
