// Package api wires the chi router for the v2 API surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/sner-project/sner/internal/api/middleware"
	"github.com/sner-project/sner/internal/api/response"
	"github.com/sner-project/sner/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	JobAssignHandler http.HandlerFunc
	JobOutputHandler http.HandlerFunc
	StatsHandler     http.HandlerFunc

	StorageHostHandler        http.HandlerFunc
	StorageRangeHandler       http.HandlerFunc
	StorageServicelistHandler http.HandlerFunc
	StorageNotelistHandler    http.HandlerFunc
	StorageVersioninfoHandler http.HandlerFunc
	StorageVulnsearchHandler  http.HandlerFunc
}

// NewRouter builds the chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v2/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// agent wire
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RoleAgent, models.RoleOperator))

			r.Post("/api/v2/scheduler/job/assign", orNotImplemented(deps.JobAssignHandler))
			r.Post("/api/v2/scheduler/job/output", orNotImplemented(deps.JobOutputHandler))
		})

		// observability
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RoleUser, models.RoleOperator))

			r.Get("/api/v2/stats/prometheus", orNotImplemented(deps.StatsHandler))

			r.Post("/api/v2/public/storage/host", orNotImplemented(deps.StorageHostHandler))
			r.Post("/api/v2/public/storage/range", orNotImplemented(deps.StorageRangeHandler))
			r.Post("/api/v2/public/storage/servicelist", orNotImplemented(deps.StorageServicelistHandler))
			r.Post("/api/v2/public/storage/notelist", orNotImplemented(deps.StorageNotelistHandler))
			r.Post("/api/v2/public/storage/versioninfo", orNotImplemented(deps.StorageVersioninfoHandler))
			r.Post("/api/v2/public/storage/vulnsearch", orNotImplemented(deps.StorageVulnsearchHandler))
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
		response.Error(w, http.StatusNotImplemented, "not implemented")
	}
}
