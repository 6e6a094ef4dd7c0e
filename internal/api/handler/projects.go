package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/jobs"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ProjectService is what the project handlers depend on.
type ProjectService interface {
	ListProjects(ctx context.Context, user *models.User) ([]*models.Project, error)
	GetProject(ctx context.Context, user *models.User, name string) (*jobs.ProjectDetail, error)
	DeleteProject(ctx context.Context, user *models.User, name string) error
}

// NewListProjectsHandler returns an http.HandlerFunc for GET /api/v1/projects.
// Results are paged with ?page= and ?limit=.
func NewListProjectsHandler(svc ProjectService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		page := queryInt(r, "page", 1)
		limit := queryInt(r, "limit", defaultPageSize)
		if limit > maxPageSize {
			limit = maxPageSize
		}

		projects, err := svc.ListProjects(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}

		start := min((page-1)*limit, len(projects))
		end := min(start+limit, len(projects))
		response.Collection(w, projects[start:end], response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   len(projects),
			HasNext: end < len(projects),
		})
	}
}

// NewGetProjectHandler returns an http.HandlerFunc for GET /api/v1/projects/{name}.
func NewGetProjectHandler(svc ProjectService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		detail, err := svc.GetProject(r.Context(), user, chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewDeleteProjectHandler returns an http.HandlerFunc for DELETE /api/v1/projects/{name}.
func NewDeleteProjectHandler(svc ProjectService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		if err := svc.DeleteProject(r.Context(), user, chi.URLParam(r, "name")); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
