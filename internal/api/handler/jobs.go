package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/jobs"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

// formOverhead is the room left for the non-file form fields.
const formOverhead = 1 << 20

// JobService is what the job handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, user *models.User, req jobs.CreateJobRequest) (*jobs.CreateJobResult, error)
	GetStatus(ctx context.Context, user *models.User, jobID int64) (*jobs.Status, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /jobs/create/.
func NewCreateJobHandler(svc JobService, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+formOverhead)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
					"Upload exceeds the size limit", map[string]int64{"limit_bytes": maxUploadBytes})
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form upload", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		req := jobs.CreateJobRequest{
			ProjectName:     r.FormValue("project_name"),
			Method:          r.FormValue("mining_method"),
			CleaningEnabled: formBool(r.FormValue("cleaning_enabled")),
		}
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			req.File, req.Filename, req.Size = file, header.Filename, header.Size
		case !errors.Is(err, http.ErrMissingFile):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable file upload", nil)
			return
		}

		result, err := svc.CreateJob(r.Context(), user, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /jobs/status/{jobID}/.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}

		status, err := svc.GetStatus(r.Context(), user, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, status)
	}
}

func jobIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	return id, err == nil && id > 0
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "on", "yes":
		return true
	}
	return false
}
