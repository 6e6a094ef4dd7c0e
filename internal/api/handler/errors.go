package handler

import (
	"errors"
	"net/http"

	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/insights"
	"github.com/kiranshivaraju/procmine/internal/jobs"
	"github.com/kiranshivaraju/procmine/internal/quota"
)

// writeError maps service errors onto HTTP responses. Anything unrecognised
// is a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve     *jobs.ValidationError
		denied *quota.DeniedError
	)
	switch {
	case errors.As(err, &ve):
		if ve.TooLarge {
			response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", ve.Message, map[string]string{"field": ve.Field})
			return
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", ve.Message, map[string]string{"field": ve.Field})
	case errors.As(err, &denied):
		response.Error(w, http.StatusForbidden, denied.Code, denied.Message, quotaDetails(denied))
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, insights.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, jobs.ErrProjectBusy):
		response.Error(w, http.StatusConflict, "PROJECT_BUSY", "Project has jobs that are still running", nil)
	case errors.Is(err, insights.ErrJobNotReady):
		response.Error(w, http.StatusConflict, "JOB_NOT_READY", "Job has not finished successfully", nil)
	case errors.Is(err, insights.ErrUnknownActivity), errors.Is(err, insights.ErrUnknownCase):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "The job runner is not accepting jobs", nil)
	default:
		response.Internal(w, r, err)
	}
}

func quotaDetails(d *quota.DeniedError) map[string]any {
	details := map[string]any{"upgrade_url": quota.UpgradeURL}
	if len(d.Permitted) > 0 {
		details["permitted_algorithms"] = d.Permitted
	}
	if d.Limit > 0 {
		details["limit"] = d.Limit
		details["observed"] = d.Observed
	}
	return details
}
