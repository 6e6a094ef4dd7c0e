package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/conformance"
	"github.com/kiranshivaraju/procmine/internal/insights"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

// InsightService is what the model, conformance and predict handlers depend on.
type InsightService interface {
	Model(ctx context.Context, user *models.User, jobID int64) (io.ReadCloser, *models.Job, error)
	Conformance(ctx context.Context, user *models.User, jobID int64) (*conformance.Result, error)
	Predict(ctx context.Context, user *models.User, jobID int64, req insights.PredictRequest) (*insights.Prediction, error)
}

// NewModelHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/model.
// The PNML document is streamed as an attachment.
func NewModelHandler(svc InsightService) http.HandlerFunc {
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

		rc, job, err := svc.Model(r.Context(), user, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="%s_job_%d.pnml"`, job.MiningMethod, job.ID))
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("streaming model", "job_id", job.ID, "error", err)
		}
	}
}

// NewConformanceHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/conformance.
func NewConformanceHandler(svc InsightService) http.HandlerFunc {
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

		result, err := svc.Conformance(r.Context(), user, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewPredictHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/predict.
func NewPredictHandler(svc InsightService) http.HandlerFunc {
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

		var req insights.PredictRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		prediction, err := svc.Predict(r.Context(), user, jobID, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, prediction)
	}
}
