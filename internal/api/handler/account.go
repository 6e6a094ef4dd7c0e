package handler

import (
	"context"
	"net/http"

	mw "github.com/kiranshivaraju/procmine/internal/api/middleware"
	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/kiranshivaraju/procmine/internal/jobs"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

// AccountService reports plan limits.
type AccountService interface {
	Limits(ctx context.Context, user *models.User) (*jobs.Limits, error)
}

// NewLimitsHandler returns an http.HandlerFunc for GET /api/v1/account/limits.
func NewLimitsHandler(svc AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		limits, err := svc.Limits(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, limits)
	}
}
