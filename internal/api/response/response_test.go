package response_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/kiranshivaraju/procmine/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]any{"job_id": 7, "progress_url": "/jobs/status/7/"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(7), data["job_id"])
	assert.Equal(t, "/jobs/status/7/", data["progress_url"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"name": "billing"}, {"name": "orders"}}
	meta := response.PaginationMeta{Page: 1, Limit: 2, Total: 5, HasNext: true}

	response.Collection(w, items, meta)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	m := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), m["page"])
	assert.Equal(t, float64(2), m["limit"])
	assert.Equal(t, float64(5), m["total"])
	assert.Equal(t, true, m["has_next"])
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusForbidden, "ROW_LIMIT_EXCEEDED", "Log size limit exceeded (1,001 rows).", map[string]any{
		"upgrade_url": "/accounts/activate-license/",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "ROW_LIMIT_EXCEEDED", errObj["code"])
	assert.Equal(t, "Log size limit exceeded (1,001 rows).", errObj["message"])
	assert.Equal(t, "/accounts/activate-license/", errObj["details"].(map[string]any)["upgrade_url"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)

	errObj := decode(t, w)["error"].(map[string]any)
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}

func TestInternal_ReportsRootErrorType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/jobs/status/1/", nil)
	_, statErr := os.Stat("/definitely/not/here")

	response.Internal(w, r, fmt.Errorf("getting job: %w", statErr))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "INTERNAL_ERROR", errObj["code"])
	assert.Equal(t, "syscall.Errno", errObj["details"].(map[string]any)["type"])
}
