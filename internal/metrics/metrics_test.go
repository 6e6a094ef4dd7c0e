package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_ExposesRecordedValues(t *testing.T) {
	c := metrics.NewCollector()

	c.JobCreated("alpha")
	c.JobCreated("alpha")
	c.QuotaDenied("ROW_LIMIT_EXCEEDED")
	c.JobStarted()
	c.JobCompleted("alpha", 2*time.Second)
	c.JobStarted()
	c.JobFailed("heuristics", "load", time.Second)
	c.RenderFailed()
	c.StageObserved("discover", 300*time.Millisecond)
	c.InsightsLookup(true)
	c.InsightsLookup(false)

	body := scrape(t, c.Handler())
	assert.Contains(t, body, `procmine_jobs_created_total{method="alpha"} 2`)
	assert.Contains(t, body, `procmine_quota_denied_total{code="ROW_LIMIT_EXCEEDED"} 1`)
	assert.Contains(t, body, `procmine_jobs_completed_total{method="alpha"} 1`)
	assert.Contains(t, body, `procmine_jobs_failed_total{method="heuristics",stage="load"} 1`)
	assert.Contains(t, body, `procmine_render_failures_total 1`)
	assert.Contains(t, body, `procmine_jobs_in_flight 0`)
	assert.Contains(t, body, `procmine_insights_cache_total{result="hit"} 1`)
	assert.Contains(t, body, `procmine_stage_duration_seconds_count{stage="discover"} 1`)
	assert.Contains(t, body, `go_goroutines`)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	a, b := metrics.NewCollector(), metrics.NewCollector()
	a.JobCreated("alpha")
	assert.NotContains(t, scrape(t, b.Handler()), `procmine_jobs_created_total{method="alpha"}`)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.JobCreated("alpha")
		c.QuotaDenied("x")
		c.JobStarted()
		c.JobCompleted("alpha", time.Second)
		c.JobFailed("alpha", "load", time.Second)
		c.RenderFailed()
		c.StageObserved("load", time.Second)
		c.InsightsLookup(true)
	})
}
