// Package metrics exposes pipeline and API counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every procmine metric. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsCreated    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	quotaDenied    *prometheus.CounterVec
	renderFailures prometheus.Counter
	jobDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	jobsInFlight   prometheus.Gauge
	insightsCache  *prometheus.CounterVec
}

// NewCollector registers the metrics on a fresh registry together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		jobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procmine_jobs_created_total",
			Help: "Jobs accepted by the API.",
		}, []string{"method"}),
		jobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procmine_jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"method"}),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procmine_jobs_failed_total",
			Help: "Jobs that ended in the error state, by failing stage.",
		}, []string{"method", "stage"}),
		quotaDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procmine_quota_denied_total",
			Help: "Job submissions refused by a license quota.",
		}, []string{"code"}),
		renderFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "procmine_render_failures_total",
			Help: "Process map renderings that failed; the job still completes.",
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procmine_job_duration_seconds",
			Help:    "Wall time from job start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"method", "status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procmine_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "procmine_jobs_in_flight",
			Help: "Jobs currently executing.",
		}),
		insightsCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procmine_insights_cache_total",
			Help: "Insights artifact lookups by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobCreated(method string) {
	if c == nil {
		return
	}
	c.jobsCreated.WithLabelValues(method).Inc()
}

func (c *Collector) QuotaDenied(code string) {
	if c == nil {
		return
	}
	c.quotaDenied.WithLabelValues(code).Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

func (c *Collector) JobCompleted(method string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsCompleted.WithLabelValues(method).Inc()
	c.jobDuration.WithLabelValues(method, "done").Observe(elapsed.Seconds())
}

func (c *Collector) JobFailed(method, stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsFailed.WithLabelValues(method, stage).Inc()
	c.jobDuration.WithLabelValues(method, "error").Observe(elapsed.Seconds())
}

func (c *Collector) StageObserved(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collector) RenderFailed() {
	if c == nil {
		return
	}
	c.renderFailures.Inc()
}

func (c *Collector) InsightsLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.insightsCache.WithLabelValues(result).Inc()
}
