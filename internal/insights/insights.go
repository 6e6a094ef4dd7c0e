// Package insights answers conformance and prediction queries against
// finished jobs. Per-job artifacts are built on first use and kept in a
// bounded cache.
package insights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kiranshivaraju/procmine/internal/conformance"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/kiranshivaraju/procmine/internal/pipeline"
	"github.com/kiranshivaraju/procmine/internal/storage"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"github.com/kiranshivaraju/procmine/pkg/petri"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrJobNotReady     = errors.New("job is not finished")
	ErrUnknownActivity = errors.New("activity does not occur in the log")
	ErrUnknownCase     = errors.New("case does not occur in the log")
)

// buildTimeout bounds one artifact build, which outlives the request that
// started it.
const buildTimeout = 2 * time.Minute

// Artifact is everything derived from one finished job.
type Artifact struct {
	Net         *petri.Net
	Traces      []eventlog.Trace
	Conformance conformance.Result
	Predictor   *Predictor
}

// Prediction answers a predict query.
type Prediction struct {
	CaseID                string   `json:"case_id,omitempty"`
	Prefix                []string `json:"prefix"`
	PredictedNextActivity string   `json:"predicted_next_activity"`
	TopPredictions        []Ranked `json:"top_predictions"`
	RemainingSeconds      *float64 `json:"predicted_remaining_time_seconds,omitempty"`
	RemainingHours        *float64 `json:"predicted_remaining_time_hours,omitempty"`
	PredictedOutcome      string   `json:"predicted_outcome"`
	OutcomeDistribution   []Ranked `json:"outcome_distribution"`
}

// PredictRequest names either an explicit activity prefix or a case of the
// job's log whose activities are used as the prefix.
type PredictRequest struct {
	Prefix []string `json:"prefix"`
	CaseID string   `json:"case_id"`
}

type Service struct {
	store   store.Store
	blobs   storage.Blob
	stages  *pipeline.Stages
	metrics *metrics.Collector

	artifacts *lru.Cache[int64, *Artifact]
	builds    singleflight.Group
}

// NewService creates a Service caching up to size artifacts.
func NewService(st store.Store, blobs storage.Blob, stages *pipeline.Stages, size int, m *metrics.Collector) (*Service, error) {
	if size <= 0 {
		size = 1
	}
	artifacts, err := lru.New[int64, *Artifact](size)
	if err != nil {
		return nil, fmt.Errorf("creating artifact cache: %w", err)
	}
	return &Service{store: st, blobs: blobs, stages: stages, metrics: m, artifacts: artifacts}, nil
}

// finishedJob loads the user's job and requires it to be done.
func (s *Service) finishedJob(ctx context.Context, user *models.User, jobID int64) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job.Status != models.JobStatusDone {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotReady, job.ID, job.Status)
	}
	if job.ModelKey == nil {
		return nil, fmt.Errorf("%w: job %d has no stored model", ErrJobNotReady, job.ID)
	}
	return job, nil
}

// Model opens the PNML model of a finished job.
func (s *Service) Model(ctx context.Context, user *models.User, jobID int64) (io.ReadCloser, *models.Job, error) {
	job, err := s.finishedJob(ctx, user, jobID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Get(ctx, *job.ModelKey)
	if err != nil {
		return nil, nil, fmt.Errorf("opening model: %w", err)
	}
	return rc, job, nil
}

// Conformance replays the job's log on its discovered model.
func (s *Service) Conformance(ctx context.Context, user *models.User, jobID int64) (*conformance.Result, error) {
	job, err := s.finishedJob(ctx, user, jobID)
	if err != nil {
		return nil, err
	}
	a, err := s.artifact(ctx, job)
	if err != nil {
		return nil, err
	}
	res := a.Conformance
	return &res, nil
}

// Predict estimates how a case continues after the given prefix.
func (s *Service) Predict(ctx context.Context, user *models.User, jobID int64, req PredictRequest) (*Prediction, error) {
	job, err := s.finishedJob(ctx, user, jobID)
	if err != nil {
		return nil, err
	}
	a, err := s.artifact(ctx, job)
	if err != nil {
		return nil, err
	}

	prefix := make([]string, 0, len(req.Prefix))
	for _, act := range req.Prefix {
		prefix = append(prefix, strings.TrimSpace(act))
	}
	if req.CaseID != "" {
		tr, ok := lo.Find(a.Traces, func(tr eventlog.Trace) bool { return tr.CaseID == req.CaseID })
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCase, req.CaseID)
		}
		prefix = tr.Activities()
	}
	if len(prefix) > 0 && !a.Predictor.Known(last(prefix)) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActivity, last(prefix))
	}

	p := &Prediction{
		CaseID:              req.CaseID,
		Prefix:              prefix,
		TopPredictions:      a.Predictor.NextActivities(prefix),
		OutcomeDistribution: a.Predictor.Outcomes(prefix),
	}
	if len(p.TopPredictions) > 0 {
		p.PredictedNextActivity = p.TopPredictions[0].Activity
	}
	if len(p.OutcomeDistribution) > 0 {
		p.PredictedOutcome = p.OutcomeDistribution[0].Activity
	}
	if d, ok := a.Predictor.RemainingTime(prefix); ok {
		secs, hours := d.Seconds(), d.Hours()
		p.RemainingSeconds, p.RemainingHours = &secs, &hours
	}
	return p, nil
}

// artifact returns the cached artifact or builds it once, however many
// callers ask concurrently. A caller whose ctx ends stops waiting; the build
// carries on for the others.
func (s *Service) artifact(ctx context.Context, job *models.Job) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a, ok := s.artifacts.Get(job.ID); ok {
		s.metrics.InsightsLookup(true)
		return a, nil
	}
	s.metrics.InsightsLookup(false)

	ch := s.builds.DoChan(strconv.FormatInt(job.ID, 10), func() (any, error) {
		if a, ok := s.artifacts.Get(job.ID); ok {
			return a, nil
		}
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		a, err := s.build(bctx, job)
		if err != nil {
			return nil, err
		}
		s.artifacts.Add(job.ID, a)
		return a, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) build(ctx context.Context, job *models.Job) (*Artifact, error) {
	start := time.Now()

	rc, err := s.blobs.Get(ctx, *job.ModelKey)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	net, err := petri.DecodePNML(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}

	traces, err := s.stages.Traces(ctx, pipeline.Input{
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return s.blobs.Get(ctx, job.InputKey)
		},
		Filename: job.OriginalFilename,
		Format:   eventlog.Format(job.InputFormat),
		Method:   discovery.Method(job.MiningMethod),
		Clean:    job.CleaningEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("loading log: %w", err)
	}

	a := &Artifact{
		Net:         net,
		Traces:      traces,
		Conformance: conformance.Replay(net, traces),
		Predictor:   NewPredictor(traces),
	}
	slog.Info("insights artifact built", "job_id", job.ID, "cases", len(traces),
		"fitness", a.Conformance.Fitness, "duration_ms", time.Since(start).Milliseconds())
	return a, nil
}
