package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/internal/cache"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/kiranshivaraju/procmine/internal/storage"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

var (
	ErrAlreadyDispatched = errors.New("job already dispatched")
	ErrClosed            = errors.New("runner is shut down")
)

// Runner executes jobs in background goroutines. Each job id is run at most
// once per process.
type Runner struct {
	store   store.Store
	cache   cache.Cache
	blobs   storage.Blob
	stages  *Stages
	metrics *metrics.Collector
	timeout time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[int64]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Options tune a Runner.
type Options struct {
	// JobTimeout bounds a single job; zero means no limit.
	JobTimeout time.Duration
	Metrics    *metrics.Collector
	// Now is the clock used for output keys and cache snapshots.
	Now func() time.Time
}

// NewRunner creates a Runner. Shutdown must be called to stop it.
func NewRunner(st store.Store, ca cache.Cache, blobs storage.Blob, stages *Stages, opts Options) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		store:    st,
		cache:    ca,
		blobs:    blobs,
		stages:   stages,
		metrics:  opts.Metrics,
		timeout:  opts.JobTimeout,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[int64]struct{}{},
	}
}

// Dispatch starts the job in the background and returns immediately.
func (r *Runner) Dispatch(jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.inflight[jobID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyDispatched, jobID)
	}
	r.inflight[jobID] = struct{}{}
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, jobID)
			r.mu.Unlock()
		}()
		if err := r.Run(r.ctx, jobID); err != nil {
			slog.Error("job run failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// InFlight reports how many jobs are executing.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Shutdown refuses new jobs, cancels running ones and waits for them to
// record their final state or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Run executes one job synchronously. The returned error is for logging;
// the job's own outcome is always recorded in the store. A job that is no
// longer pending is left untouched.
func (r *Runner) Run(ctx context.Context, jobID int64) (err error) {
	job, err := r.store.GetJobByID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.closeOut(&models.Job{ID: jobID}, &StageError{Stage: StageStart, Err: err}, slog.With("job_id", jobID))
		}
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	logger := slog.With("job_id", jobID, "method", job.MiningMethod)

	start := time.Now()
	stage, started := StageStart, false
	defer func() {
		if rec := recover(); rec != nil {
			se := &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", rec), Stack: debug.Stack()}
			if started {
				r.fail(job, se, start, logger)
			} else {
				r.closeOut(job, se, logger)
			}
			err = se
		}
	}()

	if err := r.store.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, store.WithProgress(10, MsgLoading)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("start job %d: %w", jobID, err)
		}
		se := &StageError{Stage: StageStart, Err: err}
		r.closeOut(job, se, logger)
		return se
	}
	started = true
	r.metrics.JobStarted()
	r.snapshot(ctx, job, models.JobStatusRunning, 10, MsgLoading, "", "")
	logger.Info("job started", "project", job.ProjectName, "format", job.InputFormat, "cleaning", job.CleaningEnabled)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	stage = StageLoad

	in := Input{
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return r.blobs.Get(ctx, job.InputKey)
		},
		Filename: job.OriginalFilename,
		Format:   eventlog.Format(job.InputFormat),
		Method:   discovery.Method(job.MiningMethod),
		Clean:    job.CleaningEnabled,
	}
	report := func(ctx context.Context, progress int, message string) error {
		if err := r.store.UpdateJobProgress(ctx, jobID, progress, message); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		r.snapshot(ctx, job, models.JobStatusRunning, progress, message, "", "")
		return nil
	}

	out, err := r.stages.Execute(ctx, in, report)
	stage = StagePersist
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Stage: StagePersist, Err: err}
		}
		r.fail(job, se, start, logger)
		return se
	}
	if out.RenderErr != nil {
		logger.Warn("rendering failed, completing without image", "error", out.RenderErr)
	}

	if err := r.persist(ctx, job, out); err != nil {
		se := &StageError{Stage: StagePersist, Err: err}
		r.fail(job, se, start, logger)
		return se
	}

	r.metrics.JobCompleted(job.MiningMethod, time.Since(start))
	logger.Info("job completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"events", out.Stats.NumEvents,
		"cases", out.Stats.NumCases,
		"has_image", out.Image != nil)
	return nil
}

func (r *Runner) persist(ctx context.Context, job *models.Job, out *Output) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	modelKey := storage.ModelKey(created, job.MiningMethod, job.ID)
	if err := r.blobs.Put(ctx, modelKey, bytes.NewReader(out.PNML), int64(len(out.PNML)), "application/xml"); err != nil {
		return fmt.Errorf("store model: %w", err)
	}
	outputs := models.JobOutputs{ModelKey: &modelKey, Stats: out.Stats}

	if out.Image != nil {
		format := string(out.ImageFormat)
		imageKey := storage.ImageKey(created, job.MiningMethod, job.ID, format)
		if err := r.blobs.Put(ctx, imageKey, bytes.NewReader(out.Image), int64(len(out.Image)), out.ImageFormat.ContentType()); err != nil {
			slog.Warn("storing process map failed, completing without image", "job_id", job.ID, "error", err)
			r.metrics.RenderFailed()
		} else {
			outputs.ImageKey = &imageKey
			outputs.ImageFormat = &format
		}
	}

	if err := r.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.JobStatusDone, store.WithOutputs(outputs)); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	imageKey := ""
	if outputs.ImageKey != nil {
		imageKey = *outputs.ImageKey
	}
	r.snapshot(context.WithoutCancel(ctx), job, models.JobStatusDone, 100, MsgComplete, "", imageKey)
	return nil
}

// fail records a job that failed after it started running.
func (r *Runner) fail(job *models.Job, se *StageError, start time.Time, logger *slog.Logger) {
	r.metrics.JobFailed(job.MiningMethod, se.Stage, time.Since(start))
	r.closeOut(job, se, logger)
}

// closeOut records the terminal error state. It runs detached from the job
// context so cancelled or timed-out jobs still get closed out.
func (r *Runner) closeOut(job *models.Job, se *StageError, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
	defer cancel()

	detail := se.Detail()
	if errors.Is(se.Err, context.Canceled) || errors.Is(se.Err, context.DeadlineExceeded) {
		detail = fmt.Sprintf("job cancelled: %s", detail)
	}
	logger.Error("job failed", "stage", se.Stage, "error", se.Err)

	if err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusError, store.WithErrorMessage(detail)); err != nil {
		logger.Error("recording job failure", "error", err)
		return
	}
	if job.UserID == uuid.Nil {
		// Owner unknown; let status reads fall through to the store.
		r.forget(ctx, job.ID)
		return
	}
	r.snapshot(ctx, job, models.JobStatusError, 0, "Processing failed", detail, "")
}

// Recover closes out jobs left pending or running by a previous process.
// It must run before the first Dispatch.
func (r *Runner) Recover(ctx context.Context) ([]int64, error) {
	ids, err := r.store.FailStaleJobs(ctx, MsgInterrupted)
	if err != nil {
		return nil, fmt.Errorf("failing stale jobs: %w", err)
	}
	for _, id := range ids {
		r.forget(ctx, id)
	}
	if len(ids) > 0 {
		slog.Warn("closed out interrupted jobs", "count", len(ids), "job_ids", ids)
	}
	return ids, nil
}

// snapshot mirrors a checkpoint into the status cache. Cache failures are
// logged only; the store remains the source of truth. A terminal snapshot
// that cannot be written drops the cached entry so the previous running
// snapshot is not served in its place.
func (r *Runner) snapshot(ctx context.Context, job *models.Job, status string, progress int, message, errMsg, imageKey string) {
	if r.cache == nil {
		return
	}
	terminal := status == models.JobStatusDone || status == models.JobStatusError
	ttl := cache.ActiveJobTTL
	if terminal {
		ttl = cache.TerminalJobTTL
	}
	snap := cache.JobSnapshot{
		UserID:       job.UserID,
		Status:       status,
		Progress:     progress,
		Message:      message,
		ErrorMessage: errMsg,
		ImageKey:     imageKey,
		UpdatedAt:    r.now().UTC(),
	}
	if err := r.cache.SetJobStatus(ctx, job.ID, snap, ttl); err != nil {
		slog.Warn("caching job status failed", "job_id", job.ID, "error", err)
		if terminal {
			r.forget(ctx, job.ID)
		}
	}
}

func (r *Runner) forget(ctx context.Context, jobID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cache.JobStatusKey(jobID)); err != nil {
		slog.Error("dropping cached job status failed", "job_id", jobID, "error", err)
	}
}
