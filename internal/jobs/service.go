// Package jobs accepts mining jobs from API callers, enforces license quotas
// and reports job progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/procmine/internal/cache"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/internal/metrics"
	"github.com/kiranshivaraju/procmine/internal/quota"
	"github.com/kiranshivaraju/procmine/internal/storage"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

const (
	// RedirectURL is returned with finished jobs.
	RedirectURL = "/dashboard/"
	msgQueued   = "Job created, waiting to start..."
)

// Dispatcher starts a created job in the background.
type Dispatcher interface {
	Dispatch(jobID int64) error
}

// CreateJobRequest is a validated-on-entry job submission. File must be
// seekable so the row pre-scan can rewind it.
type CreateJobRequest struct {
	File            io.ReadSeeker
	Filename        string
	Size            int64
	ProjectName     string
	Method          string
	CleaningEnabled bool
}

type CreateJobResult struct {
	JobID       int64  `json:"job_id"`
	ProgressURL string `json:"progress_url"`
}

// Status is the polling payload for one job.
type Status struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	OutputURL    string `json:"output_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ProjectDetail is a project with its most recent job.
type ProjectDetail struct {
	Name      string      `json:"name"`
	LatestJob *models.Job `json:"latest_job"`
	OutputURL string      `json:"output_url,omitempty"`
}

// Limits is the caller's plan and current usage.
type Limits struct {
	LicenseType       string     `json:"license_type"`
	IsPremium         bool       `json:"is_premium"`
	LicenseExpiresAt  *time.Time `json:"license_expires_at,omitempty"`
	MaxLogRows        int        `json:"max_log_rows"`
	MaxProjects       int        `json:"max_projects"`
	AllowedAlgorithms []string   `json:"allowed_algorithms"`
	ProjectsUsed      int        `json:"projects_used"`
	UpgradeURL        string     `json:"upgrade_url,omitempty"`
}

// Options tune a Service.
type Options struct {
	// MaxUploadBytes rejects larger uploads; zero disables the check.
	MaxUploadBytes int64
	Metrics        *metrics.Collector
	Now            func() time.Time
}

// Service is the job API.
type Service struct {
	store      store.Store
	cache      cache.Cache
	blobs      storage.Blob
	dispatcher Dispatcher
	metrics    *metrics.Collector
	maxUpload  int64
	now        func() time.Time
}

// NewService creates a new Service.
func NewService(st store.Store, ca cache.Cache, blobs storage.Blob, d Dispatcher, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      st,
		cache:      ca,
		blobs:      blobs,
		dispatcher: d,
		metrics:    opts.Metrics,
		maxUpload:  opts.MaxUploadBytes,
		now:        now,
	}
}

// ProgressURL is the status endpoint of a job.
func ProgressURL(jobID int64) string {
	return fmt.Sprintf("/jobs/status/%d/", jobID)
}

func (s *Service) validate(req *CreateJobRequest) (eventlog.Format, discovery.Method, error) {
	if req.File == nil || req.Filename == "" {
		return "", "", invalid("file", "No file uploaded")
	}
	if s.maxUpload > 0 && req.Size > s.maxUpload {
		return "", "", &ValidationError{
			Field:    "file",
			Message:  fmt.Sprintf("File exceeds the upload limit of %d bytes", s.maxUpload),
			TooLarge: true,
		}
	}
	format, ok := eventlog.FormatFromFilename(req.Filename)
	if !ok {
		return "", "", invalid("file", "Only .xes and .csv files are supported")
	}

	req.ProjectName = strings.TrimSpace(req.ProjectName)
	if req.ProjectName == "" {
		return "", "", invalid("project_name", "Project name is required")
	}

	if strings.TrimSpace(req.Method) == "" {
		req.Method = string(discovery.MethodAlpha)
	}
	method, ok := discovery.ParseMethod(req.Method)
	if !ok {
		return "", "", invalid("mining_method", "Invalid mining method. Choose from: %s",
			strings.Join(discovery.MethodNames(), ", "))
	}
	return format, method, nil
}

// checkQuota runs the license checks in order: algorithm, project, rows.
// Nothing has been written when it returns.
func (s *Service) checkQuota(ctx context.Context, user *models.User, req CreateJobRequest, format eventlog.Format, method discovery.Method) error {
	now := s.now()
	if err := quota.CheckAlgorithmAccess(user, string(method), now); err != nil {
		return err
	}

	projects, err := s.store.CountDistinctProjects(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("counting projects: %w", err)
	}
	if err := quota.CheckProjectLimit(user, projects, now); err != nil {
		return err
	}

	if format != eventlog.FormatCSV || !quota.NeedsRowCount(user, now) {
		return nil
	}
	rows, scanErr := quota.CountCSVRows(req.File, user.MaxLogRows)
	if _, err := req.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding upload: %w", err)
	}
	if scanErr != nil {
		// The loader reports malformed files once the job runs.
		slog.Warn("row pre-scan failed, skipping row limit", "user_id", user.ID, "error", scanErr)
		return nil
	}
	return quota.CheckRowLimit(user, rows, now)
}

// CreateJob validates the request, applies quotas, stores the upload,
// records a pending job and dispatches it.
func (s *Service) CreateJob(ctx context.Context, user *models.User, req CreateJobRequest) (*CreateJobResult, error) {
	format, method, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	if err := s.checkQuota(ctx, user, req, format, method); err != nil {
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			s.metrics.QuotaDenied(denied.Code)
		}
		return nil, err
	}

	now := s.now().UTC()
	key := storage.UploadKey(now, req.Filename)
	contentType := "text/csv"
	if format == eventlog.FormatXES {
		contentType = "application/xml"
	}
	if err := s.blobs.Put(ctx, key, req.File, req.Size, contentType); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	job := &models.Job{
		UserID:           user.ID,
		ProjectName:      req.ProjectName,
		OriginalFilename: filepath.Base(req.Filename),
		InputKey:         key,
		InputFormat:      string(format),
		CleaningEnabled:  req.CleaningEnabled,
		MiningMethod:     string(method),
		Status:           models.JobStatusPending,
		Message:          msgQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// The project count is taken again under the store's per-user lock so
	// concurrent creates cannot both squeeze under the limit.
	var opts []store.JobCreateOption
	if user.MaxProjects > 0 && !user.IsPremium(s.now()) {
		opts = append(opts, store.WithProjectCheck(func(existing int) error {
			return quota.CheckProjectLimit(user, existing, s.now())
		}))
	}
	if err := s.store.CreateJob(ctx, job, opts...); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.Warn("removing orphaned upload", "key", key, "error", derr)
		}
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			s.metrics.QuotaDenied(denied.Code)
			return nil, err
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.metrics.JobCreated(job.MiningMethod)

	if err := s.dispatcher.Dispatch(job.ID); err != nil {
		slog.Error("dispatching job", "job_id", job.ID, "error", err)
		closeErr := s.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.JobStatusError,
			store.WithErrorMessage(fmt.Sprintf("job could not be started: %v", err)))
		if closeErr != nil {
			slog.Error("closing undispatched job", "job_id", job.ID, "error", closeErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	slog.Info("job created", "job_id", job.ID, "user_id", user.ID, "project", job.ProjectName,
		"method", job.MiningMethod, "format", job.InputFormat)
	return &CreateJobResult{JobID: job.ID, ProgressURL: ProgressURL(job.ID)}, nil
}

// GetStatus returns the job's progress, reading the cached snapshot first.
// Missing and foreign jobs are both ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, user *models.User, jobID int64) (*Status, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.GetJobStatus(ctx, jobID)
		if err != nil {
			slog.Warn("reading cached job status", "job_id", jobID, "error", err)
		}
		if ok {
			if snap.UserID != user.ID {
				return nil, ErrNotFound
			}
			return s.statusFromSnapshot(snap), nil
		}
	}

	job, err := s.store.GetJob(ctx, jobID, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}

	snap := snapshotOf(job)
	// Only terminal states are cached here; the runner owns live snapshots.
	if s.cache != nil && job.IsTerminal() {
		if err := s.cache.SetJobStatus(ctx, job.ID, *snap, cache.TerminalJobTTL); err != nil {
			slog.Warn("caching job status", "job_id", jobID, "error", err)
		}
	}
	return s.statusFromSnapshot(snap), nil
}

func snapshotOf(job *models.Job) *cache.JobSnapshot {
	snap := &cache.JobSnapshot{
		UserID:    job.UserID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		UpdatedAt: job.UpdatedAt,
	}
	if job.ErrorMessage != nil {
		snap.ErrorMessage = *job.ErrorMessage
	}
	if job.OutputImageKey != nil {
		snap.ImageKey = *job.OutputImageKey
	}
	return snap
}

func (s *Service) statusFromSnapshot(snap *cache.JobSnapshot) *Status {
	st := &Status{Status: snap.Status, Progress: snap.Progress, Message: snap.Message}
	switch snap.Status {
	case models.JobStatusDone:
		st.RedirectURL = RedirectURL
		if snap.ImageKey != "" {
			st.OutputURL = s.blobs.URL(snap.ImageKey)
		}
	case models.JobStatusError:
		st.ErrorMessage = snap.ErrorMessage
	}
	return st
}

// ListProjects returns the user's projects, most recently active first.
func (s *Service) ListProjects(ctx context.Context, user *models.User) ([]*models.Project, error) {
	projects, err := s.store.ListProjects(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// GetProject returns the latest job of a project.
func (s *Service) GetProject(ctx context.Context, user *models.User, name string) (*ProjectDetail, error) {
	job, err := s.store.GetLatestProjectJob(ctx, user.ID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	detail := &ProjectDetail{Name: name, LatestJob: job}
	if job.OutputImageKey != nil {
		detail.OutputURL = s.blobs.URL(*job.OutputImageKey)
	}
	return detail, nil
}

// DeleteProject removes every job of the project, then their blobs and
// cached snapshots. Blob and cache cleanup is best-effort.
func (s *Service) DeleteProject(ctx context.Context, user *models.User, name string) error {
	deleted, err := s.store.DeleteProject(ctx, user.ID, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrProjectBusy):
		return ErrProjectBusy
	case err != nil:
		return fmt.Errorf("deleting project: %w", err)
	}

	for _, job := range deleted {
		keys := []string{job.InputKey}
		for _, k := range []*string{job.OutputImageKey, job.ModelKey} {
			if k != nil {
				keys = append(keys, *k)
			}
		}
		for _, key := range keys {
			if key == "" {
				continue
			}
			if err := s.blobs.Delete(ctx, key); err != nil {
				slog.Warn("deleting job blob", "job_id", job.ID, "key", key, "error", err)
			}
		}
		if s.cache != nil {
			if err := s.cache.Delete(ctx, cache.JobStatusKey(job.ID)); err != nil {
				slog.Warn("dropping cached job status", "job_id", job.ID, "error", err)
			}
		}
	}
	slog.Info("project deleted", "user_id", user.ID, "project", name, "jobs", len(deleted))
	return nil
}

// Limits reports the user's plan limits and current project usage.
func (s *Service) Limits(ctx context.Context, user *models.User) (*Limits, error) {
	used, err := s.store.CountDistinctProjects(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("counting projects: %w", err)
	}
	premium := user.IsPremium(s.now())
	l := &Limits{
		LicenseType:       user.LicenseType,
		IsPremium:         premium,
		LicenseExpiresAt:  user.LicenseExpiresAt,
		MaxLogRows:        user.MaxLogRows,
		MaxProjects:       user.MaxProjects,
		AllowedAlgorithms: user.AllowedAlgorithms,
		ProjectsUsed:      used,
	}
	if premium {
		l.MaxLogRows, l.MaxProjects = 0, 0
	}
	if premium || len(l.AllowedAlgorithms) == 0 {
		l.AllowedAlgorithms = discovery.MethodNames()
	}
	if !premium {
		l.UpgradeURL = quota.UpgradeURL
	}
	return l, nil
}
