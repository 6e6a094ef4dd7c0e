package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrProjectBusy       = errors.New("project has jobs in progress")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job, opts ...JobCreateOption) error
	// GetJob is scoped to the owner: a foreign job is ErrNotFound.
	GetJob(ctx context.Context, id int64, userID uuid.UUID) (*models.Job, error)
	// GetJobByID is unscoped and meant for the pipeline runner only.
	GetJobByID(ctx context.Context, id int64) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id int64, progress int, message string) error
	// FailStaleJobs closes out every pending or running job with detail as
	// the error message and returns their ids. It is meant for startup, when
	// no runner can still own those jobs.
	FailStaleJobs(ctx context.Context, detail string) ([]int64, error)

	CountDistinctProjects(ctx context.Context, userID uuid.UUID) (int, error)
	ListProjects(ctx context.Context, userID uuid.UUID) ([]*models.Project, error)
	GetLatestProjectJob(ctx context.Context, userID uuid.UUID, project string) (*models.Job, error)
	DeleteProject(ctx context.Context, userID uuid.UUID, project string) ([]*models.Job, error)
}

// JobCreate collects the optional checks of CreateJob.
type JobCreate struct {
	ProjectCheck func(existingProjects int) error
}

type JobCreateOption func(*JobCreate)

// ApplyJobCreateOptions folds opts into a JobCreate.
func ApplyJobCreateOptions(opts ...JobCreateOption) JobCreate {
	var c JobCreate
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithProjectCheck makes CreateJob count the owner's distinct projects while
// holding a per-user lock and hand the count to check. A non-nil result
// aborts the insert and is returned as is.
func WithProjectCheck(check func(existingProjects int) error) JobCreateOption {
	return func(c *JobCreate) {
		c.ProjectCheck = check
	}
}

// JobUpdate collects the optional fields of a status change.
type JobUpdate struct {
	Progress     *int
	Message      *string
	ErrorMessage *string
	Outputs      *models.JobOutputs
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions folds opts into a JobUpdate. Store implementations
// call it to read the requested changes.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithProgress(progress int, message string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Progress = &progress
		p.Message = &message
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithOutputs(out models.JobOutputs) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Outputs = &out
	}
}
