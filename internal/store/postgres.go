package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

const userColumns = `id, username, license_type, license_expires_at, max_log_rows, max_projects, allowed_algorithms, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.LicenseType, &u.LicenseExpiresAt, &u.MaxLogRows,
		&u.MaxProjects, &u.AllowedAlgorithms, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	algorithms := u.AllowedAlgorithms
	if algorithms == nil {
		algorithms = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Username, u.LicenseType, u.LicenseExpiresAt, u.MaxLogRows, u.MaxProjects,
		algorithms, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at`

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, user_id, project_name, original_filename, input_key, input_format,
	cleaning_enabled, mining_method, status, progress, message, error_message,
	output_image_key, output_image_format, model_key,
	num_events, num_cases, num_activities, num_places, num_transitions, num_arcs,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ProjectName, &j.OriginalFilename, &j.InputKey, &j.InputFormat,
		&j.CleaningEnabled, &j.MiningMethod, &j.Status, &j.Progress, &j.Message, &j.ErrorMessage,
		&j.OutputImageKey, &j.OutputFormat, &j.ModelKey,
		&j.Stats.NumEvents, &j.Stats.NumCases, &j.Stats.NumActivities,
		&j.Stats.NumPlaces, &j.Stats.NumTransitions, &j.Stats.NumArcs,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateJob inserts a pending job and fills in its generated id. With a
// project check the insert runs in a transaction holding an advisory lock
// on the owner, so concurrent creates for one user see each other's projects.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, opts ...JobCreateOption) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	params := ApplyJobCreateOptions(opts...)
	if params.ProjectCheck == nil {
		return insertJob(ctx, s.pool, job)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, job.UserID.String()); err != nil {
		return fmt.Errorf("lock user projects: %w", err)
	}
	n, err := countProjects(ctx, tx, job.UserID)
	if err != nil {
		return err
	}
	if err := params.ProjectCheck(n); err != nil {
		return err
	}
	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, q querier, job *models.Job) error {
	err := q.QueryRow(ctx,
		`INSERT INTO jobs (user_id, project_name, original_filename, input_key, input_format,
		   cleaning_enabled, mining_method, status, progress, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		job.UserID, job.ProjectName, job.OriginalFilename, job.InputKey, job.InputFormat,
		job.CleaningEnabled, job.MiningMethod, job.Status, job.Progress, job.Message,
		job.CreatedAt, job.UpdatedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64, userID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// validTransitions maps a target status to the statuses it may be entered from.
var validTransitions = map[string][]string{
	models.JobStatusRunning: {models.JobStatusPending},
	models.JobStatusDone:    {models.JobStatusRunning},
	models.JobStatusError:   {models.JobStatusPending, models.JobStatusRunning},
}

// UpdateJobStatus moves a job to status. The predecessor check happens in
// the UPDATE itself, so of two concurrent callers exactly one wins and the
// other gets ErrInvalidTransition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts...)

	from, ok := validTransitions[status]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	sets := []string{"status = $3", "updated_at = $4"}
	args := []any{id, from, status, now}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	switch status {
	case models.JobStatusRunning:
		add("started_at", now)
		if params.Progress != nil {
			add("progress", *params.Progress)
			add("message", *params.Message)
		}
	case models.JobStatusDone:
		msg := "Processing complete!"
		if params.Message != nil {
			msg = *params.Message
		}
		add("progress", 100)
		add("message", msg)
		add("completed_at", now)
		if out := params.Outputs; out != nil {
			add("output_image_key", out.ImageKey)
			add("output_image_format", out.ImageFormat)
			add("model_key", out.ModelKey)
			add("num_events", out.Stats.NumEvents)
			add("num_cases", out.Stats.NumCases)
			add("num_activities", out.Stats.NumActivities)
			add("num_places", out.Stats.NumPlaces)
			add("num_transitions", out.Stats.NumTransitions)
			add("num_arcs", out.Stats.NumArcs)
		}
	case models.JobStatusError:
		if params.ErrorMessage == nil || strings.TrimSpace(*params.ErrorMessage) == "" {
			return errors.New("update job status: error status requires an error message")
		}
		add("progress", 0)
		add("message", "Processing failed")
		add("error_message", *params.ErrorMessage)
		add("completed_at", now)
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = ANY($2)`
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, status)
}

// UpdateJobProgress records a checkpoint of a running job. Progress never
// moves backwards.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id int64, progress int, message string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("update job progress: %d out of range", progress)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2, message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND progress <= $2`, id, progress, message)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, fmt.Sprintf("progress %d", progress))
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, detail string) ([]int64, error) {
	if strings.TrimSpace(detail) == "" {
		return nil, errors.New("fail stale jobs: error message required")
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'error', progress = 0, message = 'Processing failed',
		   error_message = $1, completed_at = $2, updated_at = $2
		 WHERE status IN ('pending', 'running')
		 RETURNING id`, detail, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *PostgresStore) explainMiss(ctx context.Context, id int64, target string) error {
	var current string
	var progress int
	err := s.pool.QueryRow(ctx, `SELECT status, progress FROM jobs WHERE id = $1`, id).Scan(&current, &progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s (progress %d) -> %s", ErrInvalidTransition, current, progress, target)
}

// --- Projects ---

func (s *PostgresStore) CountDistinctProjects(ctx context.Context, userID uuid.UUID) (int, error) {
	return countProjects(ctx, s.pool, userID)
}

func countProjects(ctx context.Context, q querier, userID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(DISTINCT project_name) FROM jobs WHERE user_id = $1 AND project_name <> ''`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// ListProjects returns the user's projects, most recently active first.
func (s *PostgresStore) ListProjects(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (project_name)
		   project_name, id, status,
		   COUNT(*) OVER (PARTITION BY project_name),
		   MAX(updated_at) OVER (PARTITION BY project_name)
		 FROM jobs
		 WHERE user_id = $1 AND project_name <> ''
		 ORDER BY project_name, created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.Name, &p.LatestJobID, &p.LatestStatus, &p.JobCount, &p.LastActivity); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].LastActivity.After(projects[j].LastActivity)
	})
	return projects, nil
}

func (s *PostgresStore) GetLatestProjectJob(ctx context.Context, userID uuid.UUID, project string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND project_name = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, userID, project))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest project job: %w", err)
	}
	return j, nil
}

// DeleteProject removes every job of the project and returns them so the
// caller can clean up their blobs. Projects with pending or running jobs are
// refused with ErrProjectBusy.
func (s *PostgresStore) DeleteProject(ctx context.Context, userID uuid.UUID, project string) ([]*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete project: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND project_name = $2 FOR UPDATE`, userID, project)
	if err != nil {
		return nil, fmt.Errorf("lock project jobs: %w", err)
	}
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	for _, j := range jobs {
		if !j.IsTerminal() {
			return nil, ErrProjectBusy
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE user_id = $1 AND project_name = $2`, userID, project); err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit delete project: %w", err)
	}
	return jobs, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
