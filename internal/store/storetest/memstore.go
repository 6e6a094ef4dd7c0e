// Package storetest provides an in-memory store.Store for tests of the
// packages built on top of the store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/pkg/models"
)

// Update is one successful job write, in the order it was applied.
type Update struct {
	JobID        int64
	Status       string
	Progress     int
	Message      string
	ErrorMessage string
}

// MemStore mirrors the PostgresStore state machine in memory.
type MemStore struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*models.User
	keys    map[uuid.UUID]*models.APIKey
	jobs    map[int64]*models.Job
	nextID  int64
	updates []Update

	// Injected failures.
	CreateJobErr error
	PingErr      error
}

func New() *MemStore {
	return &MemStore{
		users: map[uuid.UUID]*models.User{},
		keys:  map[uuid.UUID]*models.APIKey{},
		jobs:  map[int64]*models.Job{},
	}
}

// Updates returns a copy of the job writes recorded so far.
func (s *MemStore) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

// JobUpdates returns the writes recorded for one job.
func (s *MemStore) JobUpdates(id int64) []Update {
	var out []Update
	for _, u := range s.Updates() {
		if u.JobID == id {
			out = append(out, u)
		}
	}
	return out
}

// Job returns a copy of the stored job, or nil.
func (s *MemStore) Job(id int64) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// JobCount returns the number of stored jobs.
func (s *MemStore) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *MemStore) Ping(_ context.Context) error { return s.PingErr }

// --- Users ---

func (s *MemStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return store.ErrDuplicateKey
		}
	}
	if _, ok := s.users[u.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- API Keys ---

func (s *MemStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.UserID == userID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (s *MemStore) CreateJob(_ context.Context, job *models.Job, opts ...store.JobCreateOption) error {
	if s.CreateJobErr != nil {
		return s.CreateJobErr
	}
	params := store.ApplyJobCreateOptions(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.ProjectCheck != nil {
		if err := params.ProjectCheck(s.countProjects(job.UserID)); err != nil {
			return err
		}
	}
	s.nextID++
	job.ID = s.nextID
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) GetJob(_ context.Context, id int64, userID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) GetJobByID(_ context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

var predecessors = map[string][]string{
	models.JobStatusRunning: {models.JobStatusPending},
	models.JobStatusDone:    {models.JobStatusRunning},
	models.JobStatusError:   {models.JobStatusPending, models.JobStatusRunning},
}

func (s *MemStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...store.JobUpdateOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := store.ApplyJobUpdateOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	from, known := predecessors[status]
	allowed := false
	for _, f := range from {
		allowed = allowed || f == j.Status
	}
	if !known || !allowed {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	switch status {
	case models.JobStatusRunning:
		j.StartedAt = &now
		if params.Progress != nil {
			j.Progress, j.Message = *params.Progress, *params.Message
		}
	case models.JobStatusDone:
		j.Progress, j.Message = 100, "Processing complete!"
		if params.Message != nil {
			j.Message = *params.Message
		}
		if out := params.Outputs; out != nil {
			j.OutputImageKey, j.OutputFormat, j.ModelKey, j.Stats = out.ImageKey, out.ImageFormat, out.ModelKey, out.Stats
		}
		j.CompletedAt = &now
	case models.JobStatusError:
		if params.ErrorMessage == nil || strings.TrimSpace(*params.ErrorMessage) == "" {
			return fmt.Errorf("update job status: error status requires an error message")
		}
		msg := *params.ErrorMessage
		j.Progress, j.Message, j.ErrorMessage = 0, "Processing failed", &msg
		j.CompletedAt = &now
	}
	j.Status = status
	j.UpdatedAt = now

	upd := Update{JobID: id, Status: status, Progress: j.Progress, Message: j.Message}
	if j.ErrorMessage != nil {
		upd.ErrorMessage = *j.ErrorMessage
	}
	s.updates = append(s.updates, upd)
	return nil
}

func (s *MemStore) UpdateJobProgress(ctx context.Context, id int64, progress int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("update job progress: %d out of range", progress)
	}
	if j.Status != models.JobStatusRunning || progress < j.Progress {
		return fmt.Errorf("%w: %s (progress %d) -> progress %d", store.ErrInvalidTransition, j.Status, j.Progress, progress)
	}
	j.Progress, j.Message, j.UpdatedAt = progress, message, time.Now().UTC()
	s.updates = append(s.updates, Update{JobID: id, Status: j.Status, Progress: progress, Message: message})
	return nil
}

func (s *MemStore) FailStaleJobs(ctx context.Context, detail string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(detail) == "" {
		return nil, fmt.Errorf("fail stale jobs: error message required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var ids []int64
	for id, j := range s.jobs {
		if j.IsTerminal() {
			continue
		}
		msg := detail
		j.Status, j.Progress, j.Message, j.ErrorMessage = models.JobStatusError, 0, "Processing failed", &msg
		j.CompletedAt, j.UpdatedAt = &now, now
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		s.updates = append(s.updates, Update{JobID: id, Status: models.JobStatusError, Message: "Processing failed", ErrorMessage: detail})
	}
	return ids, nil
}

// --- Projects ---

func (s *MemStore) CountDistinctProjects(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countProjects(userID), nil
}

// countProjects expects s.mu to be held.
func (s *MemStore) countProjects(userID uuid.UUID) int {
	names := map[string]bool{}
	for _, j := range s.jobs {
		if j.UserID == userID && j.ProjectName != "" {
			names[j.ProjectName] = true
		}
	}
	return len(names)
}

func (s *MemStore) ListProjects(_ context.Context, userID uuid.UUID) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := map[string]*models.Project{}
	latest := map[string]*models.Job{}
	for _, j := range s.jobs {
		if j.UserID != userID || j.ProjectName == "" {
			continue
		}
		p, ok := byName[j.ProjectName]
		if !ok {
			p = &models.Project{Name: j.ProjectName}
			byName[j.ProjectName] = p
		}
		p.JobCount++
		if j.UpdatedAt.After(p.LastActivity) {
			p.LastActivity = j.UpdatedAt
		}
		if l := latest[j.ProjectName]; l == nil || j.ID > l.ID {
			latest[j.ProjectName] = j
		}
	}
	out := []*models.Project{}
	for name, p := range byName {
		p.LatestJobID = latest[name].ID
		p.LatestStatus = latest[name].Status
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemStore) GetLatestProjectJob(_ context.Context, userID uuid.UUID, project string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Job
	for _, j := range s.jobs {
		if j.UserID == userID && j.ProjectName == project && (latest == nil || j.ID > latest.ID) {
			latest = j
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemStore) DeleteProject(_ context.Context, userID uuid.UUID, project string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.UserID == userID && j.ProjectName == project {
			jobs = append(jobs, j)
		}
	}
	if len(jobs) == 0 {
		return nil, store.ErrNotFound
	}
	for _, j := range jobs {
		if !j.IsTerminal() {
			return nil, store.ErrProjectBusy
		}
	}
	for _, j := range jobs {
		delete(s.jobs, j.ID)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

var _ store.Store = (*MemStore)(nil)
