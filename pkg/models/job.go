// Package models contains the data types shared across procmine.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Job is one asynchronous mining run. The API returns its id from
// POST /jobs/create/; clients poll GET /jobs/status/{id}/ until the status
// is done or error.
type Job struct {
	ID               int64      `db:"id"                  json:"id"`
	UserID           uuid.UUID  `db:"user_id"             json:"user_id"`
	ProjectName      string     `db:"project_name"        json:"project_name"`
	OriginalFilename string     `db:"original_filename"   json:"original_filename"`
	InputKey         string     `db:"input_key"           json:"-"`
	InputFormat      string     `db:"input_format"        json:"input_format"`
	CleaningEnabled  bool       `db:"cleaning_enabled"    json:"cleaning_enabled"`
	MiningMethod     string     `db:"mining_method"       json:"mining_method"`
	Status           string     `db:"status"              json:"status"`
	Progress         int        `db:"progress"            json:"progress"`
	Message          string     `db:"message"             json:"message"`
	ErrorMessage     *string    `db:"error_message"       json:"error_message,omitempty"`
	OutputImageKey   *string    `db:"output_image_key"    json:"-"`
	OutputFormat     *string    `db:"output_image_format" json:"output_image_format,omitempty"`
	ModelKey         *string    `db:"model_key"           json:"-"`
	Stats            JobStats   `json:"stats"`
	StartedAt        *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"          json:"updated_at"`
}

// JobStats summarizes the mined log and the discovered net.
type JobStats struct {
	NumEvents      int `db:"num_events"      json:"num_events"`
	NumCases       int `db:"num_cases"       json:"num_cases"`
	NumActivities  int `db:"num_activities"  json:"num_activities"`
	NumPlaces      int `db:"num_places"      json:"num_places"`
	NumTransitions int `db:"num_transitions" json:"num_transitions"`
	NumArcs        int `db:"num_arcs"        json:"num_arcs"`
}

// IsTerminal reports whether the job can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusError
}

// JobOutputs is what the runner records when a job completes.
type JobOutputs struct {
	ImageKey    *string
	ImageFormat *string
	ModelKey    *string
	Stats       JobStats
}

// Project is a derived grouping of a user's jobs by project name.
type Project struct {
	Name         string    `json:"name"`
	JobCount     int       `json:"job_count"`
	LatestJobID  int64     `json:"latest_job_id"`
	LatestStatus string    `json:"latest_status"`
	LastActivity time.Time `json:"last_activity"`
}
