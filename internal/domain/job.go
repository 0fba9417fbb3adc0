package domain

import (
	"encoding/json"
	"time"
)

// Job is a persisted unit of automation work
type Job struct {
	ID          int64           `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	OrgID       string          `json:"org_id"`
	UserID      string          `json:"user_id"`
	ThreadRef   *string         `json:"thread_ref,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsTerminal returns true once the job reached completed or failed
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Duration returns how long the job has been (or was) processing
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// StatusUpdate carries the optional fields of a status transition.
// Nil fields are left untouched.
type StatusUpdate struct {
	Result    json.RawMessage
	Error     *string
	ThreadRef *string
}

// JobFilter narrows a job listing. Zero values match everything.
type JobFilter struct {
	Type        JobType
	Status      JobStatus
	OrgID       string
	Repo        string
	IssueNumber int
	Limit       int
}
