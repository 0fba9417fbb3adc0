// Package intake creates jobs for inbound events and hands them to the
// queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/roomote-orchestrator/internal/metrics"
)

var (
	ErrNoFallbackUser = errors.New("no fallback user configured for job creation")
	ErrNoOrg          = errors.New("no organization could be resolved for job creation")
	ErrNoJobID        = errors.New("failed to get job id")
	// ErrNoEnqueuedID is surfaced to API callers verbatim; keep the wording.
	ErrNoEnqueuedID = errors.New("Failed to get enqueued job ID.")
)

// JobCreator writes job rows.
type JobCreator interface {
	CreateJob(ctx context.Context, nj jobstore.NewJob) (*domain.Job, error)
}

// Enqueuer puts jobs on the durable queue and returns the message id.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64, jobType domain.JobType, payload json.RawMessage, orgID string) (string, error)
}

// Identity holds the principals jobs are created as when the inbound event
// carries none.
type Identity struct {
	FallbackUser string
	FallbackOrg  string
}

// Created identifies a new job.
type Created struct {
	JobID         int64  `json:"jobId"`
	EnqueuedJobID string `json:"enqueuedJobId"`
}

// Service creates and enqueues jobs.
type Service struct {
	jobs     JobCreator
	queue    Enqueuer
	identity Identity
	log      *slog.Logger
}

// New creates a Service.
func New(jobs JobCreator, queue Enqueuer, identity Identity, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{jobs: jobs, queue: queue, identity: identity, log: log.With("component", "intake")}
}

// CreateAndEnqueueJob validates payload, writes a pending job and enqueues
// it. orgID may be empty, in which case the fallback organization is used.
// Nothing is written or enqueued when no fallback user is configured.
func (s *Service) CreateAndEnqueueJob(ctx context.Context, jobType domain.JobType, payload json.RawMessage, orgID string) (*Created, error) {
	if orgID == "" {
		orgID = s.identity.FallbackOrg
	}
	if orgID == "" {
		return nil, ErrNoOrg
	}
	if s.identity.FallbackUser == "" {
		return nil, ErrNoFallbackUser
	}
	if _, err := domain.DecodePayload(jobType, payload); err != nil {
		return nil, err
	}

	job, err := s.jobs.CreateJob(ctx, jobstore.NewJob{
		Type:    jobType,
		Payload: payload,
		OrgID:   orgID,
		UserID:  s.identity.FallbackUser,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if job == nil || job.ID == 0 {
		return nil, ErrNoJobID
	}

	enqueuedID, err := s.queue.Enqueue(ctx, job.ID, jobType, payload, orgID)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}
	if enqueuedID == "" {
		return nil, ErrNoEnqueuedID
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(jobType)).Inc()
	s.log.Info("job enqueued", "job_id", job.ID, "type", jobType, "org_id", orgID, "enqueued_id", enqueuedID)
	return &Created{JobID: job.ID, EnqueuedJobID: enqueuedID}, nil
}
